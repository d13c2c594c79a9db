package diff

import (
	"fmt"
	"reflect"
	"sort"
)

// EntryType classifies a single comparison entry.
type EntryType string

const (
	EntryAdded     EntryType = "added"
	EntryRemoved   EntryType = "removed"
	EntryChanged   EntryType = "changed"
	EntryUnchanged EntryType = "unchanged"
)

// Entry records one difference (or, when requested, one equality) between
// the left and right value at a path.
type Entry struct {
	Path  string    `json:"path"`
	Type  EntryType `json:"type"`
	Left  any       `json:"left"`
	Right any       `json:"right"`
}

// Summary aggregates entry counts across a comparison.
type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
}

// Result is the structured output of comparing two JSON-like values.
// It is computed fresh per call and never persisted.
type Result struct {
	Summary Summary `json:"summary"`
	Entries []Entry `json:"entries"`
}

// Options controls comparison output.
type Options struct {
	// IncludeUnchanged emits an entry for equal subtrees instead of only
	// counting them in the summary.
	IncludeUnchanged bool
}

// Compare recursively compares two JSON-like values (the result of
// encoding/json unmarshalling into any). Objects are compared over the
// union of keys, arrays index-wise up to the longer length, and
// incompatible shapes are emitted directly as changed. Key traversal order
// is deterministic: sorted left keys, then sorted right-only keys.
func Compare(left, right any, opts Options) *Result {
	res := &Result{Entries: []Entry{}}
	compareValue("", left, right, opts, res)
	return res
}

func compareValue(path string, left, right any, opts Options, res *Result) {
	if deepEqual(left, right) {
		res.Summary.Unchanged++
		if opts.IncludeUnchanged {
			res.Entries = append(res.Entries, Entry{Path: path, Type: EntryUnchanged, Left: left, Right: right})
		}
		return
	}

	leftObj, leftIsObj := left.(map[string]any)
	rightObj, rightIsObj := right.(map[string]any)
	if leftIsObj && rightIsObj {
		compareObjects(path, leftObj, rightObj, opts, res)
		return
	}

	leftArr, leftIsArr := left.([]any)
	rightArr, rightIsArr := right.([]any)
	if leftIsArr && rightIsArr {
		compareArrays(path, leftArr, rightArr, opts, res)
		return
	}

	res.Summary.Changed++
	res.Entries = append(res.Entries, Entry{Path: path, Type: EntryChanged, Left: left, Right: right})
}

func compareObjects(path string, left, right map[string]any, opts Options, res *Result) {
	for _, key := range unionKeys(left, right) {
		childPath := key
		if path != "" {
			childPath = path + "." + key
		}

		leftVal, inLeft := left[key]
		rightVal, inRight := right[key]
		switch {
		case inLeft && inRight:
			compareValue(childPath, leftVal, rightVal, opts, res)
		case inRight:
			res.Summary.Added++
			res.Entries = append(res.Entries, Entry{Path: childPath, Type: EntryAdded, Left: nil, Right: rightVal})
		default:
			res.Summary.Removed++
			res.Entries = append(res.Entries, Entry{Path: childPath, Type: EntryRemoved, Left: leftVal, Right: nil})
		}
	}
}

func compareArrays(path string, left, right []any, opts Options, res *Result) {
	length := len(left)
	if len(right) > length {
		length = len(right)
	}

	for i := 0; i < length; i++ {
		childPath := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case i < len(left) && i < len(right):
			compareValue(childPath, left[i], right[i], opts, res)
		case i < len(right):
			res.Summary.Added++
			res.Entries = append(res.Entries, Entry{Path: childPath, Type: EntryAdded, Left: nil, Right: right[i]})
		default:
			res.Summary.Removed++
			res.Entries = append(res.Entries, Entry{Path: childPath, Type: EntryRemoved, Left: left[i], Right: nil})
		}
	}
}

// unionKeys returns sorted left keys followed by sorted right-only keys so
// traversal order never depends on map iteration.
func unionKeys(left, right map[string]any) []string {
	leftKeys := make([]string, 0, len(left))
	for key := range left {
		leftKeys = append(leftKeys, key)
	}
	sort.Strings(leftKeys)

	rightOnly := make([]string, 0)
	for key := range right {
		if _, ok := left[key]; !ok {
			rightOnly = append(rightOnly, key)
		}
	}
	sort.Strings(rightOnly)

	return append(leftKeys, rightOnly...)
}

func deepEqual(left, right any) bool {
	if left == nil && right == nil {
		return true
	}
	return reflect.DeepEqual(left, right)
}
