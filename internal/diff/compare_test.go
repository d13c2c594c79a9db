package diff

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return value
}

func TestCompareIdenticalValues(t *testing.T) {
	value := decode(t, `{"a":1,"b":{"c":[1,2,3]},"d":"text"}`)
	other := decode(t, `{"a":1,"b":{"c":[1,2,3]},"d":"text"}`)

	res := Compare(value, other, Options{})
	if res.Summary.Added != 0 || res.Summary.Removed != 0 || res.Summary.Changed != 0 {
		t.Fatalf("expected no differences, got %+v", res.Summary)
	}
	if res.Summary.Unchanged != 1 {
		t.Fatalf("equal roots should count as one unchanged subtree, got %d", res.Summary.Unchanged)
	}
	if len(res.Entries) != 0 {
		t.Fatalf("expected no entries without IncludeUnchanged, got %d", len(res.Entries))
	}
}

func TestCompareAddedKeyIsAsymmetric(t *testing.T) {
	left := decode(t, `{"a":1}`)
	right := decode(t, `{"a":1,"b":2}`)

	res := Compare(left, right, Options{})
	if res.Summary.Added != 1 {
		t.Fatalf("expected 1 added, got %+v", res.Summary)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(res.Entries))
	}
	entry := res.Entries[0]
	if entry.Path != "b" || entry.Type != EntryAdded {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Left != nil {
		t.Fatalf("added entry should have nil left, got %v", entry.Left)
	}
	if entry.Right != float64(2) {
		t.Fatalf("added entry should carry right value 2, got %v", entry.Right)
	}

	// Swapping sides flips the classification.
	reversed := Compare(right, left, Options{})
	if reversed.Summary.Removed != 1 || reversed.Summary.Added != 0 {
		t.Fatalf("expected 1 removed on swap, got %+v", reversed.Summary)
	}
	if reversed.Entries[0].Type != EntryRemoved || reversed.Entries[0].Path != "b" {
		t.Fatalf("unexpected reversed entry: %+v", reversed.Entries[0])
	}
}

func TestCompareNestedPaths(t *testing.T) {
	left := decode(t, `{"slides":[{"title":"one"},{"title":"two"}]}`)
	right := decode(t, `{"slides":[{"title":"one"},{"title":"TWO"}]}`)

	res := Compare(left, right, Options{})
	if res.Summary.Changed != 1 {
		t.Fatalf("expected 1 changed, got %+v", res.Summary)
	}
	entry := res.Entries[0]
	if entry.Path != "slides[1].title" {
		t.Fatalf("expected path slides[1].title, got %q", entry.Path)
	}
	if entry.Left != "two" || entry.Right != "TWO" {
		t.Fatalf("unexpected entry values: %+v", entry)
	}
}

func TestCompareArrayLengthMismatch(t *testing.T) {
	left := decode(t, `[1,2]`)
	right := decode(t, `[1,2,3,4]`)

	res := Compare(left, right, Options{})
	if res.Summary.Added != 2 {
		t.Fatalf("expected 2 added, got %+v", res.Summary)
	}
	if res.Entries[0].Path != "[2]" || res.Entries[1].Path != "[3]" {
		t.Fatalf("unexpected paths: %q, %q", res.Entries[0].Path, res.Entries[1].Path)
	}
}

func TestCompareIncompatibleShapes(t *testing.T) {
	left := decode(t, `{"a":{"nested":true}}`)
	right := decode(t, `{"a":[1,2]}`)

	res := Compare(left, right, Options{})
	if res.Summary.Changed != 1 {
		t.Fatalf("object vs array should be one changed entry, got %+v", res.Summary)
	}
	if res.Entries[0].Path != "a" || res.Entries[0].Type != EntryChanged {
		t.Fatalf("unexpected entry: %+v", res.Entries[0])
	}
}

func TestCompareNullHandling(t *testing.T) {
	left := decode(t, `{"a":null}`)
	right := decode(t, `{"a":null}`)
	res := Compare(left, right, Options{})
	if res.Summary.Unchanged != 1 || res.Summary.Changed != 0 {
		t.Fatalf("null vs null should be unchanged, got %+v", res.Summary)
	}

	res = Compare(decode(t, `{"a":null}`), decode(t, `{"a":1}`), Options{})
	if res.Summary.Changed != 1 {
		t.Fatalf("null vs value should be changed, got %+v", res.Summary)
	}
}

func TestCompareDeterministicKeyOrder(t *testing.T) {
	left := decode(t, `{"zebra":1,"apple":2,"mango":3}`)
	right := decode(t, `{"zebra":9,"apple":9,"mango":9,"banana":9}`)

	for i := 0; i < 10; i++ {
		res := Compare(left, right, Options{})
		paths := make([]string, 0, len(res.Entries))
		for _, entry := range res.Entries {
			paths = append(paths, entry.Path)
		}
		want := []string{"apple", "mango", "zebra", "banana"}
		if len(paths) != len(want) {
			t.Fatalf("expected %d entries, got %v", len(want), paths)
		}
		for j := range want {
			if paths[j] != want[j] {
				t.Fatalf("iteration %d: expected order %v, got %v", i, want, paths)
			}
		}
	}
}

func TestCompareIncludeUnchanged(t *testing.T) {
	left := decode(t, `{"a":1,"b":2}`)
	right := decode(t, `{"a":1,"b":3}`)

	res := Compare(left, right, Options{IncludeUnchanged: true})
	if res.Summary.Unchanged != 1 || res.Summary.Changed != 1 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected unchanged entry to be emitted, got %d entries", len(res.Entries))
	}
	if res.Entries[0].Path != "a" || res.Entries[0].Type != EntryUnchanged {
		t.Fatalf("unexpected first entry: %+v", res.Entries[0])
	}
}

func TestCompareEqualSubtreeCountsOnce(t *testing.T) {
	left := decode(t, `{"deck":{"slides":[1,2,3],"title":"x"},"version":1}`)
	right := decode(t, `{"deck":{"slides":[1,2,3],"title":"x"},"version":2}`)

	res := Compare(left, right, Options{})
	// The whole equal deck subtree counts once, not per leaf.
	if res.Summary.Unchanged != 1 {
		t.Fatalf("expected deck subtree to count once, got %d", res.Summary.Unchanged)
	}
	if res.Summary.Changed != 1 || res.Entries[0].Path != "version" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
