package diff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// TextSegment is a piece of an inline text diff.
type TextSegment struct {
	Op   string `json:"op"` // "equal", "insert" or "delete"
	Text string `json:"text"`
}

const maxInlineDiffBytes = 256 * 1024

// InlineText computes a character-level diff between two strings for report
// rendering. Very large inputs are returned as a single delete/insert pair
// instead of being diffed.
func InlineText(left, right string) []TextSegment {
	if left == right {
		return []TextSegment{{Op: "equal", Text: left}}
	}
	if len(left) > maxInlineDiffBytes || len(right) > maxInlineDiffBytes {
		return []TextSegment{
			{Op: "delete", Text: left},
			{Op: "insert", Text: right},
		}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(left, right, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]TextSegment, 0, len(diffs))
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			segments = append(segments, TextSegment{Op: "insert", Text: d.Text})
		case diffmatchpatch.DiffDelete:
			segments = append(segments, TextSegment{Op: "delete", Text: d.Text})
		default:
			segments = append(segments, TextSegment{Op: "equal", Text: d.Text})
		}
	}
	return segments
}
