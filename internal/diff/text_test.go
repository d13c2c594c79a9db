package diff

import (
	"strings"
	"testing"
)

func TestInlineTextEqual(t *testing.T) {
	segments := InlineText("same", "same")
	if len(segments) != 1 || segments[0].Op != "equal" || segments[0].Text != "same" {
		t.Fatalf("unexpected segments: %+v", segments)
	}
}

func TestInlineTextRoundTrips(t *testing.T) {
	left := "the quick brown fox"
	right := "the slow brown cat"

	segments := InlineText(left, right)

	var rebuiltLeft, rebuiltRight strings.Builder
	for _, s := range segments {
		switch s.Op {
		case "equal":
			rebuiltLeft.WriteString(s.Text)
			rebuiltRight.WriteString(s.Text)
		case "delete":
			rebuiltLeft.WriteString(s.Text)
		case "insert":
			rebuiltRight.WriteString(s.Text)
		default:
			t.Fatalf("unknown op %q", s.Op)
		}
	}
	if rebuiltLeft.String() != left {
		t.Fatalf("left did not round-trip: %q", rebuiltLeft.String())
	}
	if rebuiltRight.String() != right {
		t.Fatalf("right did not round-trip: %q", rebuiltRight.String())
	}
}

func TestInlineTextOversizedInputs(t *testing.T) {
	big := strings.Repeat("x", maxInlineDiffBytes+1)

	segments := InlineText(big, "small")
	if len(segments) != 2 {
		t.Fatalf("oversized input should short-circuit, got %d segments", len(segments))
	}
	if segments[0].Op != "delete" || segments[1].Op != "insert" {
		t.Fatalf("unexpected ops: %q, %q", segments[0].Op, segments[1].Op)
	}
}
