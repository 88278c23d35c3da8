package adapter

import (
	"strings"
	"testing"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 12, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()

	s := "012345678<b>x</b>"
	got := splitText(s, 10, "HTML")
	if len(got) != 2 || got[0] != "012345678" || got[1] != "<b>x</b>" {
		t.Fatalf("got %q", got)
	}
	if strings.Join(got, "") != s {
		t.Fatalf("content lost: %q", got)
	}
}
