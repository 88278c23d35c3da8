package domain

import (
	"errors"
	"testing"
)

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Interval
		wantErr bool
	}{
		{in: "now", want: Immediate},
		{in: " Daily ", want: Daily},
		{in: "WEEKLY", want: Weekly},
		{in: "monthly", want: Monthly},
		{in: "hourly", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownInterval) {
				t.Fatalf("ParseInterval(%q) err = %v, want ErrUnknownInterval", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseInterval(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if Immediate.Recurring() || !Monthly.Recurring() {
		t.Fatal("Recurring() mismatch")
	}
}

func TestParseSelection(t *testing.T) {
	t.Parallel()

	s, err := ParseSelection("friend", 3)
	if err != nil || s.Kind() != SelectContact || s.ID() != 3 {
		t.Fatalf("friend selection = %v, %v", s, err)
	}
	if s.String() != "friend:3" {
		t.Fatalf("String() = %q", s.String())
	}
	g, err := ParseSelection("GROUP", 7)
	if err != nil || g.Kind() != SelectGroup || g.ID() != 7 {
		t.Fatalf("group selection = %v, %v", g, err)
	}
	if _, err := ParseSelection("channel", 1); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("want ErrInvalidSelection, got %v", err)
	}
	if !(Selection{}).IsZero() {
		t.Fatal("zero selection should be IsZero")
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	for _, c := range Categories() {
		got, err := ParseCategory(string(c))
		if err != nil || got != c {
			t.Fatalf("ParseCategory(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCategory("poem"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("want ErrUnknownCategory, got %v", err)
	}
}
