package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFormatSinkLine(t *testing.T) {
	t.Parallel()

	got := formatSinkLine([]byte(`{"level":"warn","time":"x","message":"send failed","name":"Bob","caller":"engine.go:10"}`))
	want := "[WARN] send failed\n- caller=engine.go:10\n- name=Bob"
	if got != want {
		t.Fatalf("formatSinkLine = %q, want %q", got, want)
	}

	raw := formatSinkLine([]byte("  not json \n"))
	if raw != "not json" {
		t.Fatalf("raw line = %q", raw)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("a", 50)
	if got := truncate(s, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.With(String("k", "v")).Info("dropped")
	Nop().Error("dropped", Err(nil))
}
