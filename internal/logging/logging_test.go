package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn)

	log.Debugf("debug line")
	log.Infof("info line")
	log.Warnf("warn line")
	log.Errorf("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("lines below the level leaked: %q", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Errorf("lines at or above the level missing: %q", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelError)

	log.Infof("before")
	log.SetLevel(LevelDebug)
	log.Infof("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Error("filtered line emitted")
	}
	if !strings.Contains(out, "after") {
		t.Error("line missing after level change")
	}
}

func TestNewLinesDrains(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo)

	log.Infof("one")
	log.Warnf("two")

	lines := log.NewLines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 pending lines, got %d", len(lines))
	}
	if lines[0].Text != "one" || lines[0].Level != LevelInfo {
		t.Errorf("unexpected first line %+v", lines[0])
	}
	if lines[1].Text != "two" || lines[1].Level != LevelWarn {
		t.Errorf("unexpected second line %+v", lines[1])
	}

	if len(log.NewLines()) != 0 {
		t.Error("second drain must be empty")
	}
}

func TestPendingBounded(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo)

	for i := 0; i < maxPending+50; i++ {
		log.Infof("line %d", i)
	}

	lines := log.NewLines()
	if len(lines) != maxPending {
		t.Errorf("expected pending capped at %d, got %d", maxPending, len(lines))
	}
	// The oldest lines are dropped first.
	if lines[0].Text != "line 50" {
		t.Errorf("expected oldest surviving line 50, got %q", lines[0].Text)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"Warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
