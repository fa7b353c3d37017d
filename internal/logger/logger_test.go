package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn line missing: %s", out)
	}
}

func TestComponentAndSession(t *testing.T) {
	var buf bytes.Buffer
	l := Session(Component(New(Config{Output: &buf}), "timeline"), "s1")
	l.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"component":"timeline"`, `"session_id":"s1"`, `"service":"mediation"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}
