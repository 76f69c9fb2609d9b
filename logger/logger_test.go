package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// TestLevelFilter verifies messages below the configured level are
// suppressed while warnings and errors always reach the output at the
// default INFO level
func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	out = &buf
	defer func() { out = os.Stderr }()

	SetLevel(INFO)
	defer SetLevel(INFO)

	Trace("test", "chunk detail")
	Debug("test", "state detail")
	Info("test", "an event")
	Warn("test", "a warning")
	Error("test", "an error")

	got := buf.String()
	if strings.Contains(got, "chunk detail") || strings.Contains(got, "state detail") {
		t.Errorf("messages below INFO were not suppressed:\n%s", got)
	}
	for _, want := range []string{"an event", "a warning", "an error"} {
		if !strings.Contains(got, want) {
			t.Errorf("message %q missing from output:\n%s", want, got)
		}
	}

	buf.Reset()
	SetLevel(TRACE)
	Trace("test", "chunk detail")
	if !strings.Contains(buf.String(), "chunk detail") {
		t.Errorf("TRACE suppressed at TRACE level")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("trace") != TRACE {
		t.Errorf("lowercase level name not accepted")
	}
	if ParseLevel("ERROR") != ERROR {
		t.Errorf("ERROR not parsed")
	}
	if ParseLevel("bogus") != INFO {
		t.Errorf("unknown level should fall back to INFO")
	}
}
