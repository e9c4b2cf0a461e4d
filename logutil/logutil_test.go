package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTrace(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, LevelTrace)

	Trace(logger, "scanned state", "state", 3)

	out := b.String()
	for _, want := range []string{"level=TRACE", `msg="scanned state"`, "state=3", "source=logutil_test.go:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestTraceDisabled(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, slog.LevelDebug)

	Trace(logger, "hidden")
	logger.Debug("shown")

	if strings.Contains(b.String(), "hidden") {
		t.Errorf("trace record written at debug level: %q", b.String())
	}
	if !strings.Contains(b.String(), "level=DEBUG") {
		t.Errorf("debug record missing: %q", b.String())
	}
}
