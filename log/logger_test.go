package log

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetSink(&buf)
	defer SetSink(os.Stderr)
	defer SetLevel(Notice)

	logger := New("test")

	SetLevel(Notice)
	logger.Info("hidden")
	logger.Notice("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected info message to be filtered at notice level, got %q", out)
	}
	if !strings.Contains(out, "[test]") || !strings.Contains(out, "shown") {
		t.Errorf("Expected notice message with module name, got %q", out)
	}

	buf.Reset()
	SetLevel(Debug)
	logger.Debugf("value=%d", 42)
	if !strings.Contains(buf.String(), "value=42") {
		t.Errorf("Expected debug message at debug level, got %q", buf.String())
	}
}

func TestSetSinkKeepsLevel(t *testing.T) {
	defer SetSink(os.Stderr)
	defer SetLevel(Notice)

	SetLevel(Error)
	var buf bytes.Buffer
	SetSink(&buf)

	if GetLevel() != Error {
		t.Fatalf("Expected level Error after SetSink, got %v", GetLevel())
	}
	New("test").Warning("dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected warning to be filtered, got %q", buf.String())
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	tests := []struct {
		count    int
		expected Level
	}{
		{0, Notice},
		{1, Info},
		{2, Debug},
		{5, Debug},
	}
	for _, test := range tests {
		if got := LevelFromVerbosity(test.count); got != test.expected {
			t.Errorf("LevelFromVerbosity(%d) = %v, expected %v", test.count, got, test.expected)
		}
	}
}
