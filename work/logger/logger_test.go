package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("debug"))
	assert.Equal(t, WARN, ParseLogLevel("Warning"))
	assert.Equal(t, ERROR, ParseLogLevel(" ERROR "))
	assert.Equal(t, INFO, ParseLogLevel("verbose"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("WARN")
	l.SetOutput(&buf)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	l.Error("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
	assert.Contains(t, out, "[ERROR] shown 3")
}

func TestSetLevelAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := New("ERROR")
	l.SetOutput(&buf)

	l.Debug("first")
	l.SetLevel("DEBUG")
	l.Debug("second")

	assert.NotContains(t, buf.String(), "first")
	assert.Contains(t, buf.String(), "[DEBUG] second")
}
