package logx

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestInitWritesToExtra(t *testing.T) {
	var buf bytes.Buffer
	Init("debug", &buf)
	defer Init("info", nil)

	Debug("hello", "run", 7)
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "run=7")
}
