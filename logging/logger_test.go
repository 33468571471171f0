package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Logger = NoOpLogger{}
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*RelayLogger)(nil)
)

func newBufferLogger(level LogLevel) (*RelayLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	cfg.Output = buf
	return NewLogger(cfg), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRelayLogger_ContextAttrs(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)
	l.WithComponent("orchestrator").WithSession("s1", "r1").WithContext("unit", "builder").Info("routed", "attempt", 2)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "routed", lines[0]["msg"])
	assert.Equal(t, "orchestrator", lines[0]["component"])
	assert.Equal(t, "s1", lines[0]["session_id"])
	assert.Equal(t, "r1", lines[0]["request_id"])
	assert.Equal(t, "builder", lines[0]["unit"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
}

func TestRelayLogger_LevelFilter(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarn)
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	l.Error("shown too")
	assert.Len(t, decodeLines(t, buf), 2)
}

func TestRelayLogger_LogBackendCall(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)
	l.LogBackendCall("openai", "gpt-4o-mini", 12, 5*time.Millisecond, false, errors.New("timeout"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "timeout", lines[0]["error"])
	assert.Equal(t, "openai", lines[0]["backend"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelInfo, ParseLevel("bogus"))
	assert.Equal(t, "ERROR", ParseLevel("error").String())
}

func TestLogHelpers_RouteThroughRelayLogger(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)
	LogDispatch(l, "r1", "builder", true, time.Millisecond)
	LogHealth(l, "high_error_rate", "creative", "error_rate", 0.5)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "builder", lines[0]["agent_id"])
	assert.Equal(t, true, lines[0]["fallback"])
	assert.Equal(t, "WARN", lines[1]["level"])
	assert.Equal(t, "high_error_rate", lines[1]["issue"])
	assert.Equal(t, 0.5, lines[1]["error_rate"])
}

func TestLogHelpers_PlainLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogDispatch(NoOpLogger{}, "r1", "a", false, 0)
		LogHealth(NoOpLogger{}, "unhealthy", "a")
		LogBackendCall(OrNoOp(nil), "mock", "m", 1, 0, true, nil)
	})
}
