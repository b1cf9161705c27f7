package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &rec))
	return rec
}

func TestEnrichLogger(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "scheduler", "x"))

	logger, buf := newJSONLogger()
	EnrichLogger(logger, "scheduler", "exec-1").Info("hello")

	rec := lastRecord(t, buf)
	assert.Equal(t, "scheduler", rec["component"])
	assert.Equal(t, "exec-1", rec["id"])
}

func TestLogExecutionError(t *testing.T) {
	logger, buf := newJSONLogger()

	LogExecutionError(logger, "exec-1", 1, errors.New("boom"), true)
	rec := lastRecord(t, buf)
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, true, rec["will_retry"])

	LogExecutionError(logger, "exec-1", 2, errors.New("boom"), false)
	rec = lastRecord(t, buf)
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "boom", rec["error"])
}

func TestLogHelpersNilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		LogExecutionStart(nil, "e", "t", 1)
		LogExecutionComplete(nil, "e", 1)
		LogExecutionError(nil, "e", 1, errors.New("x"), false)
		LogHandlerError(nil, "event", "1", errors.New("x"))
		LogDeliveryRefused(nil, "a", "b", "t", "no route")
		LogLockEvent(nil, "granted", "r", "h")
	})
}

func TestLogDeliveryRefusedIsDebug(t *testing.T) {
	logger, buf := newJSONLogger()
	LogDeliveryRefused(logger, "a", "b", "ping", "type not accepted")

	rec := lastRecord(t, buf)
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "type not accepted", rec["reason"])
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 1.0)
}
