package loggy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: slog.LevelInfo, Format: "json", AddSource: true})

	logger.Component("queue").Info("Enqueued action", "kind", "like")
	logger.Debug("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "Enqueued action", entry["msg"])
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "like", entry["kind"])
	assert.Contains(t, entry["source"], "loggy_test.go")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("nothing")
		logger.With("a", 1).Warn("still nothing")
	})
	assert.NotNil(t, logger.Component("x"))
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: slog.LevelInfo, Format: "json"})

	ctx := WithLogger(context.Background(), logger)
	ctx = WithActionID(ctx, "act-1")

	assert.Equal(t, "act-1", ActionID(ctx))
	FromContext(ctx).Info("processing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "act-1", entry["action_id"])

	assert.Empty(t, ActionID(context.Background()))
	assert.Same(t, GetGlobalLogger(), FromContext(context.Background()))
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: slog.LevelInfo, Format: "json"})

	assert.Same(t, logger, logger.WithError(nil))
	logger.WithError(errors.New("boom")).Warn("failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "*errors.errorString", entry["error_type"])
}

func TestNoopLoggerInstallsGlobal(t *testing.T) {
	noop := NewNoopLogger()
	assert.Same(t, noop, GetGlobalLogger())
	assert.NotPanics(t, func() { Info("discarded") })
}
