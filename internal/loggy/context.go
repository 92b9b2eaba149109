package loggy

import (
	"context"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	actionIDKey contextKey = "action_id"
)

// FromContext retrieves the logger from the context, falling back to the global logger
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return GetGlobalLogger()
	}

	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}

	return GetGlobalLogger()
}

// WithLogger returns a new context with the logger attached
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// WithActionID attaches the id of the queued action being processed, and a
// logger carrying it, to the context.
func WithActionID(ctx context.Context, actionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, actionIDKey, actionID)
	if logger := FromContext(ctx); logger != nil {
		ctx = WithLogger(ctx, logger.With("action_id", actionID))
	}
	return ctx
}

// ActionID returns the action id stored by WithActionID
func ActionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(actionIDKey).(string)
	return id
}
