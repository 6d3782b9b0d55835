package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	passKey   contextKey = "pass_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithPassID tags the context with the sequence number of the reconciliation pass it belongs to.
func WithPassID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, passKey, id)
}

// PassIDFromContext returns the pass sequence number stored in ctx.
func PassIDFromContext(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(passKey).(uint64)

	return id, ok
}
