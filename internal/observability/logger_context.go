package observability

import (
	"context"
	"log/slog"
)

type ctxLoggerKey struct{}
type ctxRequestIDKey struct{}

// ContextWithLogger stores a request-scoped logger in the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, lg)
}

// LoggerFromContext returns the request-scoped logger, or the default logger
// when none is attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxLoggerKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID stores the request id so workers can correlate logs
// across the queue boundary.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestIDKey{}, id)
}

// RequestIDFromContext returns the request id or the empty string.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxRequestIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
