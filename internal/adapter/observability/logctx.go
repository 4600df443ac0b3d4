package observability

import (
	"context"
	"log/slog"
)

// ctxKey namespaces the values this package stores in a context.
type ctxKey int

const (
	ctxKeyLogger ctxKey = iota
	ctxKeyRequestID
)

// ContextWithLogger attaches a request-scoped logger. Nil loggers are
// ignored so callers never have to guard the attach site.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyLogger, lg)
}

// LoggerFromContext returns the attached logger, falling back to the
// process default so call sites can log unconditionally.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if lg, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID records the originating request id so queue payloads
// and deeper layers can correlate their logs with the HTTP request.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestIDFromContext returns the recorded request id, or "" when the work
// did not start from an HTTP request.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
