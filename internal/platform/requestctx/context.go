// Package requestctx carries request-scoped values (logger, trace, idempotency key) between
// middleware and the layers below the handlers.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey      struct{}
	traceKey       struct{}
	idempotencyKey struct{}
)

var nop = zap.NewNop()

// TraceInfo is the trace correlation attached by the tracing middleware.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func with(ctx context.Context, key, value any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func value[T any](ctx context.Context, key any) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// WithLogger attaches logger to ctx. A nil logger clears any inherited one.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return with(ctx, loggerKey{}, logger)
}

// Logger returns the request logger, or a no-op logger outside a request.
func Logger(ctx context.Context) *zap.Logger {
	return LoggerOr(ctx, nop)
}

// LoggerOr returns the request logger, or fallback when none is attached.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := value[*zap.Logger](ctx, loggerKey{}); ok && logger != nil {
		return logger
	}
	if fallback == nil {
		return nop
	}
	return fallback
}

// WithTrace attaches trace correlation to ctx.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return with(ctx, traceKey{}, info)
}

// Trace returns the trace correlation attached by WithTrace.
func Trace(ctx context.Context) (TraceInfo, bool) {
	return value[TraceInfo](ctx, traceKey{})
}

// TraceID is a shortcut for Trace(ctx).TraceID.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithIdempotencyKey records the client's idempotency key for request logging.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return with(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key stored by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) string {
	key, _ := value[string](ctx, idempotencyKey{})
	return key
}
