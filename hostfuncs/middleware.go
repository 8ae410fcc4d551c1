package hostfuncs

import (
	"context"
	"log/slog"
	"time"
)

// Middleware wraps a ByteHandler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next ByteHandler) ByteHandler

// RegistryOption is a functional option for configuring a HandlerRegistry.
type RegistryOption func(*registryBuilder)

// PanicRecoveryMiddleware returns a middleware that catches panics and
// answers with an Internal status reply instead of crashing the host.
func PanicRecoveryMiddleware() Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = NewPanicError(handlerOf(ctx), r).Payload()
					err = nil
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware returns a middleware that logs every invocation at debug
// level and failures at warn level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			attrs := []any{"handler", handlerOf(ctx).String()}
			if hc, ok := ctx.(HostContext); ok {
				attrs = append(attrs, "thread_id", hc.ThreadID())
			}

			start := time.Now()
			resp, err := next(ctx, payload)
			attrs = append(attrs, "duration", time.Since(start))
			if err != nil {
				logger.WarnContext(ctx, "host function failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "host function completed", attrs...)
			}
			return resp, err
		}
	}
}
