package logger

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	attemptKey
)

// attempt identifies the task a worker is currently processing.
type attempt struct {
	taskID     string
	dispatchID string
}

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithAttempt tags ctx with the task and dispatch a worker is processing.
// Records logged through New's handler then carry task_id and dispatch_id.
func WithAttempt(ctx context.Context, taskID, dispatchID string) context.Context {
	return context.WithValue(ctx, attemptKey, attempt{taskID: taskID, dispatchID: dispatchID})
}

// contextAttrs returns the attributes stored on ctx by this package.
func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if a, ok := ctx.Value(attemptKey).(attempt); ok {
		attrs = append(attrs, slog.String("task_id", a.taskID))
		if a.dispatchID != "" {
			attrs = append(attrs, slog.String("dispatch_id", a.dispatchID))
		}
	}
	return attrs
}
