package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "gridforge"

// StartAcquireSpan starts a span for a lease acquisition attempt.
func StartAcquireSpan(ctx context.Context, taskID, dispatchID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch.acquire",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("dispatch.id", dispatchID),
		),
	)
}

// StartCompleteSpan starts a span for a task completion.
func StartCompleteSpan(ctx context.Context, taskID string, success bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.complete",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Bool("task.success", success),
		),
	)
}

// StartCreateSpan starts a span for a task submission batch.
func StartCreateSpan(ctx context.Context, sessionID string, count int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.create",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("task.count", count),
		),
	)
}

// StartProcessSpan starts a span for one worker execution attempt.
func StartProcessSpan(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.process",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("dispatch.attempt", attempt),
		),
	)
}
