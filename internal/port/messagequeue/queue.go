// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// A non-nil error asks the queue to redeliver the message later.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and consuming messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every new message on subject to handler (fan-out).
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Consume shares messages on subject between all consumers using the same
	// durable name; each message goes to one of them (work queue).
	// The returned function stops consumption.
	Consume(ctx context.Context, subject, durable string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject prefixes used by GridForge.
const (
	SubjectTaskQueue  = "tasks.queue"  // tasks.queue.{partition} - ready-to-dispatch tasks
	SubjectTaskEvents = "tasks.events" // tasks.events.{session} - task and result changes
)

// QueueSubject returns the dispatch subject for a partition.
func QueueSubject(partitionID string) string {
	return SubjectTaskQueue + "." + partitionID
}

// EventSubject returns the event subject for a session.
func EventSubject(sessionID string) string {
	return SubjectTaskEvents + "." + sessionID
}
