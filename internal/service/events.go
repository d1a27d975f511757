package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/GridForge/internal/domain/event"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/messagequeue"
)

// EventPublisher emits task events on the session's event subject.
// A nil *EventPublisher discards events.
type EventPublisher struct {
	queue messagequeue.Queue
	now   func() time.Time
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(queue messagequeue.Queue) *EventPublisher {
	return &EventPublisher{queue: queue, now: time.Now}
}

// Publish sends ev. Failures are logged, never returned: events are advisory.
func (p *EventPublisher) Publish(ctx context.Context, ev event.TaskEvent) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	data, err := json.Marshal(messagequeue.TaskEventPayload{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		TaskID:    ev.TaskID,
		ResultID:  ev.ResultID,
		Status:    string(ev.Status),
		At:        ev.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.ErrorContext(ctx, "marshal task event", "type", ev.Type, "error", err)
		return
	}
	if err := p.queue.Publish(ctx, messagequeue.EventSubject(ev.SessionID), data); err != nil {
		slog.WarnContext(ctx, "publish task event failed", "type", ev.Type, "session_id", ev.SessionID, "error", err)
	}
}

// TaskStatus is shorthand for a status-changed event.
func (p *EventPublisher) TaskStatus(ctx context.Context, sessionID, taskID string, status task.Status) {
	p.Publish(ctx, event.TaskEvent{
		Type:      event.TypeTaskStatusChanged,
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    status,
	})
}

// decodeEvent parses a tasks.events payload.
func decodeEvent(data []byte) (event.TaskEvent, error) {
	var p messagequeue.TaskEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return event.TaskEvent{}, err
	}
	at, _ := time.Parse(time.RFC3339Nano, p.At)
	return event.TaskEvent{
		Type:      event.Type(p.Type),
		SessionID: p.SessionID,
		TaskID:    p.TaskID,
		ResultID:  p.ResultID,
		Status:    task.Status(p.Status),
		At:        at,
	}, nil
}
