package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/messagequeue"
	"github.com/Strob0t/GridForge/internal/resilience"
)

// PushQueue publishes ready-to-dispatch task references to their
// partition's queue subject.
type PushQueue struct {
	queue   messagequeue.Queue
	breaker *resilience.Breaker
}

// NewPushQueue creates a PushQueue. breaker may be nil.
func NewPushQueue(queue messagequeue.Queue, breaker *resilience.Breaker) *PushQueue {
	return &PushQueue{queue: queue, breaker: breaker}
}

// Push enqueues every request. It attempts all of them and joins the errors.
func (p *PushQueue) Push(ctx context.Context, sessionID string, reqs []task.CreationRequest) error {
	var errs []error
	for i := range reqs {
		msg := messagequeue.TaskQueuedPayload{
			TaskID:      reqs[i].TaskID,
			SessionID:   sessionID,
			PartitionID: reqs[i].Options.PartitionID,
			Priority:    reqs[i].Options.Priority,
		}
		if err := p.publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("push task %s: %w", msg.TaskID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *PushQueue) publish(ctx context.Context, msg messagequeue.TaskQueuedPayload) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	subject := messagequeue.QueueSubject(msg.PartitionID)
	if p.breaker == nil {
		return p.queue.Publish(ctx, subject, data)
	}
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.queue.Publish(ctx, subject, data)
	})
}
