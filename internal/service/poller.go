package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/database"
)

// WaitService implements the client-side wait loops: query, sleep with
// doubling backoff, stop on a predicate.
type WaitService struct {
	store   database.Store
	cfg     *config.Polling
	metrics *gfotel.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewWaitService creates a WaitService.
func NewWaitService(store database.Store, cfg *config.Polling) *WaitService {
	return &WaitService{store: store, cfg: cfg, sleep: sleepContext}
}

// SetMetrics enables wait loop metrics.
func (s *WaitService) SetMetrics(m *gfotel.Metrics) {
	s.metrics = m
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newBackOff yields min(DelayMin * 2^n, DelayMax) for the n-th wait.
func (s *WaitService) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.DelayMin,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cfg.DelayMax,
	}
}

// CompletionSummary classifies a status count snapshot.
type CompletionSummary struct {
	NotCompleted int
	Error        bool
	Cancelled    bool
}

// Summarize classifies counts. Completed is the only finished bucket.
// Retried tasks are superseded by their retry and not counted.
func Summarize(counts []task.StatusCount) (CompletionSummary, error) {
	var sum CompletionSummary
	for _, c := range counts {
		switch c.Status {
		case task.StatusCompleted:
		case task.StatusRetried:
			continue
		case task.StatusError:
			sum.Error = sum.Error || c.Count > 0
		case task.StatusCancelling, task.StatusCancelled:
			sum.Cancelled = sum.Cancelled || c.Count > 0
		case task.StatusCreating, task.StatusSubmitted, task.StatusDispatched,
			task.StatusProcessing, task.StatusProcessed, task.StatusTimeout, task.StatusUnspecified:
		default:
			return sum, fmt.Errorf("unexpected task status %q in count: %w", c.Status, domain.ErrProtocol)
		}
		if c.Status != task.StatusCompleted {
			sum.NotCompleted += c.Count
		}
	}
	return sum, nil
}

// WaitForCompletion polls task counts for filter until every matching task
// is Completed, or an Error bucket is non-empty and stopOnFirstError is set,
// or a Cancelling/Cancelled bucket is non-empty and stopOnFirstCancellation
// is set. It returns the last counts observed. Cancellation of ctx ends the
// wait with ctx.Err().
func (s *WaitService) WaitForCompletion(ctx context.Context, filter task.Filter, stopOnFirstError, stopOnFirstCancellation bool) ([]task.StatusCount, error) {
	b := s.newBackOff()
	for {
		counts, err := s.store.CountTasks(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}
		if s.metrics != nil {
			s.metrics.PollIterations.Add(ctx, 1)
		}

		sum, err := Summarize(counts)
		if err != nil {
			return counts, err
		}
		if sum.NotCompleted == 0 ||
			(stopOnFirstError && sum.Error) ||
			(stopOnFirstCancellation && sum.Cancelled) {
			return counts, nil
		}

		delay := b.NextBackOff()
		slog.DebugContext(ctx, "waiting for tasks", "session_id", filter.SessionID,
			"not_completed", sum.NotCompleted, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return counts, err
		}
	}
}

// AvailabilityReply is the outcome of WaitForAvailability.
type AvailabilityReply struct {
	Available bool       `json:"available"`
	Error     *TaskError `json:"error,omitempty"`
}

// WaitForAvailability polls a result until it is Completed or Aborted.
// An aborted result reports the owning task's error.
func (s *WaitService) WaitForAvailability(ctx context.Context, req result.Request) (*AvailabilityReply, error) {
	b := s.newBackOff()
	for {
		r, err := s.store.GetResult(ctx, req.SessionID, req.ResultID)
		if err != nil {
			return nil, fmt.Errorf("get result %s: %w", req.ResultID, err)
		}
		if s.metrics != nil {
			s.metrics.PollIterations.Add(ctx, 1)
		}

		switch r.Status {
		case result.StatusCompleted:
			return &AvailabilityReply{Available: true}, nil
		case result.StatusAborted:
			t, err := s.store.ReadTask(ctx, r.OwnerTaskID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return &AvailabilityReply{Error: &TaskError{TaskID: r.OwnerTaskID, Detail: "owner task not found"}}, nil
				}
				return nil, fmt.Errorf("read owner of result %s: %w", r.ID, err)
			}
			return &AvailabilityReply{Error: &TaskError{TaskID: t.ID, Status: t.Status, Detail: t.Output.Error}}, nil
		case result.StatusCreated:
			if err := s.sleep(ctx, b.NextBackOff()); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("result %s has status %q: %w", r.ID, r.Status, domain.ErrProtocol)
		}
	}
}
