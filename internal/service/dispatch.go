package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/domain/dispatch"
	"github.com/Strob0t/GridForge/internal/port/database"
)

// DispatchService hands out per-task leases. A lease is a Dispatch row whose
// TimeToLive is in the future; the store's conditional upsert guarantees at
// most one live lease per task, and a crashed holder's lease simply expires.
type DispatchService struct {
	store   database.DispatchTable
	cfg     *config.Dispatch
	metrics *gfotel.Metrics
	now     func() time.Time
}

// NewDispatchService creates a DispatchService.
func NewDispatchService(store database.DispatchTable, cfg *config.Dispatch) *DispatchService {
	return &DispatchService{store: store, cfg: cfg, now: time.Now}
}

// SetMetrics enables lease metrics.
func (s *DispatchService) SetMetrics(m *gfotel.Metrics) {
	s.metrics = m
}

// Acquire tries to take the lease on taskID under dispatchID and returns the
// id of the lease holding the task afterwards. The caller won the race iff
// the returned id equals dispatchID.
func (s *DispatchService) Acquire(ctx context.Context, sessionID, taskID, dispatchID string, metadata map[string]string) (string, error) {
	ctx, span := gfotel.StartAcquireSpan(ctx, taskID, dispatchID)
	defer span.End()

	now := s.now()
	d := &dispatch.Dispatch{
		ID:         dispatchID,
		TaskID:     taskID,
		SessionID:  sessionID,
		Attempt:    1,
		CreatedAt:  now,
		TimeToLive: now.Add(s.cfg.TimeToLive),
		Statuses:   []dispatch.StatusEntry{{Status: dispatch.StatusAcquired, At: now}},
		Metadata:   metadata,
	}

	holder, err := s.store.UpsertDispatch(ctx, d, now)
	if err != nil {
		return "", fmt.Errorf("acquire dispatch for task %s: %w", taskID, err)
	}
	if holder != dispatchID {
		slog.InfoContext(ctx, "dispatch lease held by another party",
			"task_id", taskID, "dispatch_id", dispatchID, "holder", holder)
		if s.metrics != nil {
			s.metrics.LeasesLost.Add(ctx, 1)
		}
		return holder, nil
	}

	invalidated, previous, err := s.store.InvalidateDispatches(ctx, taskID, dispatchID, now, dispatch.StatusEntry{
		Status: dispatch.StatusFailed,
		At:     now,
		Detail: dispatch.ReasonExpired,
	})
	if err != nil {
		return "", fmt.Errorf("invalidate previous dispatches of task %s: %w", taskID, err)
	}

	attempt := 1
	if previous > 0 {
		attempt = previous + 1
		if err := s.store.SetDispatchAttempt(ctx, dispatchID, attempt); err != nil {
			return "", fmt.Errorf("set attempt of dispatch %s: %w", dispatchID, err)
		}
	}

	slog.InfoContext(ctx, "dispatch lease acquired",
		"task_id", taskID, "dispatch_id", dispatchID, "attempt", attempt, "invalidated", invalidated)
	if s.metrics != nil {
		s.metrics.LeasesAcquired.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
		if invalidated > 0 {
			s.metrics.LeasesExpired.Add(ctx, int64(invalidated))
		}
	}
	return holder, nil
}

// AcquireDispatch reports whether dispatchID won the lease on taskID.
func (s *DispatchService) AcquireDispatch(ctx context.Context, sessionID, taskID, dispatchID string, metadata map[string]string) (bool, error) {
	holder, err := s.Acquire(ctx, sessionID, taskID, dispatchID, metadata)
	if err != nil {
		return false, err
	}
	return holder == dispatchID, nil
}

// ExtendLease pushes the lease expiry to now + TimeToLive. A domain.ErrNotFound
// means the lease is gone and the current attempt must stop.
func (s *DispatchService) ExtendLease(ctx context.Context, dispatchID string) error {
	now := s.now()
	if err := s.store.ExtendDispatch(ctx, dispatchID, now.Add(s.cfg.TimeToLive), now); err != nil {
		return fmt.Errorf("extend lease %s: %w", dispatchID, err)
	}
	return nil
}

// AppendStatus records status on a live lease. A domain.ErrNotFound means
// the lease already expired and the attempt's results may be discarded.
func (s *DispatchService) AppendStatus(ctx context.Context, dispatchID string, status dispatch.Status, detail string) error {
	now := s.now()
	entry := dispatch.StatusEntry{Status: status, At: now, Detail: detail}
	if err := s.store.AddDispatchStatus(ctx, dispatchID, entry, now); err != nil {
		return fmt.Errorf("append status %s to lease %s: %w", status, dispatchID, err)
	}
	return nil
}

// ListDispatches returns every lease recorded for taskID, oldest first.
func (s *DispatchService) ListDispatches(ctx context.Context, taskID string) ([]dispatch.Dispatch, error) {
	return s.store.ListDispatches(ctx, taskID)
}

// GetDispatch returns a lease by id.
func (s *DispatchService) GetDispatch(ctx context.Context, dispatchID string) (*dispatch.Dispatch, error) {
	return s.store.GetDispatch(ctx, dispatchID)
}

// DeleteDispatchesForTask removes every lease of taskID.
func (s *DispatchService) DeleteDispatchesForTask(ctx context.Context, taskID string) error {
	return s.store.DeleteDispatchesForTask(ctx, taskID)
}

// DeleteDispatch removes one lease, releasing the task to other workers.
func (s *DispatchService) DeleteDispatch(ctx context.Context, dispatchID string) error {
	return s.store.DeleteDispatch(ctx, dispatchID)
}
