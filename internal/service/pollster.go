package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/domain/compute"
	"github.com/Strob0t/GridForge/internal/domain/dispatch"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/logger"
	"github.com/Strob0t/GridForge/internal/port/database"
	"github.com/Strob0t/GridForge/internal/port/messagequeue"
)

// Outcome is what a Processor produced for one task. Results maps expected
// output ids to their data and is only read when Output.Success is set.
type Outcome struct {
	Output  task.Output
	Results map[string][][]byte
}

// Processor executes a task given its replayed compute-request stream.
// A returned error is recorded as a failed output.
type Processor interface {
	Process(ctx context.Context, t *task.Task, units []compute.Unit) (Outcome, error)
}

var (
	errLeaseHeld           = errors.New("task lease held by another dispatch")
	errLeaseLost           = errors.New("task lease lost")
	errDependenciesPending = errors.New("task dependencies not yet available")
	errNotFinalized        = errors.New("task creation not finalized")
)

// Pollster is the worker loop of one partition: it takes tasks off the
// partition queue, leases them, streams their data to a Processor, and
// reports the outcome.
type Pollster struct {
	queue     messagequeue.Queue
	store     database.Store
	dispatch  *DispatchService
	lifecycle *LifecycleService
	prefetch  *DataPrefetcher
	processor Processor
	cfg       *config.Pollster
	lease     *config.Dispatch
	metrics   *gfotel.Metrics
	newID     func() string
}

// NewPollster creates a Pollster.
func NewPollster(
	queue messagequeue.Queue,
	store database.Store,
	dispatchSvc *DispatchService,
	lifecycle *LifecycleService,
	prefetch *DataPrefetcher,
	processor Processor,
	cfg *config.Pollster,
	lease *config.Dispatch,
) *Pollster {
	return &Pollster{
		queue:     queue,
		store:     store,
		dispatch:  dispatchSvc,
		lifecycle: lifecycle,
		prefetch:  prefetch,
		processor: processor,
		cfg:       cfg,
		lease:     lease,
		newID:     uuid.NewString,
	}
}

// SetMetrics enables worker metrics.
func (p *Pollster) SetMetrics(m *gfotel.Metrics) {
	p.metrics = m
}

// Run consumes the partition queue until ctx is done.
func (p *Pollster) Run(ctx context.Context) error {
	subject := messagequeue.QueueSubject(p.cfg.Partition)
	cancel, err := p.queue.Consume(ctx, subject, "pollster-"+p.cfg.Partition, p.handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", subject, err)
	}
	defer cancel()

	slog.Info("pollster started", "partition", p.cfg.Partition, "pod", p.cfg.PodName)
	<-ctx.Done()
	slog.Info("pollster stopping", "partition", p.cfg.Partition)
	return nil
}

func (p *Pollster) handle(ctx context.Context, _ string, data []byte) error {
	var msg messagequeue.TaskQueuedPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("discarding malformed queue message", "error", err)
		return nil
	}
	return p.ProcessTask(ctx, msg.TaskID)
}

// ProcessTask runs one delivery of taskID. A nil return acknowledges the
// delivery; an error asks the queue to redeliver it later.
func (p *Pollster) ProcessTask(ctx context.Context, taskID string) error {
	t, err := p.store.ReadTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "queued task does not exist", "task_id", taskID)
			return nil
		}
		return fmt.Errorf("read task %s: %w", taskID, err)
	}

	switch t.Status {
	case task.StatusCreating:
		return errNotFinalized
	case task.StatusSubmitted, task.StatusDispatched, task.StatusProcessing:
	case task.StatusCancelling:
		if _, err := p.store.SetTaskCancelled(ctx, t.ID, time.Now()); err != nil {
			return fmt.Errorf("cancel task %s: %w", t.ID, err)
		}
		return nil
	case task.StatusProcessed, task.StatusCompleted, task.StatusError, task.StatusTimeout,
		task.StatusCancelled, task.StatusRetried:
		slog.DebugContext(ctx, "task already handled", "task_id", t.ID, "status", t.Status)
		return nil
	default:
		slog.ErrorContext(ctx, "task in unexpected status", "task_id", t.ID, "status", t.Status,
			"error", domain.ErrProtocol)
		return nil
	}

	dispatchID := p.newID()
	won, err := p.dispatch.AcquireDispatch(ctx, t.SessionID, t.ID, dispatchID, map[string]string{"pod": p.cfg.PodName})
	if err != nil {
		return err
	}
	if !won {
		return errLeaseHeld
	}

	ready, err := p.checkDependencies(ctx, t, dispatchID)
	if err != nil || !ready {
		return err
	}

	claimed, err := p.store.ClaimTask(ctx, t.ID, p.cfg.PodName, time.Now())
	if err != nil {
		return fmt.Errorf("claim task %s: %w", t.ID, err)
	}
	if !claimed {
		slog.InfoContext(ctx, "task changed state before claim", "task_id", t.ID)
		p.release(ctx, dispatchID)
		return nil
	}

	return p.execute(ctx, t, dispatchID)
}

// checkDependencies reports whether every dependency result is Completed.
// An aborted or missing dependency aborts the task; a pending one releases
// the lease and asks for redelivery after DependencyRecheck.
func (p *Pollster) checkDependencies(ctx context.Context, t *task.Task, dispatchID string) (bool, error) {
	for _, dep := range t.DependencyIDs {
		r, err := p.store.GetResult(ctx, t.SessionID, dep)
		var status result.Status
		switch {
		case errors.Is(err, domain.ErrNotFound):
			status = result.StatusAborted
		case err != nil:
			return false, fmt.Errorf("get dependency %s of task %s: %w", dep, t.ID, err)
		default:
			status = r.Status
		}

		switch status {
		case result.StatusCompleted:
			continue
		case result.StatusAborted:
			detail := fmt.Sprintf("%s: result %s unavailable", task.ErrorUpstreamAborted, dep)
			if err := p.lifecycle.AbortTask(ctx, t, detail); err != nil {
				return false, err
			}
			p.release(ctx, dispatchID)
			return false, nil
		case result.StatusCreated:
			p.release(ctx, dispatchID)
			if err := sleepContext(ctx, p.cfg.DependencyRecheck); err != nil {
				return false, err
			}
			return false, errDependenciesPending
		default:
			return false, fmt.Errorf("dependency %s has status %q: %w", dep, status, domain.ErrProtocol)
		}
	}
	return true, nil
}

func (p *Pollster) release(ctx context.Context, dispatchID string) {
	if err := p.dispatch.DeleteDispatch(ctx, dispatchID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.WarnContext(ctx, "release dispatch failed", "dispatch_id", dispatchID, "error", err)
	}
}

func (p *Pollster) execute(ctx context.Context, t *task.Task, dispatchID string) error {
	attempt := 1
	if d, err := p.dispatch.GetDispatch(ctx, dispatchID); err == nil {
		attempt = d.Attempt
	}
	ctx = logger.WithAttempt(ctx, t.ID, dispatchID)
	ctx, span := gfotel.StartProcessSpan(ctx, t.ID, attempt)
	defer span.End()

	// The lease is refreshed from here until the attempt ends; losing it
	// cancels leaseCtx with errLeaseLost.
	leaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.refreshLease(leaseCtx, dispatchID, stop, cancel)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	units, err := p.prefetch.Prefetch(leaseCtx, t)
	if err != nil {
		switch {
		case errors.Is(context.Cause(leaseCtx), errLeaseLost):
			slog.WarnContext(ctx, "lease lost during prefetch, dropping attempt")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		slog.ErrorContext(ctx, "prefetch failed", "error", err)
		if err := p.dispatch.AppendStatus(ctx, dispatchID, dispatch.StatusFailed, err.Error()); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				slog.WarnContext(ctx, "lease expired during prefetch, dropping attempt")
				return nil
			}
			return err
		}
		return p.lifecycle.CompleteTask(ctx, t, true, task.Output{Error: err.Error()})
	}

	if errors.Is(context.Cause(leaseCtx), errLeaseLost) {
		slog.WarnContext(ctx, "lease lost during prefetch, dropping attempt")
		return nil
	}
	started, err := p.store.StartTask(ctx, t.ID, time.Now())
	if err != nil {
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}
	if !started {
		return p.abandonStart(ctx, t.ID, dispatchID)
	}
	if err := p.dispatch.AppendStatus(ctx, dispatchID, dispatch.StatusProcessing, ""); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "lease expired before processing")
			return nil
		}
		return err
	}

	outcome, err := p.run(leaseCtx, t, units)
	switch {
	case errors.Is(err, errLeaseLost):
		slog.WarnContext(ctx, "lease lost during processing, dropping attempt")
		return nil
	case err != nil:
		return err
	}

	final := dispatch.StatusSucceeded
	if !outcome.Output.Success {
		final = dispatch.StatusFailed
	}
	if err := p.dispatch.AppendStatus(ctx, dispatchID, final, outcome.Output.Error); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "lease expired after processing, discarding results")
			return nil
		}
		return err
	}

	current, err := p.store.ReadTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("reload task %s: %w", t.ID, err)
	}
	if current.Status == task.StatusCancelling {
		if _, err := p.store.SetTaskCancelled(ctx, t.ID, time.Now()); err != nil {
			return fmt.Errorf("cancel task %s: %w", t.ID, err)
		}
		return nil
	}

	out := outcome.Output
	if out.Success {
		if err := p.lifecycle.SetResults(ctx, t.SessionID, t.ID, outcome.Results); err != nil {
			slog.ErrorContext(ctx, "set results failed", "error", err)
			out = task.Output{Error: fmt.Sprintf("set results: %v", err)}
		}
	}
	return p.lifecycle.CompleteTask(ctx, current, true, out)
}

// abandonStart handles a claimed task that could not be moved to
// Processing: it was cancelled or taken over in between. The processor is
// not run and the lease is released.
func (p *Pollster) abandonStart(ctx context.Context, taskID, dispatchID string) error {
	defer p.release(ctx, dispatchID)

	current, err := p.store.ReadTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload task %s: %w", taskID, err)
	}
	slog.InfoContext(ctx, "task changed state before start", "status", current.Status)
	if current.Status == task.StatusCancelling {
		if _, err := p.store.SetTaskCancelled(ctx, taskID, time.Now()); err != nil {
			return fmt.Errorf("cancel task %s: %w", taskID, err)
		}
	}
	return nil
}

// run calls the processor under the task's MaxDuration. ctx carries the
// lease: run returns errLeaseLost if it was lost, and ctx.Err() if the
// worker itself is shutting down.
func (p *Pollster) run(ctx context.Context, t *task.Task, units []compute.Unit) (Outcome, error) {
	runCtx := ctx
	if t.Options.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Options.MaxDuration)
		defer cancel()
	}

	outcome, err := p.processor.Process(runCtx, t, units)

	switch {
	case errors.Is(context.Cause(ctx), errLeaseLost):
		return Outcome{}, errLeaseLost
	case ctx.Err() != nil:
		return Outcome{}, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Outcome{Output: task.Output{
			Timeout: true,
			Error:   fmt.Sprintf("task exceeded max duration %s", t.Options.MaxDuration),
		}}, nil
	case err != nil:
		return Outcome{Output: task.Output{Error: err.Error()}}, nil
	}
	return outcome, nil
}

func (p *Pollster) refreshLease(ctx context.Context, dispatchID string, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(p.lease.RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.dispatch.ExtendLease(ctx, dispatchID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				cancel(errLeaseLost)
				return
			case err != nil:
				slog.WarnContext(ctx, "extend lease failed", "error", err)
			}
		}
	}
}
