package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/domain/event"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/session"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/database"
	"github.com/Strob0t/GridForge/internal/port/objectstorage"
	"github.com/Strob0t/GridForge/internal/resilience"
)

// LifecycleService owns task creation, completion with retry and cascading
// abort, and session cancellation. Every state change goes through a
// conditional update in the store; a change that reports false means another
// coordinator already performed it and the call becomes a no-op.
type LifecycleService struct {
	store     database.Store
	objects   objectstorage.Storage
	push      *PushQueue
	events    *EventPublisher
	assembler *ChunkAssembler
	cfg       *config.Submitter
	metrics   *gfotel.Metrics
	deleter   *resilience.Breaker
	now       func() time.Time
	newID     func() string
	// background runs best-effort work detached from the request.
	background func(func())
}

// NewLifecycleService creates a LifecycleService.
func NewLifecycleService(
	store database.Store,
	objects objectstorage.Storage,
	push *PushQueue,
	events *EventPublisher,
	cfg *config.Submitter,
) *LifecycleService {
	return &LifecycleService{
		store:      store,
		objects:    objects,
		push:       push,
		events:     events,
		assembler:  NewChunkAssembler(cfg.MaxChunkSize),
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		background: func(fn func()) { go fn() },
	}
}

// SetMetrics enables lifecycle metrics.
func (s *LifecycleService) SetMetrics(m *gfotel.Metrics) {
	s.metrics = m
}

// SetDeleteBreaker guards payload deletion with b.
func (s *LifecycleService) SetDeleteBreaker(b *resilience.Breaker) {
	s.deleter = b
}

// ServiceConfiguration is the client-visible submission configuration.
type ServiceConfiguration struct {
	DataChunkMaxSize int `json:"data_chunk_max_size"`
}

// GetServiceConfiguration returns the chunk bound clients must respect.
func (s *LifecycleService) GetServiceConfiguration() ServiceConfiguration {
	return ServiceConfiguration{DataChunkMaxSize: s.cfg.MaxChunkSize}
}

// --- Sessions ---

// CreateSession opens a session over existing partitions. An empty partition
// list, or a single empty id, selects the default partition; an empty
// partition in the default options does too.
func (s *LifecycleService) CreateSession(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	partitions := slices.Clone(req.PartitionIDs)
	if len(partitions) == 0 || (len(partitions) == 1 && partitions[0] == "") {
		partitions = []string{s.cfg.DefaultPartition}
	}

	ok, err := s.store.ArePartitionsExisting(ctx, partitions)
	if err != nil {
		return nil, fmt.Errorf("check partitions: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("one of the partitions does not exist: %w", domain.ErrValidation)
	}

	opts := req.DefaultOptions
	if opts.PartitionID == "" {
		opts.PartitionID = s.cfg.DefaultPartition
	}
	ok, err = s.store.ArePartitionsExisting(ctx, []string{opts.PartitionID})
	if err != nil {
		return nil, fmt.Errorf("check default partition: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("partition %q in the task options does not exist: %w", opts.PartitionID, domain.ErrValidation)
	}
	if opts.Priority == 0 {
		opts.Priority = 1
	}

	sess := &session.Session{
		ID:             s.newID(),
		PartitionIDs:   partitions,
		DefaultOptions: opts,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.InfoContext(ctx, "session created", "session_id", sess.ID, "partitions", partitions)
	return sess, nil
}

// GetSession returns a session by id.
func (s *LifecycleService) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return s.store.GetSession(ctx, id)
}

// --- Creation ---

// CreateTasks validates the session, merges options (options over session
// defaults, then each request's own options on top), uploads inline
// payloads, persists the tasks in Creating with placeholder results, and
// finalizes them, which enqueues them for dispatch.
func (s *LifecycleService) CreateTasks(ctx context.Context, sessionID, parentTaskID string, options *task.Options, requests []task.Request) ([]task.CreationRequest, error) {
	ctx, span := gfotel.StartCreateSpan(ctx, sessionID, len(requests))
	defer span.End()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrValidation)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Cancelled {
		return nil, fmt.Errorf("session %s is cancelled: %w", sessionID, domain.ErrValidation)
	}

	base := options.Merge(sess.DefaultOptions)
	now := s.now()

	creations := make([]task.CreationRequest, len(requests))
	tasks := make([]task.Task, len(requests))
	var uploads []func(context.Context) error
	for i := range requests {
		req := &requests[i]
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("request %d: %s: %w", i, err.Error(), domain.ErrValidation)
		}
		opts := req.Options.Merge(base)
		if err := opts.Validate(s.cfg.MaxPriority); err != nil {
			return nil, fmt.Errorf("request %d: %s: %w", i, err.Error(), domain.ErrValidation)
		}
		if !sess.HasPartition(opts.PartitionID) {
			return nil, fmt.Errorf("request %d: partition %q is not part of session %s: %w", i, opts.PartitionID, sessionID, domain.ErrValidation)
		}

		id := s.newID()
		payloadID := req.PayloadID
		if payloadID == "" {
			payloadID = id
			chunks := s.assembler.Split([][]byte{req.Payload})
			uploads = append(uploads, func(ctx context.Context) error {
				return s.objects.Store(ctx, payloadID, chunks)
			})
		}

		var parents []string
		if parentTaskID != "" {
			parents = []string{parentTaskID}
		}
		tasks[i] = task.Task{
			ID:                id,
			SessionID:         sessionID,
			Status:            task.StatusCreating,
			Options:           opts,
			PayloadID:         payloadID,
			DependencyIDs:     slices.Clone(req.DependencyIDs),
			ExpectedOutputIDs: slices.Clone(req.ExpectedOutputIDs),
			ParentTaskIDs:     parents,
			CreatedAt:         now,
		}
		creations[i] = task.CreationRequest{
			TaskID:            id,
			PayloadID:         payloadID,
			Options:           opts,
			DependencyIDs:     tasks[i].DependencyIDs,
			ExpectedOutputIDs: tasks[i].ExpectedOutputIDs,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, up := range uploads {
		g.Go(func() error { return up(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("upload payloads: %w", err)
	}

	if err := s.persist(ctx, tasks, now); err != nil {
		return nil, err
	}

	if err := s.FinalizeTaskCreation(ctx, creations, sessionID, parentTaskID); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, int64(len(tasks)))
	}
	return creations, nil
}

// persist writes tasks in Creating and a placeholder result per expected
// output. Results that already exist keep their current owner.
func (s *LifecycleService) persist(ctx context.Context, tasks []task.Task, now time.Time) error {
	if err := s.store.CreateTasks(ctx, tasks); err != nil {
		return fmt.Errorf("create tasks: %w", err)
	}

	var results []result.Result
	for i := range tasks {
		for _, out := range tasks[i].ExpectedOutputIDs {
			results = append(results, result.Result{
				ID:          out,
				SessionID:   tasks[i].SessionID,
				Name:        out,
				OwnerTaskID: tasks[i].ID,
				Status:      result.StatusCreated,
				CreatedAt:   now,
			})
		}
	}
	if err := s.store.CreateResults(ctx, results); err != nil {
		return fmt.Errorf("create results: %w", err)
	}
	return nil
}

// FinalizeTaskCreation hands the parent's results named as expected outputs
// over to the new tasks, moves the tasks to Submitted, and enqueues them.
// A failed enqueue is logged; the tasks stay Submitted for a later sweep.
func (s *LifecycleService) FinalizeTaskCreation(ctx context.Context, reqs []task.CreationRequest, sessionID, parentTaskID string) error {
	if parentTaskID != "" {
		for i := range reqs {
			if _, err := s.store.ChangeResultOwnership(ctx, sessionID, reqs[i].ExpectedOutputIDs, parentTaskID, reqs[i].TaskID); err != nil {
				return fmt.Errorf("transfer results of %s to %s: %w", parentTaskID, reqs[i].TaskID, err)
			}
		}
	}

	ids := make([]string, len(reqs))
	for i := range reqs {
		ids[i] = reqs[i].TaskID
	}
	if _, err := s.store.FinalizeTasks(ctx, ids, s.now()); err != nil {
		return fmt.Errorf("finalize tasks: %w", err)
	}

	if err := s.push.Push(ctx, sessionID, reqs); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue tasks", "session_id", sessionID, "error", err)
	}

	for _, id := range ids {
		s.events.Publish(ctx, event.TaskEvent{
			Type:      event.TypeTaskCreated,
			SessionID: sessionID,
			TaskID:    id,
			Status:    task.StatusSubmitted,
		})
	}
	return nil
}

// --- Completion ---

// CompleteTask records the outcome of t's execution. t is the task as the
// worker saw it before the outcome.
func (s *LifecycleService) CompleteTask(ctx context.Context, t *task.Task, resubmit bool, out task.Output) error {
	ctx, span := gfotel.StartCompleteSpan(ctx, t.ID, out.Success)
	defer span.End()

	end := *t
	end.EndedAt = s.now()
	end.Output = out

	if out.Success {
		return s.completeSuccess(ctx, &end)
	}
	if resubmit && t.CanRetry() {
		return s.retry(ctx, t, &end)
	}

	status := task.StatusError
	if out.Timeout {
		status = task.StatusTimeout
	}
	changed, err := s.store.SetTaskError(ctx, &end, status)
	if err != nil {
		return fmt.Errorf("set task %s in error: %w", t.ID, err)
	}
	if !changed {
		slog.DebugContext(ctx, "task already left running state", "task_id", t.ID)
		return nil
	}
	slog.InfoContext(ctx, "task failed", "task_id", t.ID, "status", status, "error", out.Error)
	s.events.TaskStatus(ctx, t.SessionID, t.ID, status)
	if s.metrics != nil {
		s.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}

	return s.abortTaskAndResults(ctx, t.SessionID, t.ID)
}

func (s *LifecycleService) completeSuccess(ctx context.Context, end *task.Task) error {
	changed, err := s.store.SetTaskSuccess(ctx, end)
	if err != nil {
		return fmt.Errorf("set task %s success: %w", end.ID, err)
	}
	if !changed {
		slog.DebugContext(ctx, "task already completed", "task_id", end.ID)
		return nil
	}
	s.events.TaskStatus(ctx, end.SessionID, end.ID, task.StatusCompleted)
	if s.metrics != nil {
		s.metrics.TasksCompleted.Add(ctx, 1)
		s.metrics.TaskDuration.Record(ctx, end.ProcessingToEnd().Seconds())
	}

	payloadID := end.PayloadID
	s.background(func() { s.deletePayload(payloadID) })
	return nil
}

// deletePayload removes a payload object; failures are only logged.
func (s *LifecycleService) deletePayload(id string) {
	s.deleteObject("payload", id)
}

func (s *LifecycleService) deleteObject(kind, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	del := func(ctx context.Context) error { return s.objects.Delete(ctx, id) }
	var err error
	if s.deleter != nil {
		err = s.deleter.Execute(ctx, del)
	} else {
		err = del(ctx)
	}
	if err != nil {
		slog.Warn("failed to delete object", "kind", kind, "object_id", id, "error", err)
	}
}

func (s *LifecycleService) retry(ctx context.Context, t, end *task.Task) error {
	changed, err := s.store.SetTaskRetry(ctx, end)
	if err != nil {
		return fmt.Errorf("set task %s retry: %w", t.ID, err)
	}
	if !changed {
		slog.DebugContext(ctx, "task already resubmitted", "task_id", t.ID)
		return nil
	}
	slog.WarnContext(ctx, "resubmit task", "task_id", t.ID, "retry", t.RetryCount()+1, "error", end.Output.Error)
	s.events.TaskStatus(ctx, t.SessionID, t.ID, task.StatusRetried)
	if s.metrics != nil {
		s.metrics.TasksRetried.Add(ctx, 1)
	}

	clone := task.Task{
		ID:                s.newID(),
		SessionID:         t.SessionID,
		Status:            task.StatusCreating,
		Options:           t.Options,
		PayloadID:         t.PayloadID,
		DependencyIDs:     slices.Clone(t.DependencyIDs),
		ExpectedOutputIDs: slices.Clone(t.ExpectedOutputIDs),
		RetryOfIDs:        append(slices.Clone(t.RetryOfIDs), t.ID),
		ParentTaskIDs:     slices.Clone(t.ParentTaskIDs),
		CreatedAt:         s.now(),
	}
	if err := s.store.CreateTasks(ctx, []task.Task{clone}); err != nil {
		return fmt.Errorf("create retry of task %s: %w", t.ID, err)
	}

	return s.FinalizeTaskCreation(ctx, []task.CreationRequest{{
		TaskID:            clone.ID,
		PayloadID:         clone.PayloadID,
		Options:           clone.Options,
		DependencyIDs:     clone.DependencyIDs,
		ExpectedOutputIDs: clone.ExpectedOutputIDs,
	}}, t.SessionID, t.ID)
}

// AbortTask fails a task that never ran because one of its dependencies was
// aborted, then cascades to its own results.
func (s *LifecycleService) AbortTask(ctx context.Context, t *task.Task, detail string) error {
	changed, err := s.store.AbortTasks(ctx, []string{t.ID}, detail, s.now())
	if err != nil {
		return fmt.Errorf("abort task %s: %w", t.ID, err)
	}
	if len(changed) == 0 {
		return nil
	}
	s.events.TaskStatus(ctx, t.SessionID, t.ID, task.StatusError)
	return s.abortTaskAndResults(ctx, t.SessionID, t.ID)
}

// abortTaskAndResults walks the dependency graph breadth first: the failed
// task's Created results become Aborted, tasks depending on them that never
// started fail with ErrorUpstreamAborted, and their results follow.
func (s *LifecycleService) abortTaskAndResults(ctx context.Context, sessionID, taskID string) error {
	pending := []string{taskID}
	seen := map[string]bool{taskID: true}

	for len(pending) > 0 {
		owner := pending[0]
		pending = pending[1:]

		aborted, err := s.store.AbortTaskResults(ctx, sessionID, owner)
		if err != nil {
			return fmt.Errorf("abort results of task %s: %w", owner, err)
		}
		if len(aborted) == 0 {
			continue
		}
		for _, id := range aborted {
			s.events.Publish(ctx, event.TaskEvent{Type: event.TypeResultAborted, SessionID: sessionID, TaskID: owner, ResultID: id})
		}

		dependents, err := s.store.ListDependentTasks(ctx, sessionID, aborted)
		if err != nil {
			return fmt.Errorf("list dependents of task %s: %w", owner, err)
		}
		dependents = slices.DeleteFunc(dependents, func(id string) bool { return seen[id] })
		if len(dependents) == 0 {
			continue
		}

		detail := fmt.Sprintf("%s: task %s failed", task.ErrorUpstreamAborted, owner)
		changed, err := s.store.AbortTasks(ctx, dependents, detail, s.now())
		if err != nil {
			return fmt.Errorf("abort dependents of task %s: %w", owner, err)
		}
		for _, id := range changed {
			seen[id] = true
			s.events.TaskStatus(ctx, sessionID, id, task.StatusError)
		}
		if len(changed) > 0 {
			slog.InfoContext(ctx, "aborted dependent tasks", "task_id", owner, "count", len(changed))
			if s.metrics != nil {
				s.metrics.TasksAborted.Add(ctx, int64(len(changed)))
			}
		}
		pending = append(pending, changed...)
	}
	return nil
}

// --- Cancellation ---

// CancelSession flags the session and cancels its unfinished tasks in
// parallel, then sweeps once more for tasks committed while the flag was
// being set. Task creation checks the flag in the same atomic unit that
// inserts the tasks, so nothing created after the flag lands survives.
func (s *LifecycleService) CancelSession(ctx context.Context, sessionID string) error {
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.store.CancelSession(gctx, sessionID, now)
		return err
	})
	g.Go(func() error {
		_, err := s.store.CancelSessionTasks(gctx, sessionID, now)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}

	n, err := s.store.CancelSessionTasks(ctx, sessionID, s.now())
	if err != nil {
		return fmt.Errorf("cancel tasks of session %s: %w", sessionID, err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "cancelled tasks created during session cancellation", "session_id", sessionID, "count", n)
	}

	slog.InfoContext(ctx, "session cancelled", "session_id", sessionID)
	s.events.Publish(ctx, event.TaskEvent{Type: event.TypeSessionCancelled, SessionID: sessionID})
	return nil
}

// --- Results ---

// SetResult stores data for one result and marks it Completed.
// Only the owning task may set it.
func (s *LifecycleService) SetResult(ctx context.Context, sessionID, ownerTaskID, resultID string, chunks [][]byte) error {
	return s.SetResults(ctx, sessionID, ownerTaskID, map[string][][]byte{resultID: chunks})
}

// SetResults stores the bytes of results owned by ownerTaskID and completes
// them in one store call, so either all become visible or none do. Bytes go
// under a fresh object key per call; a rejected or losing call therefore
// never overwrites data a Completed result already points at.
func (s *LifecycleService) SetResults(ctx context.Context, sessionID, ownerTaskID string, data map[string][][]byte) error {
	if len(data) == 0 {
		return nil
	}
	for id := range data {
		r, err := s.store.GetResult(ctx, sessionID, id)
		if err != nil {
			return fmt.Errorf("set result %s: %w", id, err)
		}
		if r.OwnerTaskID != ownerTaskID || r.Status != result.StatusCreated {
			return fmt.Errorf("set result %s: not an open result of task %s: %w", id, ownerTaskID, domain.ErrNotFound)
		}
	}

	keys := make(map[string]string, len(data))
	for id, chunks := range data {
		key := id + "/" + s.newID()
		if err := s.objects.Store(ctx, key, s.assembler.Split(chunks)); err != nil {
			s.discardObjects(keys)
			return fmt.Errorf("store result %s: %w", id, err)
		}
		keys[id] = key
	}

	if err := s.store.CompleteResults(ctx, sessionID, ownerTaskID, keys, s.now()); err != nil {
		// Only a rejection proves the objects are unreferenced.
		if errors.Is(err, domain.ErrNotFound) {
			s.discardObjects(keys)
		}
		return fmt.Errorf("complete results of task %s: %w", ownerTaskID, err)
	}
	for id := range keys {
		s.events.Publish(ctx, event.TaskEvent{Type: event.TypeResultCompleted, SessionID: sessionID, TaskID: ownerTaskID, ResultID: id})
	}
	return nil
}

func (s *LifecycleService) discardObjects(keys map[string]string) {
	if len(keys) == 0 {
		return
	}
	orphans := slices.Collect(maps.Values(keys))
	s.background(func() {
		for _, key := range orphans {
			s.deleteObject("result", key)
		}
	})
}

// TaskError describes why a result will never become available.
type TaskError struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Detail string      `json:"detail"`
}

// ResultReply is the outcome of TryGetResult. Exactly one field is set.
type ResultReply struct {
	Chunks           [][]byte   `json:"chunks,omitempty"`
	NotCompletedTask string     `json:"not_completed_task,omitempty"`
	Error            *TaskError `json:"error,omitempty"`
}

// TryGetResult returns the result's bytes when it is Completed; otherwise it
// reports the owning task as still running or failed.
func (s *LifecycleService) TryGetResult(ctx context.Context, sessionID, resultID string) (*ResultReply, error) {
	r, err := s.store.GetResult(ctx, sessionID, resultID)
	if err != nil {
		return nil, err
	}

	if r.Status != result.StatusCompleted {
		t, err := s.store.ReadTask(ctx, r.OwnerTaskID)
		if err != nil {
			return nil, fmt.Errorf("read owner of result %s: %w", resultID, err)
		}
		switch t.Status {
		case task.StatusProcessed, task.StatusCompleted:
			// The owner may have committed the result after the first read.
			r, err = s.store.GetResult(ctx, sessionID, resultID)
			if err != nil {
				return nil, err
			}
			if r.Status != result.StatusCompleted {
				return &ResultReply{NotCompletedTask: t.ID}, nil
			}
		case task.StatusError, task.StatusTimeout, task.StatusCancelled, task.StatusCancelling, task.StatusRetried:
			return &ResultReply{Error: &TaskError{TaskID: t.ID, Status: t.Status, Detail: t.Output.Error}}, nil
		case task.StatusCreating, task.StatusSubmitted, task.StatusDispatched, task.StatusProcessing:
			return &ResultReply{NotCompletedTask: t.ID}, nil
		default:
			return nil, fmt.Errorf("task %s has status %q: %w", t.ID, t.Status, domain.ErrProtocol)
		}
	}

	chunks, err := s.objects.Fetch(ctx, r.DataKey())
	if err != nil {
		return nil, fmt.Errorf("fetch result %s: %w", resultID, err)
	}
	return &ResultReply{Chunks: chunks}, nil
}

// --- Queries ---

// GetTask returns a task by id.
func (s *LifecycleService) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.ReadTask(ctx, id)
}

// ListTasks returns tasks matching filter.
func (s *LifecycleService) ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// ListResults returns results matching filter.
func (s *LifecycleService) ListResults(ctx context.Context, filter result.Filter) ([]result.Result, error) {
	return s.store.ListResults(ctx, filter)
}
