// Package memory implements the database, object storage, and queue ports
// in process memory. It backs single-node development runs and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/domain/dispatch"
	"github.com/Strob0t/GridForge/internal/domain/partition"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/session"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// Store keeps every table in maps keyed by id behind a single mutex, so
// each method is one atomic step like a conditional update in a real store.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*session.Session
	partitions map[string]*partition.Partition
	tasks      map[string]*task.Task
	results    map[resultKey]*result.Result
	dispatches map[string]*dispatch.Dispatch
}

type resultKey struct {
	sessionID string
	id        string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions:   make(map[string]*session.Session),
		partitions: make(map[string]*partition.Partition),
		tasks:      make(map[string]*task.Task),
		results:    make(map[resultKey]*result.Result),
		dispatches: make(map[string]*dispatch.Dispatch),
	}
}

// --- Dispatches ---

func (s *Store) UpsertDispatch(_ context.Context, d *dispatch.Dispatch, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.dispatches {
		if existing.TaskID == d.TaskID && existing.IsLive(now) {
			return existing.ID, nil
		}
	}
	if _, ok := s.dispatches[d.ID]; ok {
		return "", fmt.Errorf("upsert dispatch %s: %w", d.ID, domain.ErrConflict)
	}
	s.dispatches[d.ID] = cloneDispatch(d)
	return d.ID, nil
}

func (s *Store) InvalidateDispatches(_ context.Context, taskID, keepID string, now time.Time, entry dispatch.StatusEntry) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var invalidated, previous int
	for _, d := range s.dispatches {
		if d.TaskID != taskID || d.ID == keepID {
			continue
		}
		previous++
		if d.IsLive(now) {
			d.TimeToLive = now.Add(-time.Nanosecond)
			d.Statuses = append(d.Statuses, entry)
			invalidated++
		}
	}
	return invalidated, previous, nil
}

func (s *Store) SetDispatchAttempt(_ context.Context, id string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatches[id]
	if !ok {
		return fmt.Errorf("set dispatch attempt %s: %w", id, domain.ErrNotFound)
	}
	d.Attempt = attempt
	return nil
}

func (s *Store) ExtendDispatch(_ context.Context, id string, ttl, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatches[id]
	if !ok || !d.IsLive(now) {
		return fmt.Errorf("extend dispatch %s: %w", id, domain.ErrNotFound)
	}
	d.TimeToLive = ttl
	return nil
}

func (s *Store) AddDispatchStatus(_ context.Context, id string, entry dispatch.StatusEntry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatches[id]
	if !ok || !d.IsLive(now) {
		return fmt.Errorf("add dispatch status %s: %w", id, domain.ErrNotFound)
	}
	d.Statuses = append(d.Statuses, entry)
	return nil
}

func (s *Store) GetDispatch(_ context.Context, id string) (*dispatch.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatches[id]
	if !ok {
		return nil, fmt.Errorf("get dispatch %s: %w", id, domain.ErrNotFound)
	}
	return cloneDispatch(d), nil
}

func (s *Store) ListDispatches(_ context.Context, taskID string) ([]dispatch.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dispatch.Dispatch
	for _, d := range s.dispatches {
		if d.TaskID == taskID {
			out = append(out, *cloneDispatch(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteDispatchesForTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range s.dispatches {
		if d.TaskID == taskID {
			delete(s.dispatches, id)
		}
	}
	return nil
}

func (s *Store) DeleteDispatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dispatches[id]; !ok {
		return fmt.Errorf("delete dispatch %s: %w", id, domain.ErrNotFound)
	}
	delete(s.dispatches, id)
	return nil
}

// --- Tasks ---

func (s *Store) CreateTasks(_ context.Context, tasks []task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range tasks {
		sess, ok := s.sessions[tasks[i].SessionID]
		if !ok {
			return fmt.Errorf("create tasks: session %s: %w", tasks[i].SessionID, domain.ErrValidation)
		}
		if sess.Cancelled {
			return fmt.Errorf("create tasks: session %s is cancelled: %w", sess.ID, domain.ErrValidation)
		}
		if _, ok := s.tasks[tasks[i].ID]; ok {
			return fmt.Errorf("create tasks: task %s: %w", tasks[i].ID, domain.ErrConflict)
		}
	}
	for i := range tasks {
		t := cloneTask(&tasks[i])
		t.Status = task.StatusCreating
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *Store) ReadTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("read task %s: %w", id, domain.ErrNotFound)
	}
	return cloneTask(t), nil
}

func (s *Store) ListTasks(_ context.Context, filter task.Filter) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.Task
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountTasks(_ context.Context, filter task.Filter) ([]task.StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[task.Status]int)
	for _, t := range s.tasks {
		if t.Status == task.StatusRetried || !filter.Matches(t) {
			continue
		}
		counts[t.Status]++
	}
	out := make([]task.StatusCount, 0, len(counts))
	for _, st := range task.AllStatuses {
		if n := counts[st]; n > 0 {
			out = append(out, task.StatusCount{Status: st, Count: n})
		}
	}
	return out, nil
}

func (s *Store) FinalizeTasks(_ context.Context, ids []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok && t.Status == task.StatusCreating {
			t.Status = task.StatusSubmitted
			t.SubmittedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) ClaimTask(_ context.Context, id, ownerPod string, _ time.Time) (bool, error) {
	return s.transition(id, claimableStatuses, func(t *task.Task) {
		t.Status = task.StatusDispatched
		t.OwnerPod = ownerPod
	})
}

func (s *Store) StartTask(_ context.Context, id string, now time.Time) (bool, error) {
	return s.transition(id, []task.Status{task.StatusDispatched}, func(t *task.Task) {
		t.Status = task.StatusProcessing
		t.StartedAt = now
	})
}

func (s *Store) SetTaskSuccess(_ context.Context, in *task.Task) (bool, error) {
	return s.transition(in.ID, []task.Status{task.StatusProcessing, task.StatusProcessed}, func(t *task.Task) {
		t.Status = task.StatusCompleted
		t.Output = in.Output
		t.EndedAt = in.EndedAt
	})
}

func (s *Store) SetTaskRetry(_ context.Context, in *task.Task) (bool, error) {
	return s.transition(in.ID, runningStatuses, func(t *task.Task) {
		t.Status = task.StatusRetried
		t.Output = in.Output
		t.EndedAt = in.EndedAt
	})
}

func (s *Store) SetTaskError(_ context.Context, in *task.Task, status task.Status) (bool, error) {
	return s.transition(in.ID, runningStatuses, func(t *task.Task) {
		t.Status = status
		t.Output = in.Output
		t.EndedAt = in.EndedAt
	})
}

func (s *Store) AbortTasks(_ context.Context, ids []string, detail string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok || !slices.Contains(notStartedStatuses, t.Status) {
			continue
		}
		t.Status = task.StatusError
		t.Output = task.Output{Success: false, Error: detail}
		t.EndedAt = now
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Store) ListDependentTasks(_ context.Context, sessionID string, resultIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, t := range s.tasks {
		if t.SessionID != sessionID {
			continue
		}
		for _, dep := range t.DependencyIDs {
			if slices.Contains(resultIDs, dep) {
				out = append(out, t.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CancelSessionTasks(_ context.Context, sessionID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.SessionID != sessionID {
			continue
		}
		switch t.Status {
		case task.StatusCreating, task.StatusSubmitted:
			t.Status = task.StatusCancelled
			t.EndedAt = now
			n++
		case task.StatusDispatched, task.StatusProcessing:
			t.Status = task.StatusCancelling
			n++
		}
	}
	return n, nil
}

func (s *Store) SetTaskCancelled(_ context.Context, id string, now time.Time) (bool, error) {
	return s.transition(id, []task.Status{task.StatusCancelling}, func(t *task.Task) {
		t.Status = task.StatusCancelled
		t.EndedAt = now
	})
}

func (s *Store) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("delete task %s: %w", id, domain.ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

var (
	runningStatuses    = []task.Status{task.StatusDispatched, task.StatusProcessing, task.StatusProcessed}
	notStartedStatuses = []task.Status{task.StatusCreating, task.StatusSubmitted, task.StatusDispatched}
	claimableStatuses  = []task.Status{task.StatusSubmitted, task.StatusDispatched, task.StatusProcessing}
)

// transition applies fn when the task is in one of from. A missing task is
// NotFound; a task in another state reports false.
func (s *Store) transition(id string, from []task.Status, fn func(*task.Task)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if !slices.Contains(from, t.Status) {
		return false, nil
	}
	fn(t)
	return true, nil
}

// --- Results ---

func (s *Store) CreateResults(_ context.Context, results []result.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range results {
		k := resultKey{results[i].SessionID, results[i].ID}
		if _, ok := s.results[k]; ok {
			continue
		}
		r := results[i]
		s.results[k] = &r
	}
	return nil
}

func (s *Store) GetResult(_ context.Context, sessionID, id string) (*result.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[resultKey{sessionID, id}]
	if !ok {
		return nil, fmt.Errorf("get result %s: %w", id, domain.ErrNotFound)
	}
	out := *r
	return &out, nil
}

func (s *Store) ListResults(_ context.Context, filter result.Filter) ([]result.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []result.Result
	for _, r := range s.results {
		if filter.Matches(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CompleteResults(_ context.Context, sessionID, ownerTaskID string, objectIDs map[string]string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range objectIDs {
		r, ok := s.results[resultKey{sessionID, id}]
		if !ok || r.OwnerTaskID != ownerTaskID || r.Status != result.StatusCreated {
			return fmt.Errorf("complete result %s: %w", id, domain.ErrNotFound)
		}
	}
	for id, objectID := range objectIDs {
		r := s.results[resultKey{sessionID, id}]
		r.Status = result.StatusCompleted
		r.ObjectID = objectID
		r.CompletedAt = now
	}
	return nil
}

func (s *Store) ChangeResultOwnership(_ context.Context, sessionID string, ids []string, oldOwner, newOwner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		r, ok := s.results[resultKey{sessionID, id}]
		if ok && r.OwnerTaskID == oldOwner && r.Status == result.StatusCreated {
			r.OwnerTaskID = newOwner
			n++
		}
	}
	return n, nil
}

func (s *Store) AbortTaskResults(_ context.Context, sessionID, ownerTaskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for k, r := range s.results {
		if k.sessionID == sessionID && r.OwnerTaskID == ownerTaskID && r.Status == result.StatusCreated {
			r.Status = result.StatusAborted
			ids = append(ids, r.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Sessions ---

func (s *Store) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("create session %s: %w", sess.ID, domain.ErrConflict)
	}
	c := *sess
	c.PartitionIDs = slices.Clone(sess.PartitionIDs)
	s.sessions[sess.ID] = &c
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
	}
	c := *sess
	c.PartitionIDs = slices.Clone(sess.PartitionIDs)
	return &c, nil
}

func (s *Store) CancelSession(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, fmt.Errorf("cancel session %s: %w", id, domain.ErrNotFound)
	}
	if sess.Cancelled {
		return false, nil
	}
	sess.Cancelled = true
	sess.CancelledAt = now
	return true, nil
}

// --- Partitions ---

func (s *Store) CreatePartitions(_ context.Context, partitions []partition.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range partitions {
		p := partitions[i]
		s.partitions[p.ID] = &p
	}
	return nil
}

func (s *Store) ArePartitionsExisting(_ context.Context, ids []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.partitions[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) ListPartitions(_ context.Context) ([]partition.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]partition.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	c.DependencyIDs = slices.Clone(t.DependencyIDs)
	c.ExpectedOutputIDs = slices.Clone(t.ExpectedOutputIDs)
	c.RetryOfIDs = slices.Clone(t.RetryOfIDs)
	c.ParentTaskIDs = slices.Clone(t.ParentTaskIDs)
	c.Options.Metadata = maps.Clone(t.Options.Metadata)
	return &c
}

func cloneDispatch(d *dispatch.Dispatch) *dispatch.Dispatch {
	c := *d
	c.Statuses = slices.Clone(d.Statuses)
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}
