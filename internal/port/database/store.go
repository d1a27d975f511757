// Package database defines the table ports backing the task orchestrator.
// Every mutation that must happen exactly once is a conditional update keyed
// on the current state and reports whether it changed anything.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/GridForge/internal/domain/dispatch"
	"github.com/Strob0t/GridForge/internal/domain/partition"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/session"
	"github.com/Strob0t/GridForge/internal/domain/task"
)

// Store is the port interface for all orchestrator tables.
type Store interface {
	DispatchTable
	TaskTable
	ResultTable
	SessionTable
	PartitionTable
}

// DispatchTable stores per-task leases.
type DispatchTable interface {
	// UpsertDispatch inserts d unless another lease for d.TaskID is live at now.
	// It returns the id of the lease that is live after the call: d.ID when the
	// insert happened, the current holder's id otherwise.
	UpsertDispatch(ctx context.Context, d *dispatch.Dispatch, now time.Time) (string, error)

	// InvalidateDispatches expires every live lease of taskID other than keepID
	// and appends entry to each. It returns the number of leases it expired and
	// the number of leases other than keepID recorded for the task.
	InvalidateDispatches(ctx context.Context, taskID, keepID string, now time.Time, entry dispatch.StatusEntry) (invalidated, previous int, err error)

	SetDispatchAttempt(ctx context.Context, id string, attempt int) error

	// ExtendDispatch moves the expiry of a live lease to ttl.
	// Returns domain.ErrNotFound when the lease is unknown or already expired.
	ExtendDispatch(ctx context.Context, id string, ttl, now time.Time) error

	// AddDispatchStatus appends entry to a live lease's log.
	// Returns domain.ErrNotFound when the lease is unknown or already expired.
	AddDispatchStatus(ctx context.Context, id string, entry dispatch.StatusEntry, now time.Time) error

	GetDispatch(ctx context.Context, id string) (*dispatch.Dispatch, error)
	ListDispatches(ctx context.Context, taskID string) ([]dispatch.Dispatch, error)
	DeleteDispatchesForTask(ctx context.Context, taskID string) error
	DeleteDispatch(ctx context.Context, id string) error
}

// TaskTable stores tasks and their state transitions.
type TaskTable interface {
	// CreateTasks persists tasks in Creating status. The owning session is
	// checked inside the same atomic unit: a missing or cancelled session
	// yields domain.ErrValidation and nothing is written.
	CreateTasks(ctx context.Context, tasks []task.Task) error

	ReadTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error)

	// CountTasks aggregates matching tasks per status. Retried tasks are
	// superseded by their resubmission and are not counted.
	CountTasks(ctx context.Context, filter task.Filter) ([]task.StatusCount, error)

	// FinalizeTasks moves tasks from Creating to Submitted.
	FinalizeTasks(ctx context.Context, ids []string, now time.Time) (int, error)

	// ClaimTask moves a Submitted, Dispatched, or Processing task to
	// Dispatched for ownerPod. Callers must hold the task's lease; reclaiming
	// a Processing task recovers work from a holder whose lease expired.
	ClaimTask(ctx context.Context, id, ownerPod string, now time.Time) (bool, error)

	// StartTask moves a Dispatched task to Processing.
	StartTask(ctx context.Context, id string, now time.Time) (bool, error)

	// SetTaskSuccess moves a Processing or Processed task to Completed,
	// recording t.Output and t.EndedAt.
	SetTaskSuccess(ctx context.Context, t *task.Task) (bool, error)

	// SetTaskRetry moves a running task to Retried, recording t.Output and t.EndedAt.
	SetTaskRetry(ctx context.Context, t *task.Task) (bool, error)

	// SetTaskError moves a running task to status (Error or Timeout),
	// recording t.Output and t.EndedAt.
	SetTaskError(ctx context.Context, t *task.Task, status task.Status) (bool, error)

	// AbortTasks moves tasks that never started (Creating, Submitted,
	// Dispatched) to Error with detail. It returns the ids it changed.
	AbortTasks(ctx context.Context, ids []string, detail string, now time.Time) ([]string, error)

	// ListDependentTasks returns the ids of tasks in the session that depend
	// on any of resultIDs.
	ListDependentTasks(ctx context.Context, sessionID string, resultIDs []string) ([]string, error)

	// CancelSessionTasks moves running tasks to Cancelling and not yet
	// dispatched tasks to Cancelled. It returns the number of tasks changed.
	CancelSessionTasks(ctx context.Context, sessionID string, now time.Time) (int, error)

	// SetTaskCancelled moves a Cancelling task to Cancelled.
	SetTaskCancelled(ctx context.Context, id string, now time.Time) (bool, error)

	DeleteTask(ctx context.Context, id string) error
}

// ResultTable stores result slots.
type ResultTable interface {
	// CreateResults inserts results, skipping ids that already exist in the session.
	CreateResults(ctx context.Context, results []result.Result) error

	GetResult(ctx context.Context, sessionID, id string) (*result.Result, error)
	ListResults(ctx context.Context, filter result.Filter) ([]result.Result, error)

	// CompleteResults moves every listed result to Completed and records the
	// object key holding its bytes (objectIDs maps result id to key). All of
	// them must be Created and owned by ownerTaskID, otherwise nothing
	// changes and ErrNotFound is returned.
	CompleteResults(ctx context.Context, sessionID, ownerTaskID string, objectIDs map[string]string, now time.Time) error

	// ChangeResultOwnership hands Created results owned by oldOwner over to
	// newOwner.
	ChangeResultOwnership(ctx context.Context, sessionID string, ids []string, oldOwner, newOwner string) (int, error)

	// AbortTaskResults moves every Created result owned by ownerTaskID to
	// Aborted and returns their ids.
	AbortTaskResults(ctx context.Context, sessionID, ownerTaskID string) ([]string, error)
}

// SessionTable stores sessions.
type SessionTable interface {
	CreateSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)

	// CancelSession sets the cancellation flag. It reports false when the
	// session was already cancelled.
	CancelSession(ctx context.Context, id string, now time.Time) (bool, error)
}

// PartitionTable stores partitions.
type PartitionTable interface {
	CreatePartitions(ctx context.Context, partitions []partition.Partition) error
	ArePartitionsExisting(ctx context.Context, ids []string) (bool, error)
	ListPartitions(ctx context.Context) ([]partition.Partition, error)
}
