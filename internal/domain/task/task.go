// Package task defines the Task domain entity and its lifecycle states.
package task

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusUnspecified Status = "unspecified"
	StatusCreating    Status = "creating"
	StatusSubmitted   Status = "submitted"
	StatusDispatched  Status = "dispatched"
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusTimeout     Status = "timeout"
	StatusCancelling  Status = "cancelling"
	StatusCancelled   Status = "cancelled"
	// StatusRetried marks a failed task superseded by a resubmitted copy.
	StatusRetried Status = "retried"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []Status{
	StatusUnspecified,
	StatusCreating,
	StatusSubmitted,
	StatusDispatched,
	StatusProcessing,
	StatusProcessed,
	StatusCompleted,
	StatusError,
	StatusTimeout,
	StatusCancelling,
	StatusCancelled,
	StatusRetried,
}

// ParseStatus converts a string into a known Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// IsFinal reports whether no further transition is allowed out of s.
func (s Status) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusTimeout, StatusCancelled, StatusRetried:
		return true
	default:
		return false
	}
}

// ErrorUpstreamAborted prefixes the error detail of tasks that never ran
// because a result they depend on was aborted.
const ErrorUpstreamAborted = "upstream dependency aborted"

// Output is the outcome reported by a worker for one execution attempt.
type Output struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Timeout marks a failure caused by exceeding Options.MaxDuration.
	Timeout bool `json:"timeout,omitempty"`
}

// IsUpstreamAbort reports whether the failure was inherited from a dependency.
func (o Output) IsUpstreamAbort() bool {
	return !o.Success && strings.HasPrefix(o.Error, ErrorUpstreamAborted)
}

// Task is a unit of compute work submitted into a session.
type Task struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Status            Status    `json:"status"`
	Options           Options   `json:"options"`
	PayloadID         string    `json:"payload_id"`
	DependencyIDs     []string  `json:"dependency_ids"`
	ExpectedOutputIDs []string  `json:"expected_output_ids"`
	RetryOfIDs        []string  `json:"retry_of_ids"`
	ParentTaskIDs     []string  `json:"parent_task_ids"`
	OwnerPod          string    `json:"owner_pod,omitempty"`
	Output            Output    `json:"output"`
	CreatedAt         time.Time `json:"created_at"`
	SubmittedAt       time.Time `json:"submitted_at,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
}

// RetryCount is the number of earlier attempts this task supersedes.
func (t *Task) RetryCount() int { return len(t.RetryOfIDs) }

// CanRetry reports whether a failed execution of t may be resubmitted.
func (t *Task) CanRetry() bool { return t.RetryCount() < t.Options.MaxRetries }

// CreationToEnd is the wall time between creation and the end timestamp.
func (t *Task) CreationToEnd() time.Duration {
	if t.EndedAt.IsZero() || t.CreatedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.CreatedAt)
}

// ProcessingToEnd is the wall time between start and the end timestamp.
func (t *Task) ProcessingToEnd() time.Duration {
	if t.EndedAt.IsZero() || t.StartedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Request describes one task to create: its payload and data edges.
type Request struct {
	PayloadID         string   `json:"payload_id,omitempty"`
	Payload           []byte   `json:"payload,omitempty"`
	DependencyIDs     []string `json:"dependency_ids"`
	ExpectedOutputIDs []string `json:"expected_output_ids"`
	Options           *Options `json:"options,omitempty"`
}

// Validate checks that the request carries at least one expected output.
func (r *Request) Validate() error {
	if len(r.ExpectedOutputIDs) == 0 {
		return fmt.Errorf("at least one expected output is required")
	}
	return nil
}

// CreationRequest is the descriptor returned for each created task.
type CreationRequest struct {
	TaskID            string   `json:"task_id"`
	PayloadID         string   `json:"payload_id"`
	Options           Options  `json:"options"`
	DependencyIDs     []string `json:"dependency_ids"`
	ExpectedOutputIDs []string `json:"expected_output_ids"`
}

// Filter selects tasks for listing, counting, and waiting.
type Filter struct {
	SessionID string   `json:"session_id,omitempty"`
	TaskIDs   []string `json:"task_ids,omitempty"`
	Statuses  []Status `json:"statuses,omitempty"`
}

// Matches reports whether t satisfies the filter.
func (f *Filter) Matches(t *Task) bool {
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if len(f.TaskIDs) > 0 && !slices.Contains(f.TaskIDs, t.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	return true
}

// StatusCount is one bucket of an aggregate count over tasks.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int    `json:"count"`
}
