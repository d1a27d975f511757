// Package result defines the Result entity: a named output slot owned by a task.
package result

import (
	"fmt"
	"time"
)

// Status represents the state of a result.
type Status string

const (
	StatusCreated   Status = "created"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// ParseStatus converts a string into a known Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusCreated, StatusCompleted, StatusAborted:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown result status %q", s)
	}
}

// Result is an output slot. Once Completed, its bytes live in object
// storage under ObjectID, a key written by exactly one attempt.
type Result struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	OwnerTaskID string    `json:"owner_task_id"`
	Status      Status    `json:"status"`
	ObjectID    string    `json:"object_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// DataKey returns the object storage key of r's bytes.
func (r *Result) DataKey() string {
	if r.ObjectID != "" {
		return r.ObjectID
	}
	return r.ID
}

// Filter selects results for listing.
type Filter struct {
	SessionID     string    `json:"session_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	OwnerTaskID   string    `json:"owner_task_id,omitempty"`
	Status        Status    `json:"status,omitempty"`
	CreatedAfter  time.Time `json:"created_after,omitempty"`
	CreatedBefore time.Time `json:"created_before,omitempty"`
}

// Matches reports whether r satisfies the filter.
func (f *Filter) Matches(r *Result) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Name != "" && r.Name != f.Name {
		return false
	}
	if f.OwnerTaskID != "" && r.OwnerTaskID != f.OwnerTaskID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Request identifies a result a client waits for.
type Request struct {
	SessionID string `json:"session_id"`
	ResultID  string `json:"result_id"`
}
