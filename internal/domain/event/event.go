// Package event defines the task events published to watchers.
package event

import (
	"time"

	"github.com/Strob0t/GridForge/internal/domain/task"
)

// Type identifies the kind of task event.
type Type string

const (
	TypeTaskCreated       Type = "task.created"
	TypeTaskStatusChanged Type = "task.status_changed"
	TypeResultCompleted   Type = "result.completed"
	TypeResultAborted     Type = "result.aborted"
	TypeSessionCancelled  Type = "session.cancelled"
)

// TaskEvent is a single change in a session's task graph.
type TaskEvent struct {
	Type      Type        `json:"type"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	ResultID  string      `json:"result_id,omitempty"`
	Status    task.Status `json:"status,omitempty"`
	At        time.Time   `json:"at"`
}
