// Package dispatch defines the Dispatch lease: a time-bounded claim granting
// one worker exclusive rights to attempt one task.
package dispatch

import "time"

// Status is one entry kind in a lease's status log.
type Status string

const (
	StatusAcquired   Status = "acquired"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusReleased   Status = "released"
)

// ReasonExpired is the detail recorded on leases superseded by a newer acquisition.
const ReasonExpired = "Dispatch Ttl expired"

// StatusEntry is a timestamped entry in a lease's history.
type StatusEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Dispatch is a per-task lease. At most one Dispatch per task is live
// (TimeToLive after now) at any instant.
type Dispatch struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	SessionID  string            `json:"session_id"`
	Attempt    int               `json:"attempt"`
	CreatedAt  time.Time         `json:"created_at"`
	TimeToLive time.Time         `json:"time_to_live"`
	Statuses   []StatusEntry     `json:"statuses"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsLive reports whether the lease has not expired at now.
func (d *Dispatch) IsLive(now time.Time) bool {
	return d.TimeToLive.After(now)
}
