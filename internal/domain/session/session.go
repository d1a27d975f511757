// Package session defines the Session entity grouping tasks under shared defaults.
package session

import (
	"slices"
	"time"

	"github.com/Strob0t/GridForge/internal/domain/task"
)

// Session owns the default options merged into every task submitted to it.
type Session struct {
	ID             string       `json:"id"`
	PartitionIDs   []string     `json:"partition_ids"`
	DefaultOptions task.Options `json:"default_options"`
	Cancelled      bool         `json:"cancelled"`
	CreatedAt      time.Time    `json:"created_at"`
	CancelledAt    time.Time    `json:"cancelled_at,omitempty"`
}

// HasPartition reports whether id is one of the session's partitions.
func (s *Session) HasPartition(id string) bool {
	return slices.Contains(s.PartitionIDs, id)
}

// CreateRequest holds the fields needed to open a session.
type CreateRequest struct {
	PartitionIDs   []string     `json:"partition_ids"`
	DefaultOptions task.Options `json:"default_options"`
}
