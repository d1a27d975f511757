package messagequeue

// TaskQueuedPayload is the schema for tasks.queue.{partition} messages.
// Priority travels with the message; delivery within a partition is FIFO.
type TaskQueuedPayload struct {
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	PartitionID string `json:"partition_id"`
	Priority    int    `json:"priority"`
}

// TaskEventPayload is the schema for tasks.events.{session} messages.
type TaskEventPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	ResultID  string `json:"result_id,omitempty"`
	Status    string `json:"status,omitempty"`
	At        string `json:"at"`
}
