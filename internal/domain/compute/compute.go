// Package compute defines the ordered request units that stream a task's
// payload and data dependencies to a worker.
package compute

import "github.com/Strob0t/GridForge/internal/domain/task"

// Kind identifies which part of the stream a Unit carries.
type Kind string

const (
	KindInit               Kind = "init"
	KindPayloadChunk       Kind = "payload_chunk"
	KindPayloadComplete    Kind = "payload_complete"
	KindDependencyInit     Kind = "dependency_init"
	KindDependencyChunk    Kind = "dependency_chunk"
	KindDependencyComplete Kind = "dependency_complete"
)

// Init describes the task being streamed. It travels in the first unit.
type Init struct {
	SessionID         string       `json:"session_id"`
	TaskID            string       `json:"task_id"`
	Options           task.Options `json:"options"`
	ExpectedOutputIDs []string     `json:"expected_output_ids"`
}

// Unit is one compute request. Chunk is never longer than the assembler's
// configured maximum.
type Unit struct {
	Kind         Kind   `json:"kind"`
	Init         *Init  `json:"init,omitempty"`
	DependencyID string `json:"dependency_id,omitempty"`
	Chunk        []byte `json:"chunk,omitempty"`
}

// Dependency is a fetched data dependency ready for assembly.
type Dependency struct {
	ID   string
	Data [][]byte
}
