// Package localexec runs tasks as local commands on the worker host.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Strob0t/GridForge/internal/domain/compute"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/service"
)

// maxStderr bounds the stderr tail kept as the failure detail.
const maxStderr = 4096

// Input is a task's compute-request stream reassembled into whole buffers.
type Input struct {
	Payload      []byte
	Dependencies map[string][]byte
	// DependencyOrder lists dependency ids in stream order.
	DependencyOrder []string
}

// Reassemble concatenates the payload and dependency chunks of units.
func Reassemble(units []compute.Unit) Input {
	in := Input{Dependencies: make(map[string][]byte)}
	for _, u := range units {
		switch u.Kind {
		case compute.KindInit, compute.KindPayloadChunk:
			in.Payload = append(in.Payload, u.Chunk...)
		case compute.KindDependencyInit:
			in.Dependencies[u.DependencyID] = []byte{}
			in.DependencyOrder = append(in.DependencyOrder, u.DependencyID)
		case compute.KindDependencyChunk:
			in.Dependencies[u.DependencyID] = append(in.Dependencies[u.DependencyID], u.Chunk...)
		}
	}
	return in
}

// Echo writes the payload followed by every dependency, in stream order,
// to each expected output.
type Echo struct{}

func (Echo) Process(_ context.Context, t *task.Task, units []compute.Unit) (service.Outcome, error) {
	in := Reassemble(units)
	data := in.Payload
	for _, id := range in.DependencyOrder {
		data = append(data, in.Dependencies[id]...)
	}
	results := make(map[string][][]byte, len(t.ExpectedOutputIDs))
	for _, id := range t.ExpectedOutputIDs {
		results[id] = [][]byte{data}
	}
	return service.Outcome{Output: task.Output{Success: true}, Results: results}, nil
}

// Command runs an executable once per task. The payload is written to its
// stdin and each dependency to a file named after the dependency id in the
// directory given by GRIDFORGE_DEPENDENCY_DIR. Stdout becomes the data of
// every expected output. A non-zero exit fails the task with the stderr tail.
type Command struct {
	name    string
	args    []string
	workDir string
}

// New creates a Command processor. workDir may be empty.
func New(name string, args []string, workDir string) *Command {
	return &Command{name: name, args: args, workDir: workDir}
}

func (c *Command) Process(ctx context.Context, t *task.Task, units []compute.Unit) (service.Outcome, error) {
	in := Reassemble(units)

	depDir, err := os.MkdirTemp("", "gridforge-"+t.ID+"-")
	if err != nil {
		return service.Outcome{}, fmt.Errorf("dependency dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(depDir) }()
	for id, data := range in.Dependencies {
		if err := os.WriteFile(filepath.Join(depDir, filepath.Base(id)), data, 0o600); err != nil {
			return service.Outcome{}, fmt.Errorf("write dependency %s: %w", id, err)
		}
	}

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	if c.workDir != "" {
		cmd.Dir = c.workDir
	}
	cmd.Env = append(os.Environ(),
		"GRIDFORGE_SESSION_ID="+t.SessionID,
		"GRIDFORGE_TASK_ID="+t.ID,
		"GRIDFORGE_DEPENDENCY_DIR="+depDir,
		"GRIDFORGE_EXPECTED_OUTPUTS="+strings.Join(t.ExpectedOutputIDs, ","),
		"GRIDFORGE_APPLICATION_NAME="+t.Options.ApplicationName,
		"GRIDFORGE_APPLICATION_VERSION="+t.Options.ApplicationVersion,
		"GRIDFORGE_APPLICATION_NAMESPACE="+t.Options.ApplicationNamespace,
		"GRIDFORGE_APPLICATION_SERVICE="+t.Options.ApplicationService,
		"GRIDFORGE_ENGINE_TYPE="+t.Options.EngineType,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(in.Payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return service.Outcome{}, fmt.Errorf("exec %s: %w", c.name, err)
		}
		detail := fmt.Sprintf("exit code %d", exitErr.ExitCode())
		if tail := tailString(stderr.Bytes(), maxStderr); tail != "" {
			detail += ": " + tail
		}
		return service.Outcome{Output: task.Output{Error: detail}}, nil
	}

	results := make(map[string][][]byte, len(t.ExpectedOutputIDs))
	for _, id := range t.ExpectedOutputIDs {
		results[id] = [][]byte{stdout.Bytes()}
	}
	return service.Outcome{Output: task.Output{Success: true}, Results: results}, nil
}

func tailString(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
