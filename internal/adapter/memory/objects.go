package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/port/objectstorage"
)

var _ objectstorage.Storage = (*Objects)(nil)

// Objects is an in-memory object storage.
type Objects struct {
	mu      sync.RWMutex
	objects map[string][][]byte
}

// NewObjects creates an empty Objects.
func NewObjects() *Objects {
	return &Objects{objects: make(map[string][][]byte)}
}

func (o *Objects) Fetch(_ context.Context, id string) ([][]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	chunks, ok := o.objects[id]
	if !ok {
		return nil, fmt.Errorf("fetch object %s: %w", id, domain.ErrNotFound)
	}
	return cloneChunks(chunks), nil
}

func (o *Objects) Store(_ context.Context, id string, chunks [][]byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.objects[id] = cloneChunks(chunks)
	return nil
}

func (o *Objects) Delete(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.objects, id)
	return nil
}

// Len returns the number of stored objects.
func (o *Objects) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.objects)
}

func cloneChunks(chunks [][]byte) [][]byte {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = slices.Clone(c)
	}
	return out
}
