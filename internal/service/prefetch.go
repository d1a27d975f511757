package service

import (
	"context"
	"fmt"

	"github.com/Strob0t/GridForge/internal/domain/compute"
	"github.com/Strob0t/GridForge/internal/domain/result"
	"github.com/Strob0t/GridForge/internal/domain/task"
	"github.com/Strob0t/GridForge/internal/port/objectstorage"
	"github.com/Strob0t/GridForge/internal/workpool"
)

// ResultReader looks up result metadata.
type ResultReader interface {
	GetResult(ctx context.Context, sessionID, id string) (*result.Result, error)
}

// DataPrefetcher fetches a task's payload and dependencies from object
// storage and assembles them into compute requests.
type DataPrefetcher struct {
	results   ResultReader
	objects   objectstorage.Storage
	assembler *ChunkAssembler
	pool      *workpool.Pool
}

// NewDataPrefetcher creates a DataPrefetcher.
func NewDataPrefetcher(results ResultReader, objects objectstorage.Storage, assembler *ChunkAssembler) *DataPrefetcher {
	return &DataPrefetcher{results: results, objects: objects, assembler: assembler}
}

// SetPool bounds concurrent fetches. Without a pool, dependencies are
// fetched one after another.
func (p *DataPrefetcher) SetPool(pool *workpool.Pool) {
	p.pool = pool
}

// Prefetch returns the compute-request stream for t. Dependencies appear in
// t.DependencyIDs order regardless of the order their fetches finish in.
func (p *DataPrefetcher) Prefetch(ctx context.Context, t *task.Task) ([]compute.Unit, error) {
	var payload [][]byte
	err := p.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		payload, err = p.objects.Fetch(ctx, t.PayloadID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch payload %s of task %s: %w", t.PayloadID, t.ID, err)
	}

	deps, err := workpool.Map(ctx, p.pool, t.DependencyIDs, func(ctx context.Context, id string) (compute.Dependency, error) {
		r, err := p.results.GetResult(ctx, t.SessionID, id)
		if err != nil {
			return compute.Dependency{}, fmt.Errorf("dependency %s of task %s: %w", id, t.ID, err)
		}
		data, err := p.objects.Fetch(ctx, r.DataKey())
		if err != nil {
			return compute.Dependency{}, fmt.Errorf("fetch dependency %s of task %s: %w", id, t.ID, err)
		}
		return compute.Dependency{ID: id, Data: data}, nil
	})
	if err != nil {
		return nil, err
	}

	init := compute.Init{
		SessionID:         t.SessionID,
		TaskID:            t.ID,
		Options:           t.Options,
		ExpectedOutputIDs: t.ExpectedOutputIDs,
	}
	return p.assembler.Assemble(init, payload, deps), nil
}
