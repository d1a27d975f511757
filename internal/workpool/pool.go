// Package workpool bounds the object storage fetches a worker runs at once.
package workpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool is shared by every task a worker prefetches, so the fetch limit holds
// across tasks and not only within one task's dependency list.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Limit    int64
	InFlight int64
	Waiting  int64
}

// NewPool creates a Pool allowing limit concurrent fetches, at least one.
func NewPool(limit int) *Pool {
	n := int64(max(limit, 1))
	return &Pool{sem: semaphore.NewWeighted(n), limit: n}
}

// Do runs fn once a slot is free. It returns ctx.Err() without calling fn
// if ctx ends first. A nil Pool calls fn directly.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// Stats reports the pool's current usage. A nil Pool reports zeros.
func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{Limit: p.limit, InFlight: p.inFlight.Load(), Waiting: p.waiting.Load()}
}

// Map calls fn for every item through p and returns the outputs in item
// order. The first error cancels the calls still waiting for a slot. A nil
// Pool runs the calls one after another.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if p == nil {
		g.SetLimit(1)
	}
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return p.Do(gctx, func(ctx context.Context) error {
				r, err := fn(ctx, item)
				if err != nil {
					return err
				}
				out[i] = r
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
