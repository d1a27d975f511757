// Package tiered layers an in-process cache over a shared one.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/GridForge/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

// Cache reads L1 first and falls back to L2, copying L2 hits into L1 for
// l1TTL. Concurrent L1 misses on one key share a single L2 lookup, so a
// dependency fetched by many workers at once costs one round trip.
//
// L2 is best effort: read errors count as misses and write errors are only
// logged. Delete does report L2 errors, since a stale shared entry would be
// served to every worker.
type Cache struct {
	l1, l2 cache.Cache
	l1TTL  time.Duration
	group  singleflight.Group
}

// New creates a tiered cache over l1 and l2.
func New(l1, l2 cache.Cache, l1TTL time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1TTL: l1TTL}
}

type lookup struct {
	val   []byte
	found bool
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	if val, found, err := c.l1.Get(ctx, key); err != nil || found {
		return val, found, err
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		val, found, err := c.l2.Get(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
			return lookup{}, nil
		}
		if found {
			_ = c.l1.Set(ctx, key, val, c.l1TTL)
		}
		return lookup{val: val, found: found}, nil
	})
	l := v.(lookup)
	return l.val, l.found, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		slog.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.group.Forget(key)
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}
