package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/port/cache"
	"github.com/Strob0t/GridForge/internal/port/objectstorage"
)

var _ objectstorage.Storage = (*CachedObjects)(nil)

// CachedObjects is a read-through cache in front of object storage.
// Dependencies shared by many tasks are fetched once per cache lifetime.
type CachedObjects struct {
	inner   objectstorage.Storage
	cache   cache.Cache
	ttl     time.Duration
	metrics *gfotel.Metrics
}

// NewCachedObjects wraps inner with c. Entries live for ttl.
func NewCachedObjects(inner objectstorage.Storage, c cache.Cache, ttl time.Duration) *CachedObjects {
	return &CachedObjects{inner: inner, cache: c, ttl: ttl}
}

// SetMetrics enables cache hit counting.
func (o *CachedObjects) SetMetrics(m *gfotel.Metrics) {
	o.metrics = m
}

func (o *CachedObjects) Fetch(ctx context.Context, id string) ([][]byte, error) {
	if data, ok, err := o.cache.Get(ctx, id); err == nil && ok {
		var chunks [][]byte
		if err := json.Unmarshal(data, &chunks); err == nil {
			if o.metrics != nil {
				o.metrics.ObjectCacheHits.Add(ctx, 1)
			}
			return chunks, nil
		}
	}

	chunks, err := o.inner.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(chunks); err == nil {
		if err := o.cache.Set(ctx, id, data, o.ttl); err != nil {
			slog.DebugContext(ctx, "object cache set failed", "object_id", id, "error", err)
		}
	}
	return chunks, nil
}

func (o *CachedObjects) Store(ctx context.Context, id string, chunks [][]byte) error {
	if err := o.cache.Delete(ctx, id); err != nil {
		slog.WarnContext(ctx, "object cache invalidation failed", "object_id", id, "error", err)
	}
	return o.inner.Store(ctx, id, chunks)
}

func (o *CachedObjects) Delete(ctx context.Context, id string) error {
	if err := o.cache.Delete(ctx, id); err != nil {
		slog.WarnContext(ctx, "object cache invalidation failed", "object_id", id, "error", err)
	}
	return o.inner.Delete(ctx, id)
}
