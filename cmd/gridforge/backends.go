package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/GridForge/internal/adapter/memory"
	gfnats "github.com/Strob0t/GridForge/internal/adapter/nats"
	"github.com/Strob0t/GridForge/internal/adapter/natskv"
	"github.com/Strob0t/GridForge/internal/adapter/postgres"
	"github.com/Strob0t/GridForge/internal/adapter/ristretto"
	"github.com/Strob0t/GridForge/internal/adapter/sqlite"
	"github.com/Strob0t/GridForge/internal/adapter/tiered"
	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/port/cache"
	"github.com/Strob0t/GridForge/internal/port/database"
	"github.com/Strob0t/GridForge/internal/port/messagequeue"
	"github.com/Strob0t/GridForge/internal/port/objectstorage"
	"github.com/Strob0t/GridForge/internal/secrets"
	"github.com/Strob0t/GridForge/internal/service"
)

// maxCachedObject bounds a single entry of the shared NATS KV object cache.
const maxCachedObject = 1 << 20

// backends are the infrastructure connections shared by serve and agent.
type backends struct {
	store   database.Store
	queue   messagequeue.Queue
	objects objectstorage.Storage
	// cached is set when an object cache is configured.
	cached *service.CachedObjects
	// js is nil unless a NATS connection was opened.
	js      jetstream.JetStream
	vault   *secrets.Vault
	closers []func()
}

// Close releases connections in reverse opening order.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// redactErr hides connection passwords that drivers echo in their errors.
func (b *backends) redactErr(prefix string, err error) error {
	return errors.New(prefix + ": " + b.vault.RedactString(err.Error()))
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	vault, err := secrets.NewVault(secrets.URLPasswordLoader(map[string]string{
		"postgres": cfg.Postgres.DSN,
		"nats":     cfg.NATS.URL,
	}))
	if err != nil {
		return nil, err
	}
	b := &backends{vault: vault}
	if err := b.open(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) open(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return b.redactErr("postgres", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.store = postgres.NewStore(pool, cfg.Postgres.MaxRetries)
		slog.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
	default:
		b.store = memory.NewStore()
		slog.Warn("using in-memory store; state is lost on exit")
	}

	var nq *gfnats.Queue
	if cfg.Queue.Backend == "nats" || cfg.Objects.Backend == "nats" {
		q, err := gfnats.Connect(ctx, cfg.NATS)
		if err != nil {
			return b.redactErr("nats", err)
		}
		b.closers = append(b.closers, func() { _ = q.Drain() })
		nq = q
		b.js = q.JetStream()
		slog.Info("nats connected", "stream", cfg.NATS.Stream)
	}

	if cfg.Queue.Backend == "nats" {
		b.queue = nq
	} else {
		mq := memory.NewQueue(cfg.NATS.NakDelay)
		b.closers = append(b.closers, func() { _ = mq.Close() })
		b.queue = mq
	}

	switch cfg.Objects.Backend {
	case "nats":
		objs, err := gfnats.OpenObjects(ctx, b.js, cfg.NATS.ObjectBucket)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		b.objects = objs
	case "sqlite":
		objs, err := sqlite.Open(cfg.Objects.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite objects: %w", err)
		}
		b.closers = append(b.closers, func() { _ = objs.Close() })
		b.objects = objs
	default:
		b.objects = memory.NewObjects()
	}

	return b.openCache(ctx, cfg)
}

// openCache puts a ristretto L1 in front of object storage, backed by a
// NATS KV L2 shared between processes when NATS is available.
func (b *backends) openCache(ctx context.Context, cfg *config.Config) error {
	if cfg.Objects.CacheSizeMB <= 0 {
		return nil
	}
	l1, err := ristretto.New(int(cfg.Objects.CacheSizeMB))
	if err != nil {
		return fmt.Errorf("object cache: %w", err)
	}
	b.closers = append(b.closers, l1.Close)

	var c cache.Cache = l1
	if b.js != nil && cfg.NATS.KVBucket != "" {
		l2, err := natskv.Open(ctx, b.js, cfg.NATS.KVBucket, cfg.Objects.CacheTTL, maxCachedObject)
		if err != nil {
			return fmt.Errorf("object cache: %w", err)
		}
		c = tiered.New(l1, l2, cfg.Objects.CacheTTL)
	}
	b.cached = service.NewCachedObjects(b.objects, c, cfg.Objects.CacheTTL)
	b.objects = b.cached
	return nil
}
