package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	gfhttp "github.com/Strob0t/GridForge/internal/adapter/http"
	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/adapter/postgres"
	"github.com/Strob0t/GridForge/internal/adapter/ws"
	"github.com/Strob0t/GridForge/internal/domain/partition"
	"github.com/Strob0t/GridForge/internal/middleware"
	"github.com/Strob0t/GridForge/internal/service"
)

const idempotencyTTL = 24 * time.Hour

var (
	serveMigrate bool
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the GridForge control plane",
	Long:  `Starts the HTTP API that creates sessions and tasks, waits on them, and serves results.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply pending schema migrations on startup (postgres store only)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Run this many in-process workers on the configured partition")
	serveCmd.Flags().StringVar(&agentExec, "exec", "", "Command run by in-process workers (default: echo payloads)")
}

func runServe(_ *cobra.Command, _ []string) error {
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"store", cfg.Store.Backend,
		"queue", cfg.Queue.Backend,
		"objects", cfg.Objects.Backend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOTEL, err := gfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()
	metrics, err := gfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	if serveMigrate && cfg.Store.Backend == "postgres" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := ensureDefaultPartition(ctx, b); err != nil {
		return err
	}

	// --- Services ---

	svcs := newServices(b, cfg, metrics)

	hub := ws.NewHub()
	if err := service.NewWatchService(b.queue).ForwardTo(ctx, hub); err != nil {
		return fmt.Errorf("event forwarding: %w", err)
	}

	for i := range serveWorkers {
		p, err := newPollster(b, svcs, metrics, fmt.Sprintf("%s-%d", podName(), i))
		if err != nil {
			return err
		}
		go func() {
			if err := p.Run(ctx); err != nil {
				slog.Error("in-process worker stopped", "error", err)
			}
		}()
	}

	// --- HTTP ---

	handlers := &gfhttp.Handlers{
		Lifecycle:  svcs.lifecycle,
		Wait:       svcs.wait,
		Dispatch:   svcs.dispatch,
		Partitions: b.store,
		Queue:      b.queue,
		BodyLimit:  cfg.Server.MaxBodyBytes,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(gfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(gfhttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(gfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(gfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(float64(cfg.Server.RateLimit), cfg.Server.RateBurst).Exempt("/health")
		stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		r.Use(limiter.Handler)
	}

	var submit []func(http.Handler) http.Handler
	if b.js != nil {
		kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.NATS.IdempotencyBucket,
			Description: "GridForge idempotent submissions",
			TTL:         idempotencyTTL,
			History:     1,
		})
		if err != nil {
			return fmt.Errorf("idempotency bucket: %w", err)
		}
		submit = append(submit, middleware.Idempotency(kv))
	}

	// WebSocket endpoint
	r.Get("/ws", hub.HandleWS)

	// API routes
	gfhttp.MountRoutes(r, handlers, submit...)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	slog.Info("shutting down server")
	cancel()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ensureDefaultPartition registers the default partition unless it already
// exists, so sessions created without partitions have somewhere to go.
func ensureDefaultPartition(ctx context.Context, b *backends) error {
	ok, err := b.store.ArePartitionsExisting(ctx, []string{cfg.Submitter.DefaultPartition})
	if err != nil {
		return fmt.Errorf("check default partition: %w", err)
	}
	if ok {
		return nil
	}
	if err := b.store.CreatePartitions(ctx, []partition.Partition{{ID: cfg.Submitter.DefaultPartition, Priority: 1}}); err != nil {
		return fmt.Errorf("create default partition: %w", err)
	}
	slog.Info("default partition created", "partition", cfg.Submitter.DefaultPartition)
	return nil
}
