package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/GridForge/internal/adapter/localexec"
	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/service"
	"github.com/Strob0t/GridForge/internal/workpool"
)

var (
	agentExec    string
	agentWorkDir string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker for one partition",
	Long: `Consumes the partition queue, leases tasks, streams their payload and dependencies to a processor, and reports the outcome.
Without --exec the worker echoes each payload followed by its dependencies into every expected output.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentExec, "exec", "", "Command run per task: payload on stdin, stdout becomes every expected output")
	agentCmd.Flags().StringVar(&agentWorkDir, "workdir", "", "Working directory for --exec")
}

func runAgent(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := gfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()
	metrics, err := gfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := newPollster(b, newServices(b, cfg, metrics), metrics, podName())
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

func newPollster(b *backends, svcs *services, metrics *gfotel.Metrics, pod string) (*service.Pollster, error) {
	var processor service.Processor = localexec.Echo{}
	if agentExec != "" {
		fields := strings.Fields(agentExec)
		processor = localexec.New(fields[0], fields[1:], agentWorkDir)
	}

	prefetch := service.NewDataPrefetcher(b.store, b.objects, service.NewChunkAssembler(cfg.Submitter.MaxChunkSize))
	pool := workpool.NewPool(cfg.Pollster.FetchConcurrency)
	prefetch.SetPool(pool)
	if err := gfotel.ObservePool("gridforge.fetches", func() (int64, int64) {
		s := pool.Stats()
		return s.InFlight, s.Waiting
	}); err != nil {
		return nil, fmt.Errorf("fetch pool metrics: %w", err)
	}

	pollCfg := cfg.Pollster
	pollCfg.PodName = pod
	p := service.NewPollster(b.queue, b.store, svcs.dispatch, svcs.lifecycle, prefetch, processor, &pollCfg, &cfg.Dispatch)
	p.SetMetrics(metrics)
	slog.Info("worker configured", "partition", pollCfg.Partition, "pod", pod, "exec", agentExec != "")
	return p, nil
}

// podName is the configured pod name, or the host name.
func podName() string {
	if cfg.Pollster.PodName != "" {
		return cfg.Pollster.PodName
	}
	host, err := os.Hostname()
	if err != nil {
		return "gridforge-agent"
	}
	return host
}
