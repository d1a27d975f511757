package main

import (
	"errors"

	gfotel "github.com/Strob0t/GridForge/internal/adapter/otel"
	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/resilience"
	"github.com/Strob0t/GridForge/internal/service"
)

type services struct {
	dispatch  *service.DispatchService
	lifecycle *service.LifecycleService
	wait      *service.WaitService
}

func newServices(b *backends, cfg *config.Config, metrics *gfotel.Metrics) *services {
	pushBreaker := resilience.NewBreaker("queue-push", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	deleteBreaker := resilience.NewBreaker("object-delete", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout).
		IgnoreErrors(func(err error) bool { return errors.Is(err, domain.ErrNotFound) })

	dispatchSvc := service.NewDispatchService(b.store, &cfg.Dispatch)
	lifecycle := service.NewLifecycleService(b.store, b.objects, service.NewPushQueue(b.queue, pushBreaker),
		service.NewEventPublisher(b.queue), &cfg.Submitter)
	lifecycle.SetDeleteBreaker(deleteBreaker)
	wait := service.NewWaitService(b.store, &cfg.Polling)

	if metrics != nil {
		dispatchSvc.SetMetrics(metrics)
		lifecycle.SetMetrics(metrics)
		wait.SetMetrics(metrics)
		if b.cached != nil {
			b.cached.SetMetrics(metrics)
		}
	}
	return &services{dispatch: dispatchSvc, lifecycle: lifecycle, wait: wait}
}
