package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "gridforge"

// Metrics holds all GridForge metric instruments.
type Metrics struct {
	LeasesAcquired  metric.Int64Counter
	LeasesLost      metric.Int64Counter
	LeasesExpired   metric.Int64Counter
	TasksCreated    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksRetried    metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksAborted    metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	PollIterations  metric.Int64Counter
	ObjectCacheHits metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.LeasesAcquired, "gridforge.leases.acquired", "Dispatch leases won"},
		{&m.LeasesLost, "gridforge.leases.lost", "Dispatch lease races lost"},
		{&m.LeasesExpired, "gridforge.leases.invalidated", "Leases invalidated by a newer acquisition"},
		{&m.TasksCreated, "gridforge.tasks.created", "Tasks created"},
		{&m.TasksCompleted, "gridforge.tasks.completed", "Tasks completed successfully"},
		{&m.TasksRetried, "gridforge.tasks.retried", "Failed tasks resubmitted"},
		{&m.TasksFailed, "gridforge.tasks.failed", "Tasks ending in error or timeout"},
		{&m.TasksAborted, "gridforge.tasks.aborted", "Tasks aborted by an upstream failure"},
		{&m.PollIterations, "gridforge.poll.iterations", "Wait loop iterations"},
		{&m.ObjectCacheHits, "gridforge.objects.cache_hits", "Object reads served from cache"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.TaskDuration, err = meter.Float64Histogram("gridforge.task.duration_seconds",
		metric.WithDescription("Task processing duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObservePool registers gauges named prefix.in_flight and prefix.waiting,
// read from stats at every collection.
func ObservePool(prefix string, stats func() (inFlight, waiting int64)) error {
	meter := otel.Meter(meterName)
	inFlight, err := meter.Int64ObservableGauge(prefix+".in_flight",
		metric.WithDescription("Operations holding a pool slot"))
	if err != nil {
		return err
	}
	waiting, err := meter.Int64ObservableGauge(prefix+".waiting",
		metric.WithDescription("Operations waiting for a pool slot"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		f, w := stats()
		o.ObserveInt64(inFlight, f)
		o.ObserveInt64(waiting, w)
		return nil
	}, inFlight, waiting)
	return err
}
