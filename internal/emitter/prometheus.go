package emitter

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/taginventory/pkg/resource"
)

// PrometheusEmitter records run outcomes as OTEL metrics, exported in
// Prometheus format by the daemon.
type PrometheusEmitter struct {
	meter metric.Meter

	runsTotal           metric.Int64Counter
	runDuration         metric.Float64Histogram
	regionFailuresTotal metric.Int64Counter
	resources           metric.Int64ObservableGauge

	// State for observable gauge
	mu     sync.RWMutex
	counts map[string]int
}

// NewPrometheusEmitter creates an emitter on the global meter provider.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return NewPrometheusEmitterWithMeter(otel.Meter("taginventory"))
}

// NewPrometheusEmitterWithMeter creates an emitter on meter.
func NewPrometheusEmitterWithMeter(meter metric.Meter) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:  meter,
		counts: make(map[string]int),
	}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.runsTotal, err = e.meter.Int64Counter(
		"taginventory_runs_total",
		metric.WithDescription("Total inventory runs by final status"),
	)
	if err != nil {
		return fmt.Errorf("create runs_total counter: %w", err)
	}

	e.runDuration, err = e.meter.Float64Histogram(
		"taginventory_run_duration_seconds",
		metric.WithDescription("Time taken by an inventory run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration histogram: %w", err)
	}

	e.regionFailuresTotal, err = e.meter.Int64Counter(
		"taginventory_region_failures_total",
		metric.WithDescription("Total regions that contributed nothing to a run"),
	)
	if err != nil {
		return fmt.Errorf("create region_failures counter: %w", err)
	}

	e.resources, err = e.meter.Int64ObservableGauge(
		"taginventory_resources",
		metric.WithDescription("Tagged resources per region in the last published run"),
		metric.WithInt64Callback(e.observeResources),
	)
	if err != nil {
		return fmt.Errorf("create resources gauge: %w", err)
	}

	return nil
}

// Emit records the run.
func (e *PrometheusEmitter) Emit(ctx context.Context, m *resource.Manifest) error {
	e.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(m.Status))))
	e.runDuration.Record(ctx, m.Duration().Seconds(),
		metric.WithAttributes(attribute.String("status", string(m.Status))))

	for _, region := range m.IncompleteRegions() {
		e.regionFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("region", region)))
	}

	// Failed runs published nothing; keep the last good counts.
	if m.Status.Final() {
		e.mu.Lock()
		e.counts = maps.Clone(m.RegionCounts)
		e.mu.Unlock()
	}

	return nil
}

// observeResources is the callback for the resources gauge.
func (e *PrometheusEmitter) observeResources(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for region, n := range e.counts {
		o.Observe(int64(n), metric.WithAttributes(attribute.String("region", region)))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
