package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds trigger metrics using OTEL semantic conventions.
type DaemonMetrics struct {
	triggers    metric.Int64Counter
	runs        metric.Int64Counter
	runsActive  metric.Int64UpDownCounter
	jitterDelay metric.Float64Histogram
}

// NewDaemonMetrics creates daemon metrics on the global meter provider.
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("taginventory.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	triggers, err := meter.Int64Counter(
		"taginventory.daemon.triggers",
		metric.WithDescription("Number of schedule ticks that started a run"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter(
		"taginventory.daemon.runs",
		metric.WithDescription("Number of scheduled runs finished, by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsActive, err := meter.Int64UpDownCounter(
		"taginventory.daemon.runs.active",
		metric.WithDescription("Number of runs in progress"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	jitterDelay, err := meter.Float64Histogram(
		"taginventory.daemon.trigger.delay",
		metric.WithDescription("Delay between the nominal schedule time and the trigger"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		triggers:    triggers,
		runs:        runs,
		runsActive:  runsActive,
		jitterDelay: jitterDelay,
	}, nil
}

// RecordTrigger records a tick that fired delaySeconds after its nominal time.
func (m *DaemonMetrics) RecordTrigger(ctx context.Context, delaySeconds float64) {
	m.triggers.Add(ctx, 1)
	m.jitterDelay.Record(ctx, delaySeconds)
}

// RunStarted marks a run as in progress.
func (m *DaemonMetrics) RunStarted(ctx context.Context) {
	m.runsActive.Add(ctx, 1)
}

// RunFinished marks a run as done with its final status.
func (m *DaemonMetrics) RunFinished(ctx context.Context, status string) {
	m.runsActive.Add(ctx, -1)
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
