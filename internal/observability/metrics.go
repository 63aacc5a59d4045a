package observability

import (
	"context"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PushJob is the Pushgateway job label for pushed metrics.
const PushJob = "local_ci"

// Metrics holds the dispatcher's metrics, covering:
// - Latency: how long runs and their steps take
// - Traffic: runs started per kind
// - Errors: failed replicas, exports and retrievals
// - Saturation: compute units held at once
//
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prom.Registry

	RunDuration  metric.Float64Histogram
	RunsTotal    metric.Int64Counter
	StepDuration metric.Float64Histogram

	ReplicaFailures metric.Int64Counter
	ExportErrors    metric.Int64Counter
	RetrievalErrors metric.Int64Counter
	SnapshotsTotal  metric.Int64Counter
	UnitsActive     metric.Int64UpDownCounter
}

// NewMetrics creates all metrics on a dedicated Prometheus registry.
func NewMetrics(ctx context.Context) (*Metrics, error) {
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("local-ci")
	m := &Metrics{meter: meter, provider: provider, registry: registry}

	m.RunDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Dispatcher run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter(
		"runs_total",
		metric.WithDescription("Total number of dispatcher runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram(
		"step_duration_seconds",
		metric.WithDescription("Duration of a single step inside a compute unit"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.ReplicaFailures, err = meter.Int64Counter(
		"replica_failures_total",
		metric.WithDescription("Total number of multi-run replicas that did not succeed"),
	)
	if err != nil {
		return nil, err
	}

	m.ExportErrors, err = meter.Int64Counter(
		"export_errors_total",
		metric.WithDescription("Total number of failed artifact exports"),
	)
	if err != nil {
		return nil, err
	}

	m.RetrievalErrors, err = meter.Int64Counter(
		"retrieval_errors_total",
		metric.WithDescription("Total number of failed artifact retrievals or uploads"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotsTotal, err = meter.Int64Counter(
		"prometheus_snapshots_total",
		metric.WithDescription("Total number of monitoring database snapshots attempted"),
	)
	if err != nil {
		return nil, err
	}

	m.UnitsActive, err = meter.Int64UpDownCounter(
		"units_active",
		metric.WithDescription("Number of compute units currently held (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRunStarted records a run being started.
func (m *Metrics) RecordRunStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.RunsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordRunCompleted records a run finishing.
func (m *Metrics) RecordRunCompleted(ctx context.Context, kind string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.Record(ctx, durationSeconds, metric.WithAttributes(kindAttr(kind), successAttr(success)))
}

// RecordStep records one step executed in a unit.
func (m *Metrics) RecordStep(ctx context.Context, step string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StepDuration.Record(ctx, durationSeconds, metric.WithAttributes(stepAttr(step), successAttr(success)))
}

// RecordUnitAcquired records a unit being held.
func (m *Metrics) RecordUnitAcquired(ctx context.Context) {
	if m == nil {
		return
	}
	m.UnitsActive.Add(ctx, 1)
}

// RecordUnitReleased records a unit being given back.
func (m *Metrics) RecordUnitReleased(ctx context.Context) {
	if m == nil {
		return
	}
	m.UnitsActive.Add(ctx, -1)
}

// RecordReplicaFailed records a replica that did not succeed.
func (m *Metrics) RecordReplicaFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReplicaFailures.Add(ctx, 1)
}

// RecordExportFailed records a failed export.
func (m *Metrics) RecordExportFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ExportErrors.Add(ctx, 1)
}

// RecordRetrievalFailed records a failed retrieval or upload.
func (m *Metrics) RecordRetrievalFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.RetrievalErrors.Add(ctx, 1)
}

// RecordSnapshot records a monitoring database snapshot attempt.
func (m *Metrics) RecordSnapshot(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// Gatherer exposes the registry backing the metrics.
func (m *Metrics) Gatherer() prom.Gatherer {
	return m.registry
}

// Push sends the current metric values to a Pushgateway.
func (m *Metrics) Push(ctx context.Context, url string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, PushJob).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
