// Package telemetry wires OpenTelemetry metrics to the Prometheus registry
// served by the controller-runtime manager.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "stack-agent-manager"

// Init installs a MeterProvider exporting to registerer and starts Go runtime
// instrumentation. The returned function flushes and stops the provider.
func Init(registerer prometheus.Registerer, serviceVersion string) (*Metrics, func(context.Context) error, error) {
	exporter, err := promexporter.New(promexporter.WithRegisterer(registerer))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", meterName),
		attribute.String("service.version", serviceVersion),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		return nil, nil, fmt.Errorf("start runtime instrumentation: %w", err)
	}

	m, err := NewMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, nil, err
	}
	return m, mp.Shutdown, nil
}

// Metrics holds the service's instruments. A nil *Metrics records nothing.
type Metrics struct {
	operations    metric.Int64Counter
	duration      metric.Float64Histogram
	registry      metric.Int64Counter
	statusChanges metric.Int64Counter
	archiveBytes  metric.Int64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.operations, err = meter.Int64Counter("sam_lifecycle_operations_total",
		metric.WithDescription("Lifecycle operations by entity, operation and result")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("sam_lifecycle_operation_duration_seconds",
		metric.WithDescription("Duration of lifecycle operations"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.registry, err = meter.Int64Counter("sam_registry_writes_total",
		metric.WithDescription("Graph registry writes by result")); err != nil {
		return nil, err
	}
	if m.statusChanges, err = meter.Int64Counter("sam_poller_status_changes_total",
		metric.WithDescription("Status corrections applied by the reconciliation poller")); err != nil {
		return nil, err
	}
	if m.archiveBytes, err = meter.Int64Histogram("sam_archive_bytes",
		metric.WithDescription("Size of accepted agent archives"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Noop returns Metrics backed by a no-op meter, for tests.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

// RecordOperation counts a finished lifecycle operation.
func (m *Metrics) RecordOperation(ctx context.Context, entity, operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.operations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRegistryWrite counts a graph registry update.
func (m *Metrics) RecordRegistryWrite(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.registry.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordStatusChange counts a status written by the poller.
func (m *Metrics) RecordStatusChange(ctx context.Context, entity, to string) {
	if m == nil {
		return
	}
	m.statusChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("to", to),
	))
}

// RecordArchive records the size of an accepted archive.
func (m *Metrics) RecordArchive(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.archiveBytes.Record(ctx, size)
}
