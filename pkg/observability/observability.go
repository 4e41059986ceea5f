// Package observability wires OpenTelemetry metric instruments for stage
// timing and row counts. The engine is a batch CLI with no long-lived OTLP
// collector to export to, so the meter provider is backed by a manual
// reader and Collect turns its accumulated data points directly into
// contracts.PerformanceMetric rows for the persistence gateway to store.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// Config configures the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
}

// DefaultConfig returns the engine's default observability configuration.
func DefaultConfig() Config {
	return Config{ServiceName: "aimo-evidence-engine", ServiceVersion: "1.0.0", Enabled: true}
}

// Provider manages the meter provider and the instruments every stage
// records into.
type Provider struct {
	config Config
	logger *slog.Logger

	reader        *sdkmetric.ManualReader
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	stageDuration metric.Float64Histogram
	rowCounter    metric.Int64Counter
	errorCounter  metric.Int64Counter
}

// New creates a provider. When cfg.Enabled is false every instrument call
// becomes a no-op (checked via nil instruments) so a disabled provider can
// still be passed around without branching at call sites.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{config: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	p.reader = sdkmetric.NewManualReader()
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.reader),
	)
	p.meter = p.meterProvider.Meter("aimo.evidence_engine",
		metric.WithInstrumentationVersion(cfg.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.stageDuration, err = p.meter.Float64Histogram("aimo.stage.duration",
		metric.WithDescription("Stage execution duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return err
	}
	p.rowCounter, err = p.meter.Int64Counter("aimo.stage.rows",
		metric.WithDescription("Rows processed by a stage"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("aimo.stage.errors",
		metric.WithDescription("Errors encountered by a stage"),
		metric.WithUnit("{error}"),
	)
	return err
}

// StageTimer starts timing a stage and returns a function that records its
// duration and row count when the stage finishes.
func (p *Provider) StageTimer(ctx context.Context, stage contracts.Stage, stageName string) func(rowCount int64, err error) {
	started := time.Now()
	return func(rowCount int64, err error) {
		attrs := metric.WithAttributes(attribute.String("stage", stageName))
		if p.stageDuration != nil {
			p.stageDuration.Record(ctx, time.Since(started).Seconds(), attrs)
		}
		if p.rowCounter != nil && rowCount > 0 {
			p.rowCounter.Add(ctx, rowCount, attrs)
		}
		if err != nil && p.errorCounter != nil {
			p.errorCounter.Add(ctx, 1, attrs)
		}
	}
}

// Collect snapshots every data point accumulated since the last Collect and
// converts it into PerformanceMetric rows ready for the persistence gateway.
// It returns an empty slice, not an error, when observability is disabled.
func (p *Provider) Collect(ctx context.Context, runID string) ([]contracts.PerformanceMetric, error) {
	if p.reader == nil {
		return nil, nil
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("observability: collect: %w", err)
	}

	now := time.Now().UTC()
	var rows []contracts.PerformanceMetric
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			rows = append(rows, flattenMetric(runID, m, now)...)
		}
	}
	return rows, nil
}

func flattenMetric(runID string, m metricdata.Metrics, recordedAt time.Time) []contracts.PerformanceMetric {
	var rows []contracts.PerformanceMetric
	switch data := m.Data.(type) {
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			rows = append(rows, contracts.PerformanceMetric{
				RunID:      runID,
				MetricName: m.Name + "." + stageAttr(dp.Attributes),
				Value:      dp.Sum / float64(maxUint64(dp.Count, 1)),
				Unit:       m.Unit,
				StartedAt:  dp.StartTime,
				FinishedAt: dp.Time,
				RecordedAt: recordedAt,
			})
		}
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			rows = append(rows, contracts.PerformanceMetric{
				RunID:      runID,
				MetricName: m.Name + "." + stageAttr(dp.Attributes),
				Value:      float64(dp.Value),
				Unit:       m.Unit,
				StartedAt:  dp.StartTime,
				FinishedAt: dp.Time,
				RecordedAt: recordedAt,
			})
		}
	}
	return rows
}

func stageAttr(set attribute.Set) string {
	if v, ok := set.Value("stage"); ok {
		return v.AsString()
	}
	return "unknown"
}

func maxUint64(v uint64, min uint64) uint64 {
	if v < min {
		return min
	}
	return v
}

// Shutdown releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
