// Package telemetry sets up the OpenTelemetry meter the scheduler records
// into. No exporter is linked in; when enabled, instruments are collected
// by a manual reader and summarised into the log on an interval.
package telemetry

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/config"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
)

// DefaultReportInterval is how often an enabled provider logs a snapshot.
const DefaultReportInterval = 5 * time.Minute

const scope = "github.com/teranos/pulsed"

// Provider hands out the meter and tracer for the process.
type Provider struct {
	Meter  metric.Meter
	Tracer trace.Tracer

	mp       *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	interval time.Duration
	logger   *zap.SugaredLogger
}

// Setup builds a provider. A disabled config yields no-op instruments.
func Setup(cfg config.TelemetryConfig, interval time.Duration, log *zap.SugaredLogger) *Provider {
	if log == nil {
		log = logger.Logger
	}
	p := &Provider{
		Meter:  metricnoop.NewMeterProvider().Meter(scope),
		Tracer: tracenoop.NewTracerProvider().Tracer(scope),
		logger: log.Named("telemetry"),
	}
	if !cfg.Enabled {
		return p
	}
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	name := cfg.ServiceName
	if name == "" {
		name = "pulsed"
	}
	p.reader = sdkmetric.NewManualReader()
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(p.reader),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	p.Meter = p.mp.Meter(scope)
	p.interval = interval
	return p
}

// Enabled reports whether instruments are recorded.
func (p *Provider) Enabled() bool { return p.mp != nil }

// Snapshot collects the current values. Counters report their total;
// histograms report "<name>.count" and "<name>.sum".
func (p *Provider) Snapshot(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	if p.reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, errors.Wrap(err, "failed to collect metrics")
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name+".count"] += float64(dp.Count)
					out[m.Name+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

// Run logs a snapshot every interval until ctx ends. It returns at once
// when telemetry is disabled.
func (p *Provider) Run(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.report(ctx)
		}
	}
}

func (p *Provider) report(ctx context.Context) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		p.logger.Warnw("Telemetry snapshot failed", logger.FieldError, err)
		return
	}
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	kv := make([]interface{}, 0, 2*len(names))
	for _, name := range names {
		kv = append(kv, name, snap[name])
	}
	p.logger.Infow("Telemetry snapshot", kv...)
}

// Shutdown releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}
