package watcher

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "repowatch/watcher"

type metrics struct {
	rawEvents    metric.Int64Counter
	emitted      metric.Int64Counter
	suppressed   metric.Int64Counter
	flushLatency metric.Float64Histogram
}

// newMetrics builds the pipeline instruments from the global provider, which
// is a no-op unless the host installs one.
func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{}
	var errs []error
	var err error
	m.rawEvents, err = meter.Int64Counter("repowatch.watcher.raw_events",
		metric.WithDescription("Raw filesystem events received"))
	errs = append(errs, err)
	m.emitted, err = meter.Int64Counter("repowatch.watcher.emitted",
		metric.WithDescription("Semantic events delivered to subscribers"))
	errs = append(errs, err)
	m.suppressed, err = meter.Int64Counter("repowatch.watcher.suppressed",
		metric.WithDescription("Events suppressed by the dedupe window"))
	errs = append(errs, err)
	m.flushLatency, err = meter.Float64Histogram("repowatch.watcher.flush_latency",
		metric.WithDescription("Time from the first raw event of a burst to fanout"),
		metric.WithUnit("ms"))
	errs = append(errs, err)
	for _, err := range errs {
		if err != nil {
			slog.Warn("watcher metric unavailable", slog.Any("error", err))
		}
	}
	return m
}

func (m *metrics) raw(ctx context.Context) {
	if m.rawEvents != nil {
		m.rawEvents.Add(ctx, 1)
	}
}

func (m *metrics) emit(ctx context.Context, t EventType, latencyMS float64) {
	attrs := metric.WithAttributes(attribute.String("type", string(t)))
	if m.emitted != nil {
		m.emitted.Add(ctx, 1, attrs)
	}
	if m.flushLatency != nil {
		m.flushLatency.Record(ctx, latencyMS, attrs)
	}
}

func (m *metrics) suppress(ctx context.Context, t EventType) {
	if m.suppressed != nil {
		m.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
	}
}
