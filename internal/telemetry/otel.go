// Package telemetry instruments the client with OpenTelemetry metrics
// and traces. A nil *Provider is a valid no-op, so callers never guard
// their record calls.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "pennant"
	tracerName = "pennant"
)

// Provider owns the client's meters and tracer.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	evaluations     metric.Int64Counter
	captures        metric.Int64Counter
	queueDropped    metric.Int64Counter
	suppressionHits metric.Int64Counter
	flushSuccess    metric.Int64Counter
	flushFailure    metric.Int64Counter
	flushDuration   metric.Float64Histogram
	refreshSuccess  metric.Int64Counter
	refreshFailure  metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// New creates a provider backed by the global OTel meter and tracer
// providers.
func New() (*Provider, error) {
	p := &Provider{
		tracer: otel.Tracer(tracerName),
		meter:  otel.Meter(meterName),
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.evaluations, err = p.meter.Int64Counter(
		"pennant.flag.evaluations",
		metric.WithDescription("Number of feature flag evaluations"),
	)
	if err != nil {
		return err
	}

	p.captures, err = p.meter.Int64Counter(
		"pennant.capture.accepted",
		metric.WithDescription("Number of events accepted into the queue"),
	)
	if err != nil {
		return err
	}

	p.queueDropped, err = p.meter.Int64Counter(
		"pennant.capture.dropped",
		metric.WithDescription("Number of events dropped because the queue was full"),
	)
	if err != nil {
		return err
	}

	p.suppressionHits, err = p.meter.Int64Counter(
		"pennant.flag_called.suppressed",
		metric.WithDescription("Number of $feature_flag_called events suppressed by the sent cache"),
	)
	if err != nil {
		return err
	}

	p.flushSuccess, err = p.meter.Int64Counter(
		"pennant.flush.success",
		metric.WithDescription("Number of batches delivered"),
	)
	if err != nil {
		return err
	}

	p.flushFailure, err = p.meter.Int64Counter(
		"pennant.flush.failure",
		metric.WithDescription("Number of batches dropped after retries"),
	)
	if err != nil {
		return err
	}

	p.flushDuration, err = p.meter.Float64Histogram(
		"pennant.flush.duration",
		metric.WithDescription("Duration of batch delivery attempts"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	p.refreshSuccess, err = p.meter.Int64Counter(
		"pennant.ruleset.refresh.success",
		metric.WithDescription("Number of successful rule set refreshes"),
	)
	if err != nil {
		return err
	}

	p.refreshFailure, err = p.meter.Int64Counter(
		"pennant.ruleset.refresh.failure",
		metric.WithDescription("Number of failed rule set refreshes"),
	)
	if err != nil {
		return err
	}

	p.refreshDuration, err = p.meter.Float64Histogram(
		"pennant.ruleset.refresh.duration",
		metric.WithDescription("Duration of rule set refresh operations"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordEvaluation records one flag evaluation and where it was
// decided ("local" or "remote").
func (p *Provider) RecordEvaluation(ctx context.Context, flagKey, source string) {
	if p == nil {
		return
	}
	p.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("source", source),
	))
}

// RecordCapture records one event accepted into the queue.
func (p *Provider) RecordCapture(ctx context.Context, event string) {
	if p == nil {
		return
	}
	p.captures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
	))
}

// RecordQueueDrop records one event dropped on a full queue.
func (p *Provider) RecordQueueDrop(ctx context.Context) {
	if p == nil {
		return
	}
	p.queueDropped.Add(ctx, 1)
}

// RecordSuppression records one $feature_flag_called event suppressed
// by the sent cache.
func (p *Provider) RecordSuppression(ctx context.Context, flagKey string) {
	if p == nil {
		return
	}
	p.suppressionHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.key", flagKey),
	))
}

// RecordFlush records one batch delivery attempt.
func (p *Provider) RecordFlush(ctx context.Context, success bool, duration time.Duration, batchSize int) {
	if p == nil {
		return
	}
	p.flushDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", success)))
	if success {
		p.flushSuccess.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("batch.size", batchSize),
		))
	} else {
		p.flushFailure.Add(ctx, 1)
	}
}

// RecordRefresh records one rule set refresh.
func (p *Provider) RecordRefresh(ctx context.Context, success bool, duration time.Duration, flagCount int) {
	if p == nil {
		return
	}
	p.refreshDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", success)))
	if success {
		p.refreshSuccess.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("flag.count", flagCount),
		))
	} else {
		p.refreshFailure.Add(ctx, 1)
	}
}

// StartSpan starts a trace span around a remote call.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
