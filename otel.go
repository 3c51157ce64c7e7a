package mailbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/mailbus"
)

// Delivery outcomes recorded on mailbus.delivery.count.
const (
	outcomeAcked        = "acked"
	outcomeRetrying     = "retrying"
	outcomeDeadLettered = "dead_lettered"
	outcomeMalformed    = "malformed"
	outcomeRequeued     = "requeued"
)

// otelInstrumentation holds OpenTelemetry instrumentation for one event bus.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	dispatchLatency metric.Float64Histogram
	dispatchCount   metric.Int64Counter
	dispatchErrors  metric.Int64Counter

	deliveryLatency metric.Float64Histogram
	deliveryCount   metric.Int64Counter
	retryCount      metric.Int64Counter
	deadLetterCount metric.Int64Counter

	keyDeliveryCount metric.Int64Counter
	keyErrors        metric.Int64Counter

	sweepCleaned metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	o.dispatchLatency, err = meter.Float64Histogram(
		"mailbus.dispatch.duration",
		metric.WithDescription("Duration of dispatch operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.dispatchCount, err = meter.Int64Counter(
		"mailbus.dispatch.count",
		metric.WithDescription("Number of dispatched events"),
	)
	if err != nil {
		return err
	}

	o.dispatchErrors, err = meter.Int64Counter(
		"mailbus.dispatch.errors",
		metric.WithDescription("Number of failed dispatches"),
	)
	if err != nil {
		return err
	}

	o.deliveryLatency, err = meter.Float64Histogram(
		"mailbus.delivery.duration",
		metric.WithDescription("Duration of group listener invocations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.deliveryCount, err = meter.Int64Counter(
		"mailbus.delivery.count",
		metric.WithDescription("Number of group deliveries by outcome"),
	)
	if err != nil {
		return err
	}

	o.retryCount, err = meter.Int64Counter(
		"mailbus.delivery.retries",
		metric.WithDescription("Number of group listener retries"),
	)
	if err != nil {
		return err
	}

	o.deadLetterCount, err = meter.Int64Counter(
		"mailbus.dead_letter.count",
		metric.WithDescription("Number of events stored as dead letters"),
	)
	if err != nil {
		return err
	}

	o.keyDeliveryCount, err = meter.Int64Counter(
		"mailbus.key.delivery.count",
		metric.WithDescription("Number of key listener invocations"),
	)
	if err != nil {
		return err
	}

	o.keyErrors, err = meter.Int64Counter(
		"mailbus.key.errors",
		metric.WithDescription("Number of key path Redis failures"),
	)
	if err != nil {
		return err
	}

	o.sweepCleaned, err = meter.Int64Counter(
		"mailbus.sweep.cleaned",
		metric.WithDescription("Number of dangling bindings removed by background sweeps"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller should call the returned function with the operation error when done.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(kind),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordDispatch records dispatch metrics.
func (o *otelInstrumentation) recordDispatch(ctx context.Context, duration time.Duration, keyCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("key_count", keyCount),
	)

	o.dispatchLatency.Record(ctx, duration.Seconds(), attrs)
	o.dispatchCount.Add(ctx, 1, attrs)
	if err != nil {
		o.dispatchErrors.Add(ctx, 1, attrs)
	}
}

// recordDelivery records how a group delivery was settled.
func (o *otelInstrumentation) recordDelivery(ctx context.Context, group Group, outcome string) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("group", group.AsString()),
		attribute.String("outcome", outcome),
	)
	o.deliveryCount.Add(ctx, 1, attrs)
}

// recordAttempt records the duration of one group listener invocation.
func (o *otelInstrumentation) recordAttempt(ctx context.Context, group Group, duration time.Duration) {
	if !o.metricsEnabled {
		return
	}
	o.deliveryLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("group", group.AsString())))
}

func (o *otelInstrumentation) recordRetry(ctx context.Context, group Group) {
	if !o.metricsEnabled {
		return
	}
	o.retryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group.AsString())))
}

func (o *otelInstrumentation) recordDeadLetter(ctx context.Context, group Group) {
	if !o.metricsEnabled {
		return
	}
	o.deadLetterCount.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group.AsString())))
}

// recordKeyDelivery records a key listener invocation.
func (o *otelInstrumentation) recordKeyDelivery(ctx context.Context, mode ExecutionMode, err error) {
	if !o.metricsEnabled {
		return
	}
	o.keyDeliveryCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.Bool("error", err != nil),
	))
}

func (o *otelInstrumentation) recordKeyError(ctx context.Context, op string) {
	if !o.metricsEnabled {
		return
	}
	o.keyErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (o *otelInstrumentation) recordSweep(ctx context.Context, cleaned int64) {
	if !o.metricsEnabled {
		return
	}
	o.sweepCleaned.Add(ctx, cleaned)
}
