package courier

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
	instrumentationName = "github.com/rbaliyan/courier"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the payload policy.
type otelInstrumentation struct {
	enabled     bool
	serviceName string

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Prepare (outbound) operations
	prepareLatency metric.Float64Histogram
	prepareCount   metric.Int64Counter
	prepareErrors  metric.Int64Counter

	// Resolve (inbound) operations
	resolveLatency metric.Float64Histogram
	resolveCount   metric.Int64Counter
	resolveErrors  metric.Int64Counter

	// Externalization outcomes
	externalizedCount metric.Int64Counter
	inlineCount       metric.Int64Counter
	bytesSaved        metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		serviceName:    opts.serviceName,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}
	if o.serviceName == "" {
		o.serviceName = "courier"
	}

	if !o.enabled {
		return o, nil
	}

	// Initialize tracer
	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	// Initialize metrics
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

	// Prepare metrics
	o.prepareLatency, err = meter.Float64Histogram(
		"payload.prepare.duration",
		metric.WithDescription("Duration of outbound payload preparation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.prepareCount, err = meter.Int64Counter(
		"payload.prepare.count",
		metric.WithDescription("Number of outbound envelopes prepared"),
	)
	if err != nil {
		return err
	}

	o.prepareErrors, err = meter.Int64Counter(
		"payload.prepare.errors",
		metric.WithDescription("Number of prepare errors"),
	)
	if err != nil {
		return err
	}

	// Resolve metrics
	o.resolveLatency, err = meter.Float64Histogram(
		"payload.resolve.duration",
		metric.WithDescription("Duration of inbound payload resolution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.resolveCount, err = meter.Int64Counter(
		"payload.resolve.count",
		metric.WithDescription("Number of inbound envelopes resolved"),
	)
	if err != nil {
		return err
	}

	o.resolveErrors, err = meter.Int64Counter(
		"payload.resolve.errors",
		metric.WithDescription("Number of resolve errors"),
	)
	if err != nil {
		return err
	}

	// Externalization outcome metrics
	o.externalizedCount, err = meter.Int64Counter(
		"payload.externalized.count",
		metric.WithDescription("Number of payloads moved to the payload store"),
	)
	if err != nil {
		return err
	}

	o.inlineCount, err = meter.Int64Counter(
		"payload.inline.count",
		metric.WithDescription("Number of payloads kept inline"),
	)
	if err != nil {
		return err
	}

	o.bytesSaved, err = meter.Int64Counter(
		"payload.bytes.saved",
		metric.WithDescription("Bytes removed from the message channel by externalization"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned func records the error and ends the span.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	attrs = append(attrs, attribute.String("service.name", o.serviceName))
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
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

// recordPrepare records outbound preparation metrics.
func (o *otelInstrumentation) recordPrepare(ctx context.Context, duration time.Duration, externalized bool, originalBytes, channelBytes int64, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("externalized", externalized),
	)

	o.prepareLatency.Record(ctx, duration.Seconds(), attrs)
	o.prepareCount.Add(ctx, 1, attrs)
	if err != nil {
		o.prepareErrors.Add(ctx, 1, attrs)
		return
	}

	if externalized {
		o.externalizedCount.Add(ctx, 1)
		if saved := originalBytes - channelBytes; saved > 0 {
			o.bytesSaved.Add(ctx, saved)
		}
	} else {
		o.inlineCount.Add(ctx, 1)
	}
}

// recordResolve records inbound resolution metrics.
func (o *otelInstrumentation) recordResolve(ctx context.Context, duration time.Duration, external bool, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("external", external),
	)

	o.resolveLatency.Record(ctx, duration.Seconds(), attrs)
	o.resolveCount.Add(ctx, 1, attrs)
	if err != nil {
		o.resolveErrors.Add(ctx, 1, attrs)
	}
}
