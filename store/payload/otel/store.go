// Package otel provides OpenTelemetry instrumentation for payload stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/courier/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/courier/store/payload/otel"
)

// Store wraps a PayloadStore with OpenTelemetry instrumentation.
type Store struct {
	backend store.PayloadStore
	opts    *options

	// Tracing
	tracer trace.Tracer

	// Metrics
	uploadLatency   metric.Float64Histogram
	uploadCount     metric.Int64Counter
	uploadBytes     metric.Int64Counter
	uploadErrors    metric.Int64Counter
	downloadLatency metric.Float64Histogram
	downloadCount   metric.Int64Counter
	downloadBytes   metric.Int64Counter
	downloadErrors  metric.Int64Counter
	deleteLatency   metric.Float64Histogram
	deleteCount     metric.Int64Counter
	deleteErrors    metric.Int64Counter
}

// Ensure Store implements PayloadStore.
var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// New creates a new OTel-instrumented payload store wrapping the given backend.
func New(backend store.PayloadStore, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "courier",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{
		backend: backend,
		opts:    o,
	}

	// Initialize tracer
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}

	// Initialize metrics
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	return s, nil
}

// initMetrics initializes all metric instruments.
func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Upload metrics
	s.uploadLatency, err = meter.Float64Histogram(
		"payload.upload.duration",
		metric.WithDescription("Duration of payload upload operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.uploadCount, err = meter.Int64Counter(
		"payload.upload.count",
		metric.WithDescription("Number of payload upload operations"),
	)
	if err != nil {
		return err
	}

	s.uploadBytes, err = meter.Int64Counter(
		"payload.upload.bytes",
		metric.WithDescription("Total bytes uploaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	s.uploadErrors, err = meter.Int64Counter(
		"payload.upload.errors",
		metric.WithDescription("Number of upload errors"),
	)
	if err != nil {
		return err
	}

	// Download metrics
	s.downloadLatency, err = meter.Float64Histogram(
		"payload.download.duration",
		metric.WithDescription("Duration of payload download operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.downloadCount, err = meter.Int64Counter(
		"payload.download.count",
		metric.WithDescription("Number of payload download operations"),
	)
	if err != nil {
		return err
	}

	s.downloadBytes, err = meter.Int64Counter(
		"payload.download.bytes",
		metric.WithDescription("Total bytes downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	s.downloadErrors, err = meter.Int64Counter(
		"payload.download.errors",
		metric.WithDescription("Number of download errors"),
	)
	if err != nil {
		return err
	}

	// Delete metrics
	s.deleteLatency, err = meter.Float64Histogram(
		"payload.delete.duration",
		metric.WithDescription("Duration of payload delete operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.deleteCount, err = meter.Int64Counter(
		"payload.delete.count",
		metric.WithDescription("Number of payload delete operations"),
	)
	if err != nil {
		return err
	}

	s.deleteErrors, err = meter.Int64Counter(
		"payload.delete.errors",
		metric.WithDescription("Number of delete errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// SupportsConditionalPut reports the wrapped backend's capability. A
// backend that does not implement store.ConditionalPutter cannot promise
// create-if-absent semantics, so the answer for it is false.
func (s *Store) SupportsConditionalPut() bool {
	if cp, ok := s.backend.(store.ConditionalPutter); ok {
		return cp.SupportsConditionalPut()
	}
	return false
}

// Upload stores content with tracing and metrics.
func (s *Store) Upload(ctx context.Context, content io.Reader, keyPrefix string, opts ...store.UploadOption) (string, error) {
	attrs := []attribute.KeyValue{
		attribute.String("payload.key_prefix", keyPrefix),
		attribute.String("service.name", s.opts.serviceName),
	}

	// Start span if tracing is enabled
	if s.opts.tracingEnabled && s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "payload.upload",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	start := time.Now()

	// Wrap reader to count bytes
	countingReader := &countingReader{reader: content}

	ref, err := s.backend.Upload(ctx, countingReader, keyPrefix, opts...)

	duration := time.Since(start).Seconds()

	// Record metrics
	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.uploadLatency.Record(ctx, duration, metricAttrs)
		s.uploadCount.Add(ctx, 1, metricAttrs)
		s.uploadBytes.Add(ctx, countingReader.bytes, metricAttrs)

		if err != nil {
			s.uploadErrors.Add(ctx, 1, metricAttrs)
		}
	}

	// Record span status
	if s.opts.tracingEnabled && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("payload.ref", ref),
				attribute.Int64("payload.bytes", countingReader.bytes),
			)
			span.SetStatus(codes.Ok, "")
		}
	}

	return ref, err
}

// Download returns a reader for the payload content with tracing and metrics.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	attrs := []attribute.KeyValue{
		attribute.String("payload.ref", ref),
		attribute.String("service.name", s.opts.serviceName),
	}

	// Start span if tracing is enabled
	var span trace.Span
	if s.opts.tracingEnabled && s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "payload.download",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		// Note: span.End() is called when the reader is closed
	}

	start := time.Now()

	reader, err := s.backend.Download(ctx, ref)

	duration := time.Since(start).Seconds()

	// Record metrics for the initial request
	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.downloadLatency.Record(ctx, duration, metricAttrs)
		s.downloadCount.Add(ctx, 1, metricAttrs)

		if err != nil {
			s.downloadErrors.Add(ctx, 1, metricAttrs)
		}
	}

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
		return nil, err
	}

	// Wrap reader to track bytes and end span on close
	return &instrumentedReader{
		reader: reader,
		span:   span,
		store:  s,
		ctx:    ctx,
		attrs:  attrs,
	}, nil
}

// Delete removes the payload with tracing and metrics.
func (s *Store) Delete(ctx context.Context, ref string) error {
	attrs := []attribute.KeyValue{
		attribute.String("payload.ref", ref),
		attribute.String("service.name", s.opts.serviceName),
	}

	// Start span if tracing is enabled
	if s.opts.tracingEnabled && s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "payload.delete",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	start := time.Now()

	err := s.backend.Delete(ctx, ref)

	duration := time.Since(start).Seconds()

	// Record metrics
	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.deleteLatency.Record(ctx, duration, metricAttrs)
		s.deleteCount.Add(ctx, 1, metricAttrs)

		if err != nil {
			s.deleteErrors.Add(ctx, 1, metricAttrs)
		}
	}

	// Record span status
	if s.opts.tracingEnabled && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	return err
}

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

// instrumentedReader wraps an io.ReadCloser with instrumentation.
type instrumentedReader struct {
	reader io.ReadCloser
	span   trace.Span
	store  *Store
	ctx    context.Context
	attrs  []attribute.KeyValue
	bytes  int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.reader.Close()

	// Record bytes downloaded
	if r.store.opts.metricsEnabled {
		r.store.downloadBytes.Add(r.ctx, r.bytes, metric.WithAttributes(r.attrs...))
	}

	// End span
	if r.span != nil {
		r.span.SetAttributes(attribute.Int64("payload.bytes", r.bytes))
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, err.Error())
		} else {
			r.span.SetStatus(codes.Ok, "")
		}
		r.span.End()
	}

	return err
}
