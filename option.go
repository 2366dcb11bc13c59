package courier

import (
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	// DefaultPayloadThreshold is the body size in bytes above which a
	// payload is externalized. Bodies of exactly this size stay inline.
	DefaultPayloadThreshold = 256 * 1024 // 256 KiB

	// DefaultKeyPrefix is prepended to the message ID when deriving the
	// payload store key.
	DefaultKeyPrefix = "payloads"
)

// options holds payload policy configuration.
type options struct {
	threshold   int
	compression bool
	keyPrefix   string
	logger      *slog.Logger

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		threshold: DefaultPayloadThreshold,
		keyPrefix: DefaultKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Option configures a payload policy.
type Option func(*options)

// --- Core Options ---

// WithThreshold sets the externalization threshold in bytes. Bodies
// strictly larger than the threshold are uploaded to the payload store;
// bodies of exactly the threshold size stay inline. Zero externalizes
// every non-empty body. Negative values fail policy construction.
// Default is 256 KiB.
func WithThreshold(n int) Option {
	return func(o *options) {
		o.threshold = n
	}
}

// WithCompression enables gzip compression of externalized payloads.
// The integrity digest always covers the original uncompressed bytes.
// Default is disabled.
func WithCompression(enabled bool) Option {
	return func(o *options) {
		o.compression = enabled
	}
}

// WithKeyPrefix sets the key prefix under which payloads are stored.
// The store key for a message is "<prefix>/<messageID>". A prefix that
// is empty after trimming separators fails policy construction.
// Default is "payloads".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// When enabled, spans are created for prepare and resolve operations.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// When enabled, metrics are collected for prepare and resolve operations.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
// This is a convenience function equivalent to calling
// WithTracing(true) and WithMetrics(true).
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for OpenTelemetry telemetry.
// Default is "courier".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// validate checks option consistency. Called from NewPayloadPolicy so
// misconfiguration fails at construction, not on the first send.
func (o *options) validate() error {
	if o.threshold < 0 {
		return ErrInvalidThreshold
	}
	if strings.Trim(o.keyPrefix, "/ \t\r\n") == "" {
		return ErrBlankKeyPrefix
	}
	return nil
}

// --- Per-call Options ---

// prepareOptions holds per-call configuration for PrepareOutbound.
type prepareOptions struct {
	expiresAt time.Time
}

func newPrepareOptions(opts ...PrepareOption) *prepareOptions {
	o := &prepareOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// PrepareOption configures a single PrepareOutbound call.
type PrepareOption func(*prepareOptions)

// WithUploadExpiry requests an expiry for the uploaded payload. The
// instant is normalized to UTC, forwarded to the store as an upload
// option, and recorded on the outbound envelope. Zero times are ignored.
func WithUploadExpiry(t time.Time) PrepareOption {
	return func(o *prepareOptions) {
		if !t.IsZero() {
			o.expiresAt = t.UTC()
		}
	}
}
