package redis

import (
	"log/slog"
)

// options holds redis store configuration.
type options struct {
	prefix string

	// Write semantics
	overwrite         bool
	emitExpiresMarker bool
	ttlFromExpiry     bool

	// Static metadata recorded in every payload frame
	metadata map[string]string

	// Logger
	logger *slog.Logger
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		emitExpiresMarker: true,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Option configures the redis store.
type Option func(*options)

// WithPrefix sets a static key prefix combined with the per-upload key.
// Default is no prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithOverwrite allows uploads to replace existing payloads. Default is
// disabled: uploads use SET NX and a second write to the same key fails
// with ErrAlreadyExists.
func WithOverwrite(enabled bool) Option {
	return func(o *options) {
		o.overwrite = enabled
	}
}

// WithExpiresMarker controls whether a requested expiry is recorded in
// the payload frame and enforced on reads. Default is enabled.
func WithExpiresMarker(enabled bool) Option {
	return func(o *options) {
		o.emitExpiresMarker = enabled
	}
}

// WithTTLFromExpiry additionally converts a requested expiry into a key
// TTL, letting redis evict the payload itself. Expiries already in the
// past are stored without a TTL and caught by the read-time marker check
// instead. Default is disabled: expiry is advisory metadata only.
func WithTTLFromExpiry(enabled bool) Option {
	return func(o *options) {
		o.ttlFromExpiry = enabled
	}
}

// WithMetadata sets static metadata recorded in every payload frame.
// The map is copied.
func WithMetadata(metadata map[string]string) Option {
	return func(o *options) {
		if len(metadata) == 0 {
			return
		}
		m := make(map[string]string, len(metadata))
		for k, v := range metadata {
			m[k] = v
		}
		o.metadata = m
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
