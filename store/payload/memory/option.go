package memory

import (
	"log/slog"
)

// options holds in-memory store configuration.
type options struct {
	prefix string

	overwrite         bool
	conditionalPut    bool
	emitExpiresMarker bool

	metadata map[string]string

	logger *slog.Logger
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		conditionalPut:    true,
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

// Option configures the in-memory store.
type Option func(*options)

// WithPrefix sets a static key prefix combined with the per-upload key.
// Default is no prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithOverwrite allows uploads to replace existing payloads instead of
// failing with ErrAlreadyExists. Default is disabled (first writer wins).
func WithOverwrite(enabled bool) Option {
	return func(o *options) {
		o.overwrite = enabled
	}
}

// WithConditionalPut declares whether create-if-absent semantics are
// available. Setting this to false models a backend without conditional
// writes: uploads with overwrite disabled fail fast. Default is true.
func WithConditionalPut(supported bool) Option {
	return func(o *options) {
		o.conditionalPut = supported
	}
}

// WithExpiresMarker controls whether a requested expiry is recorded in
// payload metadata. Default is enabled.
func WithExpiresMarker(enabled bool) Option {
	return func(o *options) {
		o.emitExpiresMarker = enabled
	}
}

// WithMetadata sets static metadata attached to every upload. The map is
// copied.
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
