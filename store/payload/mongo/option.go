package mongo

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultDatabase   = "courier"
	DefaultCollection = "payloads"
	DefaultTimeout    = 10 * time.Second
)

// options holds MongoDB payload store configuration.
type options struct {
	database          string
	collection        string
	prefix            string
	timeout           time.Duration
	overwrite         bool
	emitExpiresMarker bool
	metadata          map[string]string
	logger            *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		database:          DefaultDatabase,
		collection:        DefaultCollection,
		timeout:           DefaultTimeout,
		emitExpiresMarker: true,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB payload store.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithPrefix sets a static key prefix prepended to every upload key.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithOverwrite allows uploads to replace existing payloads. Default is
// first writer wins: a second upload of the same key fails with
// store.ErrAlreadyExists.
func WithOverwrite(overwrite bool) Option {
	return func(o *options) {
		o.overwrite = overwrite
	}
}

// WithExpiresMarker controls whether expiry hints are recorded in document
// metadata in addition to the expires_at field. Enabled by default.
func WithExpiresMarker(enable bool) Option {
	return func(o *options) {
		o.emitExpiresMarker = enable
	}
}

// WithMetadata sets static metadata stored with every payload document.
func WithMetadata(metadata map[string]string) Option {
	return func(o *options) {
		if len(metadata) == 0 {
			return
		}
		if o.metadata == nil {
			o.metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			o.metadata[k] = v
		}
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
