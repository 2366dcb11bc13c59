package postgres

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultTable   = "payloads"
	DefaultTimeout = 10 * time.Second
)

// options holds PostgreSQL store configuration.
type options struct {
	table   string
	prefix  string
	timeout time.Duration

	// Write semantics
	overwrite         bool
	emitExpiresMarker bool

	// Static metadata recorded with every payload
	metadata map[string]string

	logger *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:             DefaultTable,
		timeout:           DefaultTimeout,
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

// Option configures a PostgreSQL store.
type Option func(*options)

// WithTable sets the table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithPrefix sets a static key prefix combined with the per-upload key.
// Default is no prefix.
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
// disabled: uploads insert with ON CONFLICT DO NOTHING and a second
// write to the same key fails with ErrAlreadyExists.
func WithOverwrite(enabled bool) Option {
	return func(o *options) {
		o.overwrite = enabled
	}
}

// WithExpiresMarker controls whether a requested expiry is recorded in
// the payload's metadata document in addition to the expires_at column.
// Default is enabled.
func WithExpiresMarker(enabled bool) Option {
	return func(o *options) {
		o.emitExpiresMarker = enabled
	}
}

// WithMetadata sets static metadata recorded with every payload.
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
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
