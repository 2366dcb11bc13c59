package fs

import (
	"io/fs"
	"log/slog"
)

// options holds filesystem store configuration.
type options struct {
	prefix string

	// Write semantics
	overwrite         bool
	emitExpiresMarker bool

	// Permissions for created files and directories
	fileMode fs.FileMode
	dirMode  fs.FileMode

	// Static metadata recorded in every payload's sidecar
	metadata map[string]string

	// Logger
	logger *slog.Logger
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		emitExpiresMarker: true,
		fileMode:          0o644,
		dirMode:           0o755,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Option configures the filesystem store.
type Option func(*options)

// WithPrefix sets a static key prefix combined with the per-upload key.
// Default is no prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithOverwrite allows uploads to replace existing payloads. Default is
// disabled: uploads are conditional creates and a second write to the
// same key fails with ErrAlreadyExists.
func WithOverwrite(enabled bool) Option {
	return func(o *options) {
		o.overwrite = enabled
	}
}

// WithExpiresMarker controls whether a requested expiry is recorded in
// the payload's metadata sidecar and enforced on reads. Default is
// enabled.
func WithExpiresMarker(enabled bool) Option {
	return func(o *options) {
		o.emitExpiresMarker = enabled
	}
}

// WithFileMode sets the permission bits for payload files.
// Default is 0o644.
func WithFileMode(mode fs.FileMode) Option {
	return func(o *options) {
		if mode != 0 {
			o.fileMode = mode
		}
	}
}

// WithDirMode sets the permission bits for created directories.
// Default is 0o755.
func WithDirMode(mode fs.FileMode) Option {
	return func(o *options) {
		if mode != 0 {
			o.dirMode = mode
		}
	}
}

// WithMetadata sets static metadata recorded in every payload's sidecar.
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
