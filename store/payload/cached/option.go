package cached

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultMaxSize is the cache size bound in bytes.
	DefaultMaxSize = 1 << 30 // 1 GiB

	// DefaultTTL is how long a cached payload may go unread before the
	// cleanup pass removes it.
	DefaultTTL = 24 * time.Hour
)

// options holds cache configuration.
type options struct {
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		cacheDir: os.TempDir(),
		maxSize:  DefaultMaxSize,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Option configures the cache.
type Option func(*options)

// WithCacheDir sets the directory holding cached payloads. The cache
// lives in a subdirectory, so sharing a directory with other data is
// safe. Default is the OS temp directory.
func WithCacheDir(dir string) Option {
	return func(o *options) {
		if strings.TrimSpace(dir) != "" {
			o.cacheDir = dir
		}
	}
}

// WithMaxSize bounds the cache size in bytes. Payloads that would push
// the cache past the bound are served without being cached.
// Default is 1 GiB.
func WithMaxSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithTTL sets how long an unread cached payload is kept. Zero disables
// expiry and the background cleanup; cached payloads then live until
// Delete, ClearCache, or the size bound evicts nothing (the cache simply
// stops admitting new entries when full). Default is 24 hours.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
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
