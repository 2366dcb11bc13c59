// Package cached wraps a payload store with a local file cache for
// downloads.
//
// Externalized payloads are immutable once written: the digest recorded
// on the envelope pins the bytes, and producers never rewrite a
// reference. Caching by reference is therefore always coherent - an
// entry can become unnecessary, never stale. The TTL and size bound
// manage disk usage, not correctness.
//
// Uploads and deletes pass through to the backend; deletes also purge
// the cache entry.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/courier/store"
)

// cacheSubdir is created under the configured cache directory so the
// cache never mixes with unrelated files.
const cacheSubdir = "courier-payloads"

// Store wraps a store.PayloadStore with local file caching of downloads.
type Store struct {
	backend  store.PayloadStore
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	cacheSize int64

	done      chan struct{}
	closeOnce sync.Once
}

// Ensure Store implements the payload store contracts.
var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// New creates a caching store wrapping the given backend. The cache
// directory is created if needed and scanned to recover the size of any
// entries surviving from a previous process.
func New(backend store.PayloadStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)

	cacheDir := filepath.Join(o.cacheDir, cacheSubdir)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend:  backend,
		cacheDir: cacheDir,
		maxSize:  o.maxSize,
		ttl:      o.ttl,
		logger:   o.logger,
		done:     make(chan struct{}),
	}
	s.calculateCacheSize()

	if s.ttl > 0 {
		go s.cleanupLoop()
	}

	return s, nil
}

// Close stops the background cleanup. Cached files stay on disk so a
// later Store over the same directory can reuse them. The backend is
// not closed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
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

// Upload stores content in the backend. The cache fills on download, so
// uploads pass through untouched.
func (s *Store) Upload(ctx context.Context, content io.Reader, keyPrefix string, opts ...store.UploadOption) (string, error) {
	return s.backend.Upload(ctx, content, keyPrefix, opts...)
}

// Download returns a reader for the payload, serving from the cache when
// a fresh entry exists and filling the cache from the backend otherwise.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	cachePath := filepath.Join(s.cacheDir, s.cacheKey(ref))

	if info, err := os.Stat(cachePath); err == nil {
		if s.fresh(info.ModTime()) {
			f, err := os.Open(cachePath)
			if err == nil {
				s.logger.Debug("payload cache hit", "ref", ref)
				now := time.Now()
				_ = os.Chtimes(cachePath, now, now)
				return f, nil
			}
		} else {
			_ = os.Remove(cachePath)
			s.updateCacheSize(-info.Size())
		}
	}

	s.logger.Debug("payload cache miss", "ref", ref)
	reader, err := s.backend.Download(ctx, ref)
	if err != nil {
		return nil, err
	}

	return s.cacheAndRead(reader, cachePath)
}

// Delete removes the payload from the backend and the cache.
func (s *Store) Delete(ctx context.Context, ref string) error {
	cachePath := filepath.Join(s.cacheDir, s.cacheKey(ref))
	if info, err := os.Stat(cachePath); err == nil {
		_ = os.Remove(cachePath)
		s.updateCacheSize(-info.Size())
	}

	return s.backend.Delete(ctx, ref)
}

// ClearCache removes every cached payload. Backend data is untouched.
func (s *Store) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			_ = os.Remove(filepath.Join(s.cacheDir, entry.Name()))
		}
	}

	s.cacheSize = 0
	s.logger.Info("payload cache cleared")
	return nil
}

// fresh reports whether a cache entry last touched at t may be served.
func (s *Store) fresh(t time.Time) bool {
	return s.ttl <= 0 || time.Since(t) < s.ttl
}

// cacheKey maps a reference to a flat cache file name. References can
// contain separators and scheme prefixes, so they are hashed.
func (s *Store) cacheKey(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:])
}

// cacheAndRead tees the backend stream into a staging file that is
// promoted into the cache when the stream is fully consumed.
func (s *Store) cacheAndRead(source io.ReadCloser, cachePath string) (io.ReadCloser, error) {
	tmpFile, err := os.CreateTemp(s.cacheDir, "tmp-*")
	if err != nil {
		// The download still works without the cache.
		s.logger.Warn("failed to stage payload for caching", "error", err)
		return source, nil
	}

	return &cachingReader{
		source:    source,
		tmpFile:   tmpFile,
		cachePath: cachePath,
		store:     s,
	}, nil
}

// cachingReader reads from the backend stream while writing a staging
// copy for the cache.
type cachingReader struct {
	source    io.ReadCloser
	tmpFile   *os.File
	cachePath string
	store     *Store
	size      int64
	sawEOF    bool
	failed    bool
	closed    bool
}

func (r *cachingReader) Read(p []byte) (n int, err error) {
	n, err = r.source.Read(p)
	if n > 0 && !r.failed {
		if _, writeErr := r.tmpFile.Write(p[:n]); writeErr != nil {
			r.store.logger.Warn("failed to write payload cache", "error", writeErr)
			r.failed = true
		}
		r.size += int64(n)
	}
	if err == io.EOF {
		r.sawEOF = true
	}
	return n, err
}

func (r *cachingReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	sourceErr := r.source.Close()

	if err := r.tmpFile.Close(); err != nil {
		_ = os.Remove(r.tmpFile.Name())
		return sourceErr
	}

	// Promote only a fully read, fully staged payload. A truncated cache
	// entry would fail digest verification on every later hit.
	if r.sawEOF && !r.failed && r.store.hasSpace(r.size) {
		if err := os.Rename(r.tmpFile.Name(), r.cachePath); err != nil {
			_ = os.Remove(r.tmpFile.Name())
			r.store.logger.Warn("failed to promote payload into cache", "error", err)
		} else {
			r.store.updateCacheSize(r.size)
			r.store.logger.Debug("cached payload", "path", r.cachePath, "bytes", r.size)
		}
	} else {
		_ = os.Remove(r.tmpFile.Name())
	}

	return sourceErr
}

// hasSpace checks whether a payload of the given size fits the bound.
func (s *Store) hasSpace(size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize+size <= s.maxSize
}

// updateCacheSize adjusts the tracked cache size.
func (s *Store) updateCacheSize(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheSize += delta
	if s.cacheSize < 0 {
		s.cacheSize = 0
	}
}

// calculateCacheSize scans the cache directory. The directory is flat, a
// single listing covers it.
func (s *Store) calculateCacheSize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to scan payload cache", "error", err)
		return
	}

	var size int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			size += info.Size()
		}
	}
	s.cacheSize = size
}

// cleanupLoop periodically removes entries past the TTL until Close.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes cache entries that have not been read within
// the TTL.
func (s *Store) cleanupExpired() {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to read payload cache for cleanup", "error", err)
		return
	}

	now := time.Now()
	var removed int
	var freedBytes int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > s.ttl {
			if err := os.Remove(filepath.Join(s.cacheDir, entry.Name())); err == nil {
				removed++
				freedBytes += info.Size()
			}
		}
	}

	if removed > 0 {
		s.updateCacheSize(-freedBytes)
		s.logger.Info("payload cache cleanup completed", "removed", removed, "freed_bytes", freedBytes)
	}
}
