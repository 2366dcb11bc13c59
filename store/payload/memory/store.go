// Package memory provides an in-memory PayloadStore implementation for
// testing. Payloads live in a process-local concurrent map - data is not
// persisted and not shared across processes.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/rbaliyan/courier/store"
)

// object is a stored payload with its metadata.
type object struct {
	data      []byte
	metadata  map[string]string
	expiresAt time.Time // zero means no expiry
	storedAt  time.Time
}

// expired reports whether the object's expiry has passed.
func (o *object) expired(now time.Time) bool {
	return !o.expiresAt.IsZero() && !now.Before(o.expiresAt)
}

// Store implements store.PayloadStore with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
//
// Unlike the object-store backends, which record expiry purely as
// metadata, this store honors it: an expired payload is removed and
// reported as not found on the next read.
type Store struct {
	objects sync.Map // map[string]*object
	opts    *options
}

var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// New creates a new in-memory payload store.
func New(opts ...Option) *Store {
	return &Store{opts: newOptions(opts...)}
}

// SupportsConditionalPut reports whether create-if-absent semantics are
// available. The in-memory map supports them natively; the flag exists so
// tests can model a backend that does not.
func (s *Store) SupportsConditionalPut() bool {
	return s.opts.conditionalPut
}

// Upload stores the content under the given key prefix.
func (s *Store) Upload(ctx context.Context, content io.Reader, keyPrefix string, opts ...store.UploadOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := store.NormalizeKey(keyPrefix)
	if err != nil {
		return "", err
	}
	key = store.JoinKey(s.opts.prefix, key)

	if !s.opts.overwrite && !s.opts.conditionalPut {
		return "", store.NewError("upload", key, store.ErrConditionalPutUnsupported, nil)
	}

	uploadOpts := store.NewUploadOptions(opts...)

	data, err := io.ReadAll(content)
	if err != nil {
		return "", store.NewError("upload", key, store.ErrUnclassified, err)
	}

	meta := store.MergeMetadata(s.opts.metadata)
	if s.opts.emitExpiresMarker && uploadOpts.HasExpiry() {
		meta[store.MetaExpiresAt] = store.FormatExpiry(uploadOpts.ExpiresAt)
	}

	obj := &object{
		data:      data,
		metadata:  meta,
		expiresAt: uploadOpts.ExpiresAt,
		storedAt:  time.Now().UTC(),
	}

	if s.opts.overwrite {
		s.objects.Store(key, obj)
	} else if _, loaded := s.objects.LoadOrStore(key, obj); loaded {
		return "", store.NewError("upload", key, store.ErrAlreadyExists, nil)
	}

	s.opts.logger.Debug("stored payload in memory", "key", key, "bytes", len(data))
	return key, nil
}

// Download retrieves a payload. Expired payloads are removed and reported
// as not found.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := store.NormalizeKey(ref)
	if err != nil {
		return nil, err
	}

	v, ok := s.objects.Load(key)
	if !ok {
		return nil, store.NewError("download", key, store.ErrNotFound, nil)
	}

	obj := v.(*object)
	if obj.expired(time.Now().UTC()) {
		// CompareAndDelete so a concurrent re-upload is not clobbered.
		s.objects.CompareAndDelete(key, v)
		return nil, store.NewError("download", key, store.ErrNotFound, nil)
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete removes a payload. Deleting an absent payload is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, err := store.NormalizeKey(ref)
	if err != nil {
		return err
	}

	s.objects.Delete(key)
	s.opts.logger.Debug("deleted payload from memory", "key", key)
	return nil
}

// Len returns the number of stored payloads, counting expired entries
// that have not yet been swept by a read.
func (s *Store) Len() int {
	n := 0
	s.objects.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
