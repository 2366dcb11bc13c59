// Package store defines the payload storage contract for claim-check
// messaging. Implementations live in the store/payload subpackages
// (s3, gcs, memory, fs, redis, postgres, mongo) plus an OpenTelemetry
// decorator in store/payload/otel.
//
// # Architectural Principle: No Partial Objects
//
// The claim-check pattern replaces a large message body with a reference
// to an externally stored payload. A reference is only useful if it is
// trustworthy: any reference returned by Upload must resolve to the full
// payload bytes, and a failed upload must leave nothing resolvable behind.
// Implementations achieve this with backend-native atomicity (single-shot
// writes, temp-file renames, conditional inserts), never with external
// coordination:
//
//  1. Atomic Publication: An object becomes visible in a single backend
//     operation. Readers either see the complete payload with its metadata
//     or a not-found result - never truncated bytes.
//
//  2. Conditional Creation: When overwrite is disabled, first-writer-wins
//     semantics come from the backend itself (S3 If-None-Match, GCS
//     DoesNotExist preconditions, SQL ON CONFLICT, SET NX). Concurrent
//     uploads of the same key resolve to exactly one success; the losers
//     observe ErrAlreadyExists or ErrConditionalConflict.
//
//  3. Idempotent Deletion: Delete succeeds when the object is already
//     gone, so redelivered cleanup work never fails spuriously.
//
// # Error Taxonomy
//
// Every failure crossing the PayloadStore boundary is normalized into a
// small closed set of kinds (see the Err* sentinels and the Error type).
// Backend-specific failures - SDK error codes, HTTP statuses, driver
// sentinels - never leak through untranslated, so retry loops and
// dead-letter policies can be written once against the taxonomy instead
// of per backend. ErrUnavailable is the only retryable kind.
//
// # Cancellation
//
// Operations honor context cancellation without masking it: a context
// cancelled before the call short-circuits ahead of any network traffic,
// and a caller-initiated cancellation mid-flight surfaces as the context
// error rather than being reclassified. Only aborts that originate inside
// the backend (internal deadlines, dropped connections) map to
// ErrUnavailable.
package store

import (
	"context"
	"io"
	"time"
)

// PayloadStore stores externalized message payloads.
//
// Upload streams content under a key derived from keyPrefix and returns an
// opaque reference. The reference is self-contained: Download and Delete
// resolve it without re-applying any configured prefix. All operations must
// be safe for concurrent use.
type PayloadStore interface {
	// Upload stores content and returns a reference to it.
	// keyPrefix must be non-blank after trimming key separators; it is
	// combined with any store-configured static prefix to form the object
	// key. When overwrite is disabled a second upload of the same key
	// fails with ErrAlreadyExists or ErrConditionalConflict.
	Upload(ctx context.Context, content io.Reader, keyPrefix string, opts ...UploadOption) (string, error)

	// Download retrieves the payload bytes for a reference returned by
	// Upload. The caller must close the returned reader.
	Download(ctx context.Context, ref string) (io.ReadCloser, error)

	// Delete removes the payload for a reference. Deleting an absent
	// payload is not an error.
	Delete(ctx context.Context, ref string) error
}

// ConditionalPutter is an optional capability interface. Stores that know
// whether their backend honors atomic create-if-absent semantics implement
// it so callers can probe before relying on first-writer-wins behavior.
type ConditionalPutter interface {
	SupportsConditionalPut() bool
}

// UploadOptions carries optional per-upload hints. Construct with
// NewUploadOptions; the zero value of each field means "not provided".
type UploadOptions struct {
	// SizeHint is the content length in bytes, or -1 when unknown.
	// Stores that need a length up front (single-shot conditional PUTs)
	// buffer the content when no hint is given.
	SizeHint int64

	// ExpiresAt is the intended expiry instant, normalized to UTC.
	// Zero means no expiry was requested. Expiry is surfaced to backends
	// as metadata; object stores do not natively expire payloads.
	ExpiresAt time.Time
}

// UploadOption configures a single Upload call.
type UploadOption func(*UploadOptions)

// NewUploadOptions applies opts over the defaults. Implementations call
// this at the top of Upload.
func NewUploadOptions(opts ...UploadOption) *UploadOptions {
	o := &UploadOptions{
		SizeHint: -1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// HasSizeHint returns true when a non-negative size hint was provided.
func (o *UploadOptions) HasSizeHint() bool {
	return o.SizeHint >= 0
}

// HasExpiry returns true when an expiry instant was provided.
func (o *UploadOptions) HasExpiry() bool {
	return !o.ExpiresAt.IsZero()
}

// WithSizeHint declares the content length in bytes.
// Negative values are ignored.
func WithSizeHint(n int64) UploadOption {
	return func(o *UploadOptions) {
		if n >= 0 {
			o.SizeHint = n
		}
	}
}

// WithExpiresAt declares when the payload may be considered expired.
// The instant is normalized to UTC. Zero times are ignored.
func WithExpiresAt(t time.Time) UploadOption {
	return func(o *UploadOptions) {
		if !t.IsZero() {
			o.ExpiresAt = t.UTC()
		}
	}
}
