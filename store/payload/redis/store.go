// Package redis provides a redis-backed payload store.
//
// Each payload is one redis string value holding a small JSON header
// (metadata, store time) and the raw payload bytes, separated by a
// newline. Keeping both in a single value means SET NX covers the whole
// object: a conditional create either lands completely or not at all.
//
// Redis keeps values in memory, so this backend suits deployments whose
// externalized payloads are bounded in size and lifetime. With
// WithTTLFromExpiry the server evicts expired payloads on its own;
// otherwise the recorded expiry is enforced when a payload is read.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/courier/store"
	"github.com/redis/go-redis/v9"
)

// frameHeader is the JSON document stored in front of the payload bytes.
type frameHeader struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	StoredAt time.Time         `json:"stored_at"`
}

// expired reports whether the header records an expiry in the past.
// A missing or unparseable marker never expires anything.
func (h *frameHeader) expired(now time.Time) bool {
	marker, ok := h.Metadata[store.MetaExpiresAt]
	if !ok {
		return false
	}
	at, err := store.ParseExpiry(marker)
	if err != nil {
		return false
	}
	return now.After(at)
}

// Store implements store.PayloadStore on a redis instance or cluster.
type Store struct {
	client redis.UniversalClient
	opts   *options
}

// Ensure Store implements the payload store contracts.
var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// New creates a redis payload store around an existing client.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{client: client, opts: newOptions(opts...)}, nil
}

// SupportsConditionalPut reports true: SET NX gives redis native
// first-writer-wins semantics.
func (s *Store) SupportsConditionalPut() bool {
	return true
}

// Upload writes content under the given key and returns the redis key as
// the reference. Without WithOverwrite the write uses SET NX.
func (s *Store) Upload(ctx context.Context, content io.Reader, keyPrefix string, opts ...store.UploadOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := store.NormalizeKey(keyPrefix)
	if err != nil {
		return "", err
	}
	key = store.JoinKey(s.opts.prefix, key)

	uploadOpts := store.NewUploadOptions(opts...)

	data, err := readPayload(content, uploadOpts)
	if err != nil {
		return "", store.NewError("upload", key, store.ErrUnclassified, fmt.Errorf("read payload: %w", err))
	}

	var marker map[string]string
	if s.opts.emitExpiresMarker && uploadOpts.HasExpiry() {
		marker = map[string]string{store.MetaExpiresAt: store.FormatExpiry(uploadOpts.ExpiresAt)}
	}
	metadata := store.MergeMetadata(s.opts.metadata, marker)

	frame, err := encodeFrame(metadata, data)
	if err != nil {
		return "", store.NewError("upload", key, store.ErrUnclassified, err)
	}

	var ttl time.Duration
	if s.opts.ttlFromExpiry && uploadOpts.HasExpiry() {
		if until := time.Until(uploadOpts.ExpiresAt); until > 0 {
			ttl = until
		}
	}

	if s.opts.overwrite {
		if err := s.client.Set(ctx, key, frame, ttl).Err(); err != nil {
			return "", mapError(ctx, "upload", key, err)
		}
	} else {
		created, err := s.client.SetNX(ctx, key, frame, ttl).Result()
		if err != nil {
			return "", mapError(ctx, "upload", key, err)
		}
		if !created {
			return "", store.NewError("upload", key, store.ErrAlreadyExists, nil)
		}
	}

	s.opts.logger.Debug("uploaded payload to redis", "key", key, "bytes", len(data), "ttl", ttl)

	return key, nil
}

// Download returns a reader for the payload content. An expired payload
// is removed and reported as ErrNotFound.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := store.NormalizeKey(ref)
	if err != nil {
		return nil, err
	}

	frame, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, mapError(ctx, "download", ref, err)
	}

	header, payload, err := decodeFrame(frame)
	if err != nil {
		return nil, store.NewError("download", ref, store.ErrUnclassified, err)
	}
	if header.expired(time.Now()) {
		_ = s.client.Del(ctx, key).Err()
		return nil, store.NewError("download", ref, store.ErrNotFound, nil)
	}

	return io.NopCloser(bytes.NewReader(payload)), nil
}

// Delete removes the payload. Deleting a reference that no longer exists
// is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, err := store.NormalizeKey(ref)
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return mapError(ctx, "delete", ref, err)
	}

	s.opts.logger.Debug("deleted payload from redis", "key", key)
	return nil
}

// readPayload drains the content reader, preallocating when the caller
// provided a size hint.
func readPayload(content io.Reader, uploadOpts *store.UploadOptions) ([]byte, error) {
	if uploadOpts.HasSizeHint() {
		buf := bytes.NewBuffer(make([]byte, 0, uploadOpts.SizeHint))
		if _, err := buf.ReadFrom(content); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return io.ReadAll(content)
}

// encodeFrame builds the stored value: one line of JSON, then the raw
// payload bytes.
func encodeFrame(metadata map[string]string, payload []byte) ([]byte, error) {
	header, err := json.Marshal(frameHeader{Metadata: metadata, StoredAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(header)+1+len(payload))
	frame = append(frame, header...)
	frame = append(frame, '\n')
	frame = append(frame, payload...)
	return frame, nil
}

// decodeFrame splits a stored value back into header and payload.
func decodeFrame(frame []byte) (*frameHeader, []byte, error) {
	i := bytes.IndexByte(frame, '\n')
	if i < 0 {
		return nil, nil, fmt.Errorf("malformed payload frame: missing header")
	}
	var header frameHeader
	if err := json.Unmarshal(frame[:i], &header); err != nil {
		return nil, nil, fmt.Errorf("malformed payload frame: %w", err)
	}
	return &header, frame[i+1:], nil
}
