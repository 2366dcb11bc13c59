// Package gcs provides a Google Cloud Storage-backed payload store.
//
// Uploads default to conditional creates: the object is written with a
// DoesNotExist precondition, which GCS evaluates atomically when the
// write is finalized. A losing writer gets ErrAlreadyExists. Emulators
// that ignore preconditions must be declared with
// WithConditionalPut(false) so conditional uploads fail fast instead of
// corrupting first-writer-wins semantics.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/courier/store"
	"google.golang.org/api/option"
)

// Payloads with a known size at or below this upload in a single request
// instead of a chunked session.
const maxSingleShotSize = 16 << 20

// Store implements store.PayloadStore using Google Cloud Storage.
type Store struct {
	client *storage.Client
	opts   *options
}

// Ensure Store implements the payload store contracts.
var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// New creates a payload store around an existing GCS client. Use this when
// the application already owns a configured client, or to inject a client
// with a custom HTTP stack in tests.
func New(client *storage.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs client is required")
	}
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	return &Store{client: client, opts: o}, nil
}

// NewFromConfig creates a payload store and builds the GCS client itself
// from the configured credentials.
func NewFromConfig(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	// Build client options
	clientOpts, err := buildClientOptions(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Store{client: client, opts: o}, nil
}

// buildClientOptions builds GCS client options based on authentication settings.
func buildClientOptions(_ context.Context, o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		// Use provided JSON credentials (service account key)
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		// Use credentials from file
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.apiKey != "":
		// Use API key (limited functionality, not recommended for production)
		opts = append(opts, option.WithAPIKey(o.apiKey))

	default:
		// Use Application Default Credentials (ADC)
		// This handles:
		// - GOOGLE_APPLICATION_CREDENTIALS environment variable
		// - gcloud auth application-default login credentials
		// - Workload Identity on GKE (service account annotation)
		// - Compute Engine default service account
		// - Cloud Run/Cloud Functions default service account
		// No explicit options needed - SDK handles it automatically
	}

	// Add custom endpoint if specified (for emulators, testing)
	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}

	return opts, nil
}

// SupportsConditionalPut reports whether the configured endpoint honors
// write preconditions.
func (s *Store) SupportsConditionalPut() bool {
	return s.opts.conditionalPut
}

// UploadRequest carries the adjustable attributes of an outgoing payload
// write. A customizer hook mutates it through the setters before the
// write is sent.
type UploadRequest struct {
	contentType  string
	storageClass string
	metadata     map[string]string
}

// SetContentType overrides the Content-Type for this upload.
func (r *UploadRequest) SetContentType(contentType string) {
	if contentType != "" {
		r.contentType = contentType
	}
}

// SetStorageClass sets the storage class for this upload.
func (r *UploadRequest) SetStorageClass(class string) {
	r.storageClass = class
}

// SetMetadata sets a single object metadata entry for this upload.
func (r *UploadRequest) SetMetadata(key, value string) {
	if r.metadata == nil {
		r.metadata = make(map[string]string)
	}
	r.metadata[key] = value
}

// UploadCustomizer adjusts a single outgoing write.
type UploadCustomizer func(*UploadRequest)

// Upload writes content under the given key and returns a gs://bucket/key
// reference. Without WithOverwrite the write carries a DoesNotExist
// precondition.
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

	req := &UploadRequest{
		contentType: s.opts.contentType,
		metadata:    cloneMetadata(s.opts.metadata),
	}
	if s.opts.emitExpiresMarker && uploadOpts.HasExpiry() {
		req.SetMetadata(store.MetaExpiresAt, store.FormatExpiry(uploadOpts.ExpiresAt))
	}
	if s.opts.customize != nil {
		s.opts.customize(req)
		// The expiry marker survives customization.
		if s.opts.emitExpiresMarker && uploadOpts.HasExpiry() {
			req.SetMetadata(store.MetaExpiresAt, store.FormatExpiry(uploadOpts.ExpiresAt))
		}
	}

	obj := s.client.Bucket(s.opts.bucket).Object(key)
	if !s.opts.overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = req.contentType
	if len(req.metadata) > 0 {
		w.Metadata = req.metadata
	}
	if req.storageClass != "" {
		w.StorageClass = req.storageClass
	}
	// Known small payloads go out in one request.
	if uploadOpts.HasSizeHint() && uploadOpts.SizeHint <= maxSingleShotSize {
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return "", mapError(ctx, "upload", key, err)
	}
	if err := w.Close(); err != nil {
		return "", mapError(ctx, "upload", key, err)
	}

	s.opts.logger.Debug("uploaded payload to gcs", "bucket", s.opts.bucket, "key", key)

	return fmt.Sprintf("gs://%s/%s", s.opts.bucket, key), nil
}

// Download returns a reader for the payload content. The reader streams
// from GCS; the caller must close it.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bucket, key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapError(ctx, "download", ref, err)
	}

	return r, nil
}

// Delete removes the payload from GCS. Deleting a reference that no longer
// exists is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bucket, key, err := parseRef(ref)
	if err != nil {
		return err
	}

	if err := s.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		mapped := mapError(ctx, "delete", ref, err)
		if store.IsNotFound(mapped) {
			return nil
		}
		return mapped
	}

	s.opts.logger.Debug("deleted payload from gcs", "bucket", bucket, "key", key)
	return nil
}

// Close closes the underlying GCS client. Skip it when the client was
// injected through New and is shared with other components.
func (s *Store) Close() error {
	return s.client.Close()
}

// parseRef parses a gs://bucket/key reference.
func parseRef(ref string) (bucket, key string, err error) {
	const scheme = "gs://"
	rest, ok := strings.CutPrefix(ref, scheme)
	if !ok {
		return "", "", store.NewError("parse", ref, store.ErrReferenceInvalid, fmt.Errorf("missing %s scheme", scheme))
	}

	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", store.NewError("parse", ref, store.ErrReferenceInvalid, fmt.Errorf("want %sbucket/key", scheme))
	}

	return bucket, key, nil
}

// cloneMetadata copies a metadata map so per-upload customization cannot
// leak into store-level defaults.
func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
