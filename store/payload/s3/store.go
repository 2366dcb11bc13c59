// Package s3 provides an S3-backed payload store.
//
// Uploads default to conditional creates: the object is written with an
// If-None-Match: * precondition so that two producers racing on the same
// key cannot silently overwrite each other. Amazon S3 evaluates the
// precondition atomically; a losing writer gets ErrAlreadyExists (the
// object was there before the request) or ErrConditionalConflict (another
// conditional write was in flight). S3-compatible endpoints that do not
// honor the precondition must be declared with WithConditionalPut(false),
// which makes conditional uploads fail fast instead of corrupting
// first-writer-wins semantics.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	tmtypes "github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rbaliyan/courier/store"
)

// Store implements store.PayloadStore using AWS S3.
type Store struct {
	client *s3.Client
	tm     *transfermanager.Client
	opts   *options
}

// Ensure Store implements the payload store contracts.
var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// New creates a payload store around an existing S3 client. Use this when
// the application already owns a configured client, or to inject a client
// with a custom HTTP stack in tests.
func New(client *s3.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		opts:   o,
	}, nil
}

// NewFromConfig creates a payload store and builds the S3 client itself
// from the configured credentials. The context is used for AWS credential
// loading and configuration.
func NewFromConfig(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})

	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		opts:   o,
	}, nil
}

// buildAWSConfig builds AWS config based on authentication options.
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	var optFns []func(*config.LoadOptions) error

	// Set region
	optFns = append(optFns, config.WithRegion(o.region))

	// Configure credentials based on auth method
	switch {
	case o.accessKey != "" && o.secretKey != "":
		// Static credentials (Access Key + Secret Key)
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		// IAM Role - use STS AssumeRole
		// First load default config, then assume role
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}

		// Use STS to assume role
		stsCreds := newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)
		optFns = append(optFns, config.WithCredentialsProvider(stsCreds))

	default:
		// Default credential chain (IAM role on EC2/EKS, env vars, shared config, etc.)
		// This handles:
		// - Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
		// - Shared credentials file (~/.aws/credentials)
		// - IAM role for EC2
		// - IAM role for EKS (via IRSA - IAM Roles for Service Accounts)
		// - ECS task role
		// No explicit credentials needed - SDK handles it automatically
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// SupportsConditionalPut reports whether the configured endpoint honors
// the If-None-Match conditional write header.
func (s *Store) SupportsConditionalPut() bool {
	return s.opts.conditionalPut
}

// UploadRequest carries the adjustable attributes of an outgoing payload
// write. A customizer hook mutates it through the setters before the
// request is sent; the same attributes apply on both the conditional and
// the overwrite path.
type UploadRequest struct {
	contentType  string
	storageClass types.StorageClass
	metadata     map[string]string
}

// SetContentType overrides the Content-Type for this upload.
func (r *UploadRequest) SetContentType(contentType string) {
	if contentType != "" {
		r.contentType = contentType
	}
}

// SetStorageClass sets the storage class for this upload.
func (r *UploadRequest) SetStorageClass(class types.StorageClass) {
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

// Upload writes content under the given key and returns an s3://bucket/key
// reference. Without WithOverwrite the write is a conditional create.
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

	if s.opts.overwrite {
		err = s.putOverwrite(ctx, key, content, req)
	} else {
		err = s.putConditional(ctx, key, content, uploadOpts, req)
	}
	if err != nil {
		return "", err
	}

	s.opts.logger.Debug("uploaded payload to s3", "bucket", s.opts.bucket, "key", key)

	return fmt.Sprintf("s3://%s/%s", s.opts.bucket, key), nil
}

// putOverwrite uploads through the transfer manager, which switches to
// multipart for large payloads. No precondition is sent.
func (s *Store) putOverwrite(ctx context.Context, key string, content io.Reader, req *UploadRequest) error {
	input := &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.opts.bucket),
		Key:         aws.String(key),
		Body:        content,
		ContentType: aws.String(req.contentType),
	}
	if len(req.metadata) > 0 {
		input.Metadata = req.metadata
	}
	if req.storageClass != "" {
		input.StorageClass = tmtypes.StorageClass(req.storageClass)
	}

	if _, err := s.tm.UploadObject(ctx, input); err != nil {
		return mapError(ctx, "upload", key, err)
	}
	return nil
}

// putConditional uploads with an If-None-Match: * precondition in a single
// PutObject call. Multipart cannot be used here: S3 evaluates the
// precondition per request, and only a single-shot put makes the whole
// object creation atomic.
func (s *Store) putConditional(ctx context.Context, key string, content io.Reader, uploadOpts *store.UploadOptions, req *UploadRequest) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(req.contentType),
		IfNoneMatch: aws.String("*"),
	}
	if len(req.metadata) > 0 {
		input.Metadata = req.metadata
	}
	if req.storageClass != "" {
		input.StorageClass = req.storageClass
	}

	// PutObject needs the exact content length up front. Streams without a
	// size hint are buffered; callers with large payloads should pass one.
	if uploadOpts.HasSizeHint() {
		input.Body = content
		input.ContentLength = aws.Int64(uploadOpts.SizeHint)
	} else {
		data, err := io.ReadAll(content)
		if err != nil {
			return store.NewError("upload", key, store.ErrUnclassified, fmt.Errorf("read payload: %w", err))
		}
		input.Body = bytes.NewReader(data)
		input.ContentLength = aws.Int64(int64(len(data)))
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return mapError(ctx, "upload", key, err)
	}
	return nil
}

// Download returns a reader for the payload content. The reader streams
// from S3; the caller must close it.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bucket, key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError(ctx, "download", ref, err)
	}

	return output.Body, nil
}

// Delete removes the payload from S3. Deleting a reference that no longer
// exists is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bucket, key, err := parseRef(ref)
	if err != nil {
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		mapped := mapError(ctx, "delete", ref, err)
		// S3 itself answers 204 for a missing key, but some compatible
		// endpoints answer 404.
		if store.IsNotFound(mapped) {
			return nil
		}
		return mapped
	}

	s.opts.logger.Debug("deleted payload from s3", "bucket", bucket, "key", key)
	return nil
}

// parseRef parses an s3://bucket/key reference.
func parseRef(ref string) (bucket, key string, err error) {
	const scheme = "s3://"
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
