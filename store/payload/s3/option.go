package s3

import (
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// options holds S3 store configuration.
type options struct {
	// Bucket configuration
	bucket string
	prefix string
	region string

	// Custom endpoint (for S3-compatible services like MinIO)
	endpoint     string
	usePathStyle bool

	// Write semantics
	overwrite         bool
	conditionalPut    bool
	emitExpiresMarker bool

	// Object attributes
	contentType string
	metadata    map[string]string
	customize   UploadCustomizer

	// Static credentials (Access Key + Secret Key)
	accessKey    string
	secretKey    string
	sessionToken string

	// IAM Role-based access
	roleARN         string
	roleSessionName string
	externalID      string

	// Logger
	logger *slog.Logger
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		region:            "us-east-1",
		conditionalPut:    true,
		emitExpiresMarker: true,
		contentType:       "application/octet-stream",
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Option configures the S3 store.
type Option func(*options)

// WithBucket sets the S3 bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets a static key prefix combined with the per-upload key.
// Default is no prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithRegion sets the AWS region.
// Default is "us-east-1".
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithEndpoint sets a custom S3 endpoint for S3-compatible services (MinIO, LocalStack, etc.).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithPathStyle enables path-style addressing (required for some S3-compatible services).
func WithPathStyle(enabled bool) Option {
	return func(o *options) {
		o.usePathStyle = enabled
	}
}

// WithOverwrite allows uploads to replace existing payloads. When enabled,
// uploads go through the transfer manager (multipart for large payloads)
// and no conditional header is sent. Default is disabled: uploads are
// conditional creates and a second write to the same key fails with
// ErrAlreadyExists.
func WithOverwrite(enabled bool) Option {
	return func(o *options) {
		o.overwrite = enabled
	}
}

// WithConditionalPut declares whether the endpoint honors the
// If-None-Match conditional write header. Amazon S3 does; some
// S3-compatible services accept the header and silently overwrite.
// Set to false for such endpoints so conditional uploads fail fast
// instead of corrupting first-writer-wins semantics. Default is true.
func WithConditionalPut(supported bool) Option {
	return func(o *options) {
		o.conditionalPut = supported
	}
}

// WithExpiresMarker controls whether a requested expiry is recorded as
// object metadata (x-amz-meta-expires-at). Default is enabled.
func WithExpiresMarker(enabled bool) Option {
	return func(o *options) {
		o.emitExpiresMarker = enabled
	}
}

// WithContentType sets the Content-Type for uploaded payloads.
// Default is "application/octet-stream".
func WithContentType(contentType string) Option {
	return func(o *options) {
		if contentType != "" {
			o.contentType = contentType
		}
	}
}

// WithMetadata sets static metadata attached to every upload. The map is
// copied. Per-upload customization (WithUploadCustomizer) overrides these
// entries on key collisions.
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

// WithUploadCustomizer sets a hook that adjusts the outgoing write request
// (content type, storage class, cache control, metadata) before each
// upload. The hook runs after store-level defaults are applied; the expiry
// marker is re-applied afterwards and cannot be removed by the hook.
func WithUploadCustomizer(fn UploadCustomizer) Option {
	return func(o *options) {
		o.customize = fn
	}
}

// WithStorageClass sets the storage class for uploaded payloads,
// for example types.StorageClassStandardIa for infrequently resolved
// archives. Default lets S3 pick.
func WithStorageClass(class types.StorageClass) Option {
	return func(o *options) {
		if class != "" {
			o.customize = chainCustomizers(o.customize, func(r *UploadRequest) {
				r.SetStorageClass(class)
			})
		}
	}
}

// WithStaticCredentials sets static AWS credentials (Access Key + Secret Key).
// Use this for programmatic access with long-term credentials.
// For Kubernetes, prefer IAM Roles for Service Accounts (IRSA) instead.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
	}
}

// WithSessionToken sets an optional session token for temporary credentials.
// Use with WithStaticCredentials when using STS temporary credentials.
func WithSessionToken(token string) Option {
	return func(o *options) {
		o.sessionToken = token
	}
}

// WithAssumeRole configures IAM role assumption.
// The store will use STS AssumeRole to get temporary credentials.
// roleARN: The ARN of the role to assume (e.g., "arn:aws:iam::123456789012:role/MyRole")
// sessionName: A name for the assumed role session (optional, defaults to "courier-payload-store")
func WithAssumeRole(roleARN, sessionName string) Option {
	return func(o *options) {
		o.roleARN = roleARN
		if sessionName != "" {
			o.roleSessionName = sessionName
		} else {
			o.roleSessionName = "courier-payload-store"
		}
	}
}

// WithExternalID sets the external ID for role assumption.
// Used for cross-account access when the role requires an external ID.
func WithExternalID(externalID string) Option {
	return func(o *options) {
		o.externalID = externalID
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

// chainCustomizers composes two customizers, tolerating nils.
func chainCustomizers(first, second UploadCustomizer) UploadCustomizer {
	if first == nil {
		return second
	}
	return func(r *UploadRequest) {
		first(r)
		second(r)
	}
}
