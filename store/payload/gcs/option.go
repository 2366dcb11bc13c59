package gcs

import (
	"log/slog"
)

// options holds GCS store configuration.
type options struct {
	// Bucket configuration
	bucket string
	prefix string

	// Custom endpoint (for emulators, testing)
	endpoint string

	// Write semantics
	overwrite         bool
	conditionalPut    bool
	emitExpiresMarker bool

	// Object attributes
	contentType string
	metadata    map[string]string
	customize   UploadCustomizer

	// Credentials options (mutually exclusive)
	credentialsJSON []byte // Service account JSON key
	credentialsFile string // Path to service account JSON file
	apiKey          string // API key (not recommended)

	// Logger
	logger *slog.Logger
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
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

// Option configures the GCS store.
type Option func(*options)

// WithBucket sets the GCS bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets a static object prefix combined with the per-upload key.
// Default is no prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEndpoint sets a custom GCS endpoint (for emulators, testing).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithOverwrite allows uploads to replace existing payloads. When enabled,
// no write precondition is sent. Default is disabled: uploads carry a
// DoesNotExist precondition and a second write to the same object fails
// with ErrAlreadyExists.
func WithOverwrite(enabled bool) Option {
	return func(o *options) {
		o.overwrite = enabled
	}
}

// WithConditionalPut declares whether the endpoint honors write
// preconditions. Google Cloud Storage does; some emulators accept the
// precondition parameters and silently overwrite. Set to false for such
// endpoints so conditional uploads fail fast. Default is true.
func WithConditionalPut(supported bool) Option {
	return func(o *options) {
		o.conditionalPut = supported
	}
}

// WithExpiresMarker controls whether a requested expiry is recorded as
// object metadata. Default is enabled.
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

// WithUploadCustomizer sets a hook that adjusts the outgoing write
// (content type, storage class, metadata) before each upload. The hook
// runs after store-level defaults are applied; the expiry marker is
// re-applied afterwards and cannot be removed by the hook.
func WithUploadCustomizer(fn UploadCustomizer) Option {
	return func(o *options) {
		o.customize = fn
	}
}

// WithStorageClass sets the storage class for uploaded payloads, for
// example "NEARLINE" for infrequently resolved archives. Default lets
// the bucket's class apply.
func WithStorageClass(class string) Option {
	return func(o *options) {
		if class != "" {
			o.customize = chainCustomizers(o.customize, func(r *UploadRequest) {
				r.SetStorageClass(class)
			})
		}
	}
}

// WithCredentialsJSON sets service account credentials from JSON bytes.
// Use this when you have the service account key loaded in memory.
//
// Example:
//
//	keyJSON, _ := os.ReadFile("service-account.json")
//	store, _ := gcs.NewFromConfig(ctx, gcs.WithBucket("my-bucket"), gcs.WithCredentialsJSON(keyJSON))
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile sets the path to a service account JSON key file.
// This is equivalent to setting GOOGLE_APPLICATION_CREDENTIALS environment variable.
//
// Example:
//
//	store, _ := gcs.NewFromConfig(ctx, gcs.WithBucket("my-bucket"), gcs.WithCredentialsFile("/path/to/sa.json"))
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithAPIKey sets an API key for authentication.
// Note: API keys have limited functionality and are not recommended for production.
// Prefer service accounts or Workload Identity.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
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

// WithWorkloadIdentity is a no-op option that documents Workload Identity usage.
// Workload Identity is the recommended way to provide GCP credentials to pods
// running in GKE (Google Kubernetes Engine).
//
// Setup:
//  1. Enable Workload Identity on your GKE cluster
//  2. Create a GCP service account with Storage permissions
//  3. Create an IAM policy binding:
//     gcloud iam service-accounts add-iam-policy-binding GSA_NAME@PROJECT_ID.iam.gserviceaccount.com \
//     --role roles/iam.workloadIdentityUser \
//     --member "serviceAccount:PROJECT_ID.svc.id.goog[NAMESPACE/KSA_NAME]"
//  4. Annotate your Kubernetes service account:
//     apiVersion: v1
//     kind: ServiceAccount
//     metadata:
//     name: my-app
//     annotations:
//     iam.gke.io/gcp-service-account: GSA_NAME@PROJECT_ID.iam.gserviceaccount.com
//  5. Use the service account in your pod spec
//
// The GCP SDK automatically detects Workload Identity via the GKE metadata server.
// No explicit configuration is needed - just don't set any credential options.
func WithWorkloadIdentity() Option {
	return func(o *options) {
		// No-op - SDK handles Workload Identity automatically via ADC
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
