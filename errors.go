package courier

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/courier/store"
)

// Sentinel errors for the courier package.
// Use errors.Is() to check for these errors.
//
// Configuration errors are raised eagerly when a policy or envelope is
// constructed. Integrity errors are raised on the inbound path when an
// external payload cannot be trusted; they are never retryable because
// retrying yields the same bytes.
var (
	// ErrEmptyMessageID is returned when an envelope is constructed with
	// an empty message ID.
	ErrEmptyMessageID = errors.New("courier: empty message id")

	// ErrNilHeaders is returned when an envelope is constructed with an
	// explicitly nil header map.
	ErrNilHeaders = errors.New("courier: nil header map")

	// ErrInvalidThreshold is returned when a payload policy is configured
	// with a negative externalization threshold.
	ErrInvalidThreshold = errors.New("courier: invalid payload threshold")

	// ErrBlankKeyPrefix is returned when a payload policy is configured
	// with a key prefix that is empty after trimming separators.
	ErrBlankKeyPrefix = errors.New("courier: blank key prefix")

	// ErrStoreRequired is returned when a payload store is needed but nil.
	ErrStoreRequired = errors.New("courier: payload store is required")

	// ErrEnvelopeRequired is returned when a nil envelope is passed to a
	// policy operation.
	ErrEnvelopeRequired = errors.New("courier: envelope is required")

	// ErrMissingPayloadRef is returned when an inbound envelope is marked
	// external but carries no payload reference.
	ErrMissingPayloadRef = errors.New("courier: missing payload reference")

	// ErrUnsupportedPayloadEncoding is returned when an inbound envelope
	// declares a payload encoding this package does not implement.
	ErrUnsupportedPayloadEncoding = errors.New("courier: unsupported payload encoding")

	// ErrPayloadHashMismatch is returned when a downloaded payload does
	// not match the digest recorded at externalization time.
	ErrPayloadHashMismatch = errors.New("courier: payload hash mismatch")

	// ErrPayloadCorrupt is returned when a stored payload cannot be
	// decoded (for example a truncated gzip stream).
	ErrPayloadCorrupt = errors.New("courier: payload corrupt")

	// ErrBlankReference is returned when a payload store hands back a
	// blank reference from a successful upload. Publishing a claim check
	// that resolves to nothing would strand the message, so the send is
	// aborted instead.
	ErrBlankReference = errors.New("courier: store returned blank reference")
)

// HashMismatchError provides details about a payload integrity failure.
// Use errors.As() to extract the digests for logging or quarantine.
type HashMismatchError struct {
	// Ref is the payload reference that was downloaded.
	Ref string
	// Expected is the lowercase hex digest recorded on the envelope.
	Expected string
	// Actual is the digest computed over the downloaded bytes.
	Actual string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("courier: payload hash mismatch for %s: expected %s, got %s", e.Ref, e.Expected, e.Actual)
}

func (e *HashMismatchError) Unwrap() error {
	return ErrPayloadHashMismatch
}

// IsRetryableError determines if an error is retryable.
// Handles both courier-level and payload-store errors.
//
// The payload-store taxonomy already tags every transient failure as
// store.ErrUnavailable, so unknown errors default to permanent here.
// Retrying a hash mismatch or a malformed reference re-reads the same
// bytes and fails the same way.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Permanent errors that should not be retried (courier-level)
	permanentErrors := []error{
		ErrEmptyMessageID,
		ErrNilHeaders,
		ErrInvalidThreshold,
		ErrBlankKeyPrefix,
		ErrStoreRequired,
		ErrEnvelopeRequired,
		ErrMissingPayloadRef,
		ErrUnsupportedPayloadEncoding,
		ErrPayloadHashMismatch,
		ErrPayloadCorrupt,
		ErrBlankReference,
	}

	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	// Store-level failures carry their own classification.
	return store.IsRetryable(err)
}

// IsHashMismatch checks if the error is a payload integrity failure and
// returns its details.
func IsHashMismatch(err error) (*HashMismatchError, bool) {
	var hme *HashMismatchError
	if errors.As(err, &hme) {
		return hme, true
	}
	return nil, false
}
