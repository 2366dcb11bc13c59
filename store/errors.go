package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors forming the closed payload-store taxonomy. Every error
// returned by a PayloadStore implementation matches exactly one of these
// via errors.Is. ErrUnavailable is the only retryable kind.
var (
	// ErrNotFound is returned when no payload exists for a reference.
	ErrNotFound = errors.New("store: payload not found")

	// ErrAlreadyExists is returned when an upload with overwrite disabled
	// targets a key that already holds a payload.
	ErrAlreadyExists = errors.New("store: payload already exists")

	// ErrConditionalConflict is returned when a conditional upload loses a
	// race against a concurrent writer of the same key.
	ErrConditionalConflict = errors.New("store: conditional write conflict")

	// ErrAccessDenied is returned on authentication or authorization
	// failures. Retrying without a credential change will not help.
	ErrAccessDenied = errors.New("store: access denied")

	// ErrReferenceInvalid is returned when a reference or key prefix is
	// empty, whitespace-only, only separators, or structurally malformed.
	ErrReferenceInvalid = errors.New("store: invalid payload reference")

	// ErrUnavailable is returned on transient infrastructure failures:
	// throttling, timeouts, connection loss, missing buckets or tables,
	// and server-side errors. Callers may retry with backoff.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrUnclassified is returned for backend failures that fit no other
	// kind. It is treated as non-retryable.
	ErrUnclassified = errors.New("store: unclassified backend error")

	// ErrConditionalPutUnsupported is returned when an upload requires
	// create-if-absent semantics but the store is configured for a backend
	// that cannot guarantee them. It is raised before any network call.
	ErrConditionalPutUnsupported = errors.New("store: conditional put not supported")
)

// Error is the concrete error type returned by payload stores. It pairs a
// taxonomy sentinel with the operation, the offending reference, and the
// untranslated backend cause.
//
// Error matches both its Kind and its cause through errors.Is, so callers
// can branch on the taxonomy while logs retain the backend detail:
//
//	if errors.Is(err, store.ErrAlreadyExists) { ... }
type Error struct {
	// Op is the failing operation: "upload", "download", or "delete".
	Op string

	// Ref is the payload reference or key involved, when known.
	Ref string

	// Kind is the taxonomy sentinel this failure was classified as.
	Kind error

	// Err is the underlying backend error, if any.
	Err error
}

// NewError builds an Error. kind must be one of the taxonomy sentinels;
// cause may be nil.
func NewError(op, ref string, kind, cause error) *Error {
	return &Error{Op: op, Ref: ref, Kind: kind, Err: cause}
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		if e.Ref != "" {
			sb.WriteString(" ")
			sb.WriteString(e.Ref)
		}
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes both the taxonomy sentinel and the backend cause to
// errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the failure is worth retrying. Only
// ErrUnavailable-class failures are.
func (e *Error) Retryable() bool {
	return errors.Is(e.Kind, ErrUnavailable)
}

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsConditionalConflict(err error) bool {
	return errors.Is(err, ErrConditionalConflict)
}

func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

func IsReferenceInvalid(err error) bool {
	return errors.Is(err, ErrReferenceInvalid)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRetryable reports whether err is a transient store failure. It is the
// mechanical complement of the taxonomy: true only for ErrUnavailable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ClassifyStatus maps an HTTP response status to a taxonomy sentinel.
// HTTP-backed stores use it as the fallback after backend-specific error
// codes have been checked; a 404 can mean a missing container rather than
// a missing object, and those checks must come first.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAccessDenied
	case status == http.StatusConflict:
		return ErrConditionalConflict
	case status == http.StatusPreconditionFailed:
		return ErrAlreadyExists
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrUnavailable
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrUnclassified
	}
}

// MapCancellation classifies a cancellation-flavored failure observed
// during a backend call. It returns (nil, false) when err is not
// cancellation-related. When the caller's own context is cancelled the
// context error surfaces unchanged; an abort that originated inside the
// backend (an internal deadline, a dropped stream) maps to ErrUnavailable
// because the caller never asked to stop.
func MapCancellation(ctx context.Context, op, ref string, err error) (error, bool) {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, false
	}
	if ctx.Err() != nil {
		if ref == "" {
			return fmt.Errorf("%s: %w", op, err), true
		}
		return fmt.Errorf("%s %s: %w", op, ref, err), true
	}
	return NewError(op, ref, ErrUnavailable, err), true
}
