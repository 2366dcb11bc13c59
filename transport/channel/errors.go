package channel

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/courier"
)

// Sentinel errors for the channel package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding courier-level errors where applicable,
// so errors.Is(err, courier.ErrStoreRequired) will match both channel-level
// and courier-level variants.
var (
	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("channel: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("channel: already connected")

	// ErrBlankTopic is returned when a topic is empty or whitespace.
	ErrBlankTopic = errors.New("channel: blank topic")

	// ErrHandlerRequired is returned when Subscribe is called with a nil handler.
	ErrHandlerRequired = errors.New("channel: handler is required")

	// ErrEnvelopeRequired is returned when a nil envelope is published.
	// Wraps courier.ErrEnvelopeRequired for consistent error checking.
	ErrEnvelopeRequired = fmt.Errorf("channel: %w", courier.ErrEnvelopeRequired)

	// ErrStoreRequired is returned when a payload policy is configured
	// without a payload store to externalize into.
	// Wraps courier.ErrStoreRequired for consistent error checking.
	ErrStoreRequired = fmt.Errorf("channel: %w", courier.ErrStoreRequired)

	// ErrPolicyRequired is returned when a payload store is configured
	// without a policy describing when to use it.
	ErrPolicyRequired = errors.New("channel: payload policy is required")

	// ErrCorrelationInUse is returned when a Request reuses a correlation ID
	// that already has a pending reply.
	ErrCorrelationInUse = errors.New("channel: correlation id already in use")

	// ErrNoReplyTopic is returned by Reply when the request envelope does not
	// carry a reply topic header.
	ErrNoReplyTopic = errors.New("channel: request has no reply topic")
)

// EventPublishError is returned when event publishing fails but the operation
// succeeded. The envelope was dispatched, but the event notification failed.
// Check the MessageID field to identify which envelope this applies to.
type EventPublishError struct {
	Event     string // The event name (e.g., "MessagePublished")
	MessageID string // The envelope ID the event was for
	Err       error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("channel: event %s publish failed for message %s: %v", e.Event, e.MessageID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
// This is useful when eventErrorsFatal=true but you still want to know the
// envelope was dispatched.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}
