package courier

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is an immutable message as it crosses a transport: an ID, an
// optional correlation ID, a sent timestamp, a byte body, and string
// headers. Construction copies every mutable input and accessors return
// copies, so an envelope never aliases caller-owned state. Policy
// operations return fresh envelopes rather than mutating their input.
type Envelope struct {
	id            string
	correlationID string
	sentAt        time.Time
	body          []byte
	headers       map[string]string
}

// EnvelopeOption configures envelope construction.
type EnvelopeOption func(*envelopeConfig)

type envelopeConfig struct {
	correlationID string
	sentAt        time.Time
	headers       map[string]string
	headersSet    bool
}

// WithCorrelationID sets the correlation ID used to pair requests with
// replies.
func WithCorrelationID(id string) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.correlationID = id
	}
}

// WithSentAt sets the sent timestamp. The instant is normalized to UTC.
// Default is the current time.
func WithSentAt(t time.Time) EnvelopeOption {
	return func(c *envelopeConfig) {
		if !t.IsZero() {
			c.sentAt = t.UTC()
		}
	}
}

// WithHeaders sets the full header map. The map is copied. Passing nil is
// a validation error; omit the option to start from an empty map.
func WithHeaders(headers map[string]string) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.headers = headers
		c.headersSet = true
	}
}

// WithHeader sets a single header, overriding any value for the same key
// from an earlier WithHeaders or WithHeader.
func WithHeader(key, value string) EnvelopeOption {
	return func(c *envelopeConfig) {
		if !c.headersSet {
			c.headers = make(map[string]string)
			c.headersSet = true
		} else if c.headers == nil {
			// WithHeaders(nil) came first; leave it for validation.
			return
		}
		c.headers[key] = value
	}
}

// NewMessageID returns a fresh unique message ID. Message IDs are not
// required to be UUIDs; any non-empty string is accepted by NewEnvelope.
func NewMessageID() string {
	return uuid.New().String()
}

// NewEnvelope creates an envelope with the given message ID and body.
// The body and any provided headers are copied.
func NewEnvelope(id string, body []byte, opts ...EnvelopeOption) (*Envelope, error) {
	if id == "" {
		return nil, ErrEmptyMessageID
	}

	c := &envelopeConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.headersSet && c.headers == nil {
		return nil, ErrNilHeaders
	}

	sentAt := c.sentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	return &Envelope{
		id:            id,
		correlationID: c.correlationID,
		sentAt:        sentAt,
		body:          cloneBytes(body),
		headers:       cloneHeaders(c.headers),
	}, nil
}

// GetID returns the message ID.
func (e *Envelope) GetID() string {
	return e.id
}

// GetCorrelationID returns the correlation ID, or "" if unset.
func (e *Envelope) GetCorrelationID() string {
	return e.correlationID
}

// GetSentAt returns the sent timestamp in UTC.
func (e *Envelope) GetSentAt() time.Time {
	return e.sentAt
}

// GetBody returns a copy of the body.
func (e *Envelope) GetBody() []byte {
	return cloneBytes(e.body)
}

// BodySize returns the body length in bytes without copying.
func (e *Envelope) BodySize() int {
	return len(e.body)
}

// GetHeaders returns a copy of the header map.
func (e *Envelope) GetHeaders() map[string]string {
	return cloneHeaders(e.headers)
}

// GetHeader returns the value for a header key and whether it was set.
func (e *Envelope) GetHeader(key string) (string, bool) {
	v, ok := e.headers[key]
	return v, ok
}

// clone returns a deep copy of the envelope.
func (e *Envelope) clone() *Envelope {
	return &Envelope{
		id:            e.id,
		correlationID: e.correlationID,
		sentAt:        e.sentAt,
		body:          cloneBytes(e.body),
		headers:       cloneHeaders(e.headers),
	}
}

// derive returns a copy of the envelope with a new body and header map.
// The inputs are owned by the result; callers must not reuse them.
func (e *Envelope) derive(body []byte, headers map[string]string) *Envelope {
	return &Envelope{
		id:            e.id,
		correlationID: e.correlationID,
		sentAt:        e.sentAt,
		body:          body,
		headers:       headers,
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
