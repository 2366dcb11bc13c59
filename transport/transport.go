// Package transport defines the boundary interfaces envelopes cross when
// they leave or enter a process: publishers, subscribers, and request/reply
// requesters. Implementations that carry a payload policy apply it at this
// boundary, so publishers hand over full bodies and handlers receive full
// bodies even when the envelope travelled as a claim check.
package transport

import (
	"context"

	"github.com/rbaliyan/courier"
)

// HeaderReplyTo names the topic a responder should publish replies to.
// Request implementations set this header on outgoing request envelopes.
const HeaderReplyTo = "reply.to"

// Handler consumes a delivered envelope. When the transport carries a
// payload policy, the envelope is resolved before the handler runs and the
// body is complete even if it travelled externalized. A non-nil error is
// reported to the transport's delivery failure handler; it does not stop
// the subscription.
type Handler func(ctx context.Context, env *courier.Envelope) error

// Subscription is a live topic registration.
type Subscription interface {
	// Topic returns the subscribed topic.
	Topic() string

	// Unsubscribe removes the registration. Safe to call more than once.
	Unsubscribe(ctx context.Context) error
}

// Publisher sends envelopes to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *courier.Envelope) error
}

// Subscriber registers handlers for a topic. A topic may have any number
// of subscriptions; each receives its own copy of every published envelope.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
}

// Requester provides request/reply over topics. Request publishes an
// envelope and blocks until a correlated reply arrives or ctx is done.
type Requester interface {
	Request(ctx context.Context, topic string, env *courier.Envelope) (*courier.Envelope, error)
}

// Transport combines publish, subscribe, and request/reply capabilities
// with a connection lifecycle.
type Transport interface {
	Publisher
	Subscriber
	Requester

	// Connect prepares the transport for use. Operations before Connect fail.
	Connect(ctx context.Context) error

	// Close drains in-flight deliveries and releases resources.
	Close(ctx context.Context) error
}
