package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for channel bus events.
const (
	EventNameMessagePublished    = "courier.message.published"
	EventNameMessageDelivered    = "courier.message.delivered"
	EventNamePayloadExternalized = "courier.payload.externalized"
	EventNamePayloadResolved     = "courier.payload.resolved"
)

// MessagePublishedEvent is published when an envelope is accepted for
// dispatch. Externalized reports whether the body was moved to the payload
// store as part of this publish.
type MessagePublishedEvent struct {
	MessageID    string    `json:"message_id"`
	Topic        string    `json:"topic"`
	Subscribers  int       `json:"subscribers"`
	BodyBytes    int       `json:"body_bytes"`
	Externalized bool      `json:"externalized"`
	PublishedAt  time.Time `json:"published_at"`
}

// MessageDeliveredEvent is published after a handler processes an envelope
// without error. One event is published per successful delivery, so a topic
// with three subscriptions produces up to three events per publish.
type MessageDeliveredEvent struct {
	MessageID   string    `json:"message_id"`
	Topic       string    `json:"topic"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// PayloadExternalizedEvent is published when a body crosses the size
// threshold and is written to the payload store during publish.
type PayloadExternalizedEvent struct {
	MessageID      string    `json:"message_id"`
	Topic          string    `json:"topic"`
	Ref            string    `json:"ref"`
	OriginalBytes  int       `json:"original_bytes"`
	ExternalizedAt time.Time `json:"externalized_at"`
}

// PayloadResolvedEvent is published when an externalized body is fetched
// back from the payload store before delivery.
type PayloadResolvedEvent struct {
	MessageID  string    `json:"message_id"`
	Topic      string    `json:"topic"`
	Ref        string    `json:"ref"`
	Bytes      int       `json:"bytes"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// BusEvents provides access to per-bus event instances.
// Each bus creates its own events bound to its own event bus, enabling
// independent event routing and parallel testing.
type BusEvents struct {
	// MessagePublished is published when an envelope is accepted for dispatch.
	MessagePublished event.Event[MessagePublishedEvent]

	// MessageDelivered is published after a handler completes without error.
	MessageDelivered event.Event[MessageDeliveredEvent]

	// PayloadExternalized is published when a body is written to the payload store.
	PayloadExternalized event.Event[PayloadExternalizedEvent]

	// PayloadResolved is published when a body is fetched back before delivery.
	PayloadResolved event.Event[PayloadResolvedEvent]
}

// newBusEvents creates per-bus event instances with a unique name prefix.
func newBusEvents(namePrefix string) *BusEvents {
	return &BusEvents{
		MessagePublished:    event.New[MessagePublishedEvent](namePrefix + "." + EventNameMessagePublished),
		MessageDelivered:    event.New[MessageDeliveredEvent](namePrefix + "." + EventNameMessageDelivered),
		PayloadExternalized: event.New[PayloadExternalizedEvent](namePrefix + "." + EventNamePayloadExternalized),
		PayloadResolved:     event.New[PayloadResolvedEvent](namePrefix + "." + EventNamePayloadResolved),
	}
}

// registerBusEvents registers per-bus events with the given bus.
func registerBusEvents(ctx context.Context, bus *event.Bus, events *BusEvents) error {
	if err := event.Register(ctx, bus, events.MessagePublished); err != nil {
		return fmt.Errorf("register MessagePublished: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageDelivered); err != nil {
		return fmt.Errorf("register MessageDelivered: %w", err)
	}
	if err := event.Register(ctx, bus, events.PayloadExternalized); err != nil {
		return fmt.Errorf("register PayloadExternalized: %w", err)
	}
	if err := event.Register(ctx, bus, events.PayloadResolved); err != nil {
		return fmt.Errorf("register PayloadResolved: %w", err)
	}
	return nil
}
