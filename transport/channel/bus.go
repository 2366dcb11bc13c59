// Package channel provides an in-process topic transport. Envelopes published
// to a topic are delivered asynchronously to every subscription on that topic,
// with handler concurrency bounded by a semaphore.
//
// When constructed with a payload policy and store, the bus applies the
// claim-check pattern at its boundaries: oversized bodies are externalized
// during Publish and resolved back before each handler runs, so handlers
// always observe complete bodies.
//
// The bus also supports request/reply. Request publishes an envelope carrying
// a correlation ID and a reply topic header, then blocks until a responder
// publishes a reply to that topic:
//
//	sub, _ := bus.Subscribe(ctx, "echo", func(ctx context.Context, env *courier.Envelope) error {
//		return bus.Reply(ctx, env, env.GetBody())
//	})
//	reply, err := bus.Request(ctx, "echo", env)
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/transport"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"
)

// Connection states for the bus.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// replyTopicPrefix namespaces the synthetic topics Request listens on.
const replyTopicPrefix = "_reply."

// subscription is a live handler registration on a topic.
type subscription struct {
	id      uint64
	topic   string
	handler transport.Handler
	bus     *Bus
	removed int32
}

// Topic returns the subscribed topic.
func (s *subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the registration. Safe to call more than once.
func (s *subscription) Unsubscribe(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.removed, 0, 1) {
		return nil
	}
	s.bus.remove(s.topic, s.id)
	return nil
}

// Bus is an in-process implementation of transport.Transport.
//
// A Bus must be connected with Connect before use and drained with Close
// when done. All methods are safe for concurrent use.
type Bus struct {
	opts       *options
	logger     *slog.Logger
	state      int32               // stateDisconnected, stateConnecting, or stateConnected
	deliverSem *semaphore.Weighted // Limits concurrent handler invocations
	eventBus   *event.Bus          // Event bus for publishing bus events
	events     *BusEvents          // Per-bus event instances

	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64

	replies sync.Map // reply topic -> chan *courier.Envelope
}

var _ transport.Transport = (*Bus)(nil)

// New creates a channel bus. Call Connect() before publishing or subscribing.
//
// A payload policy and payload store must be configured together: a policy
// without a store has nowhere to externalize into, and a store without a
// policy has no rule for when to use it.
func New(opts ...Option) (*Bus, error) {
	o := newOptions(opts...)

	if o.policy != nil && o.payloads == nil {
		return nil, ErrStoreRequired
	}
	if o.payloads != nil && o.policy == nil {
		return nil, ErrPolicyRequired
	}

	return &Bus{
		opts:       o,
		logger:     o.logger,
		deliverSem: semaphore.NewWeighted(int64(o.maxConcurrentDeliveries)),
		subs:       make(map[string][]*subscription),
	}, nil
}

// Events returns per-bus event instances for subscribing and publishing.
// Only valid after Connect.
func (b *Bus) Events() *BusEvents {
	return b.events
}

// IsConnected returns true if the bus is connected and ready.
func (b *Bus) IsConnected() bool {
	return atomic.LoadInt32(&b.state) == stateConnected
}

// Connect initializes the event bus and marks the bus ready.
func (b *Bus) Connect(ctx context.Context) error {
	// Use three-state to prevent operations from seeing partial initialization
	// stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&b.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&b.state, stateConnected)
		} else {
			atomic.StoreInt32(&b.state, stateDisconnected)
		}
	}()

	if err := b.initEventBus(ctx); err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	b.logger.Info("channel bus connected", "name", b.opts.name)
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this channel bus.
// Each bus instance creates its own event bus and per-bus events.
func (b *Bus) initEventBus(ctx context.Context) error {
	// Each event bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", b.opts.name, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case b.opts.eventTransport != nil:
		b.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(b.opts.eventTransport))
	case b.opts.redisClient != nil:
		b.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(b.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		b.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	b.eventBus = bus

	b.events = newBusEvents(busName)
	if err := registerBusEvents(ctx, bus, b.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register bus events: %w", err)
	}

	return nil
}

// Close waits for in-flight deliveries and releases resources.
// Publishing and subscribing fail after Close. Close is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight deliveries to complete (graceful shutdown).
	// After setting state to disconnected, no new publishes can start.
	// We acquire all semaphore slots to wait for running handlers to finish.
	b.logger.Info("waiting for in-flight deliveries to complete...", "timeout", b.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, b.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := b.deliverSem.Acquire(shutdownCtx, int64(b.opts.maxConcurrentDeliveries)); err != nil {
		// Context cancelled or deadline exceeded - log but continue shutdown
		b.logger.Warn("timeout waiting for in-flight deliveries, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		b.deliverSem.Release(int64(b.opts.maxConcurrentDeliveries))
		b.logger.Info("all in-flight deliveries completed")
	}

	// Close event bus only if using a real transport.
	// For noop transport, the bus doesn't hold resources.
	if b.eventBus != nil && (b.opts.eventTransport != nil || b.opts.redisClient != nil) {
		if err := b.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	return errors.Join(errs...)
}

// checkConnected verifies the bus is ready for operations.
func (b *Bus) checkConnected() error {
	if atomic.LoadInt32(&b.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// Subscribe registers a handler for a topic. Every envelope published to the
// topic is delivered to the handler until the subscription is removed or the
// bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler transport.Handler) (transport.Subscription, error) {
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrBlankTopic
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	sub := &subscription{
		id:      atomic.AddUint64(&b.nextID, 1),
		topic:   topic,
		handler: handler,
		bus:     b,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.logger.Debug("subscribed", "topic", topic)
	return sub, nil
}

// remove drops a subscription from the topic registry.
func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish dispatches an envelope to every subscription on the topic.
//
// When a payload policy is configured, bodies over the threshold are written
// to the payload store before dispatch and the envelope travels as a claim
// check. Delivery is asynchronous: Publish returns once every delivery has a
// slot, not once handlers complete. If ctx is cancelled while waiting for
// delivery capacity, Publish returns the context error; deliveries already
// started are not recalled.
func (b *Bus) Publish(ctx context.Context, topic string, env *courier.Envelope) error {
	if err := b.checkConnected(); err != nil {
		return err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrBlankTopic
	}
	if env == nil {
		return ErrEnvelopeRequired
	}

	outbound := env
	externalized := false
	if b.opts.policy != nil {
		prepared, err := b.opts.policy.PrepareOutbound(ctx, env, b.opts.payloads)
		if err != nil {
			return fmt.Errorf("prepare payload: %w", err)
		}
		outbound = prepared

		mode, _ := prepared.GetHeader(courier.HeaderPayloadMode)
		prior, _ := env.GetHeader(courier.HeaderPayloadMode)
		externalized = mode == courier.PayloadModeExternal && prior != courier.PayloadModeExternal
	}

	if externalized {
		ref, _ := outbound.GetHeader(courier.HeaderPayloadRef)
		if pubErr := b.events.PayloadExternalized.Publish(ctx, PayloadExternalizedEvent{
			MessageID:      env.GetID(),
			Topic:          topic,
			Ref:            ref,
			OriginalBytes:  env.BodySize(),
			ExternalizedAt: time.Now().UTC(),
		}); pubErr != nil {
			b.opts.safeEventPublishFailure("PayloadExternalized", pubErr)
		}
	}

	// Hand the envelope to a pending Request waiter, if any. First reply wins;
	// later replies to the same topic are dropped.
	if ch, ok := b.replies.Load(topic); ok {
		select {
		case ch.(chan *courier.Envelope) <- outbound:
		default:
		}
	}

	b.mu.RLock()
	list := b.subs[topic]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if err := b.deliverSem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire delivery slot: %w", err)
		}
		go b.deliver(ctx, sub, topic, outbound)
	}

	b.logger.Debug("message published",
		"topic", topic,
		"message_id", env.GetID(),
		"subscribers", len(snapshot),
		"externalized", externalized,
	)

	if err := b.events.MessagePublished.Publish(ctx, MessagePublishedEvent{
		MessageID:    env.GetID(),
		Topic:        topic,
		Subscribers:  len(snapshot),
		BodyBytes:    env.BodySize(),
		Externalized: externalized,
		PublishedAt:  time.Now().UTC(),
	}); err != nil {
		if b.opts.eventErrorsFatal {
			// Return an error even though the envelope was dispatched.
			return &EventPublishError{
				Event:     "MessagePublished",
				MessageID: env.GetID(),
				Err:       err,
			}
		}
		b.opts.safeEventPublishFailure("MessagePublished", err)
	}

	return nil
}

// deliver runs one handler invocation. It holds a delivery slot acquired by
// Publish and releases it when the handler returns.
func (b *Bus) deliver(pubCtx context.Context, sub *subscription, topic string, env *courier.Envelope) {
	defer b.deliverSem.Release(1)

	// Deliveries outlive the publishing call. Keep trace and values from the
	// publish context, drop its cancellation.
	ctx := context.WithoutCancel(pubCtx)

	resolved, err := b.resolveInbound(ctx, topic, env)
	if err != nil {
		b.opts.safeDeliveryFailure(topic, env, fmt.Errorf("resolve payload: %w", err))
		return
	}

	// Skip handlers that unsubscribed after the snapshot was taken.
	if atomic.LoadInt32(&sub.removed) == 1 {
		return
	}

	if err := sub.handler(ctx, resolved); err != nil {
		b.opts.safeDeliveryFailure(topic, resolved, err)
		return
	}

	if pubErr := b.events.MessageDelivered.Publish(ctx, MessageDeliveredEvent{
		MessageID:   env.GetID(),
		Topic:       topic,
		DeliveredAt: time.Now().UTC(),
	}); pubErr != nil {
		b.opts.safeEventPublishFailure("MessageDelivered", pubErr)
	}
}

// resolveInbound fetches an externalized body back before the envelope is
// handed to a consumer. Inline envelopes pass through untouched.
func (b *Bus) resolveInbound(ctx context.Context, topic string, env *courier.Envelope) (*courier.Envelope, error) {
	if b.opts.policy == nil {
		return env, nil
	}

	mode, _ := env.GetHeader(courier.HeaderPayloadMode)
	resolved, err := b.opts.policy.ResolveInbound(ctx, env, b.opts.payloads)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(mode, courier.PayloadModeExternal) {
		ref, _ := env.GetHeader(courier.HeaderPayloadRef)
		if pubErr := b.events.PayloadResolved.Publish(ctx, PayloadResolvedEvent{
			MessageID:  env.GetID(),
			Topic:      topic,
			Ref:        ref,
			Bytes:      resolved.BodySize(),
			ResolvedAt: time.Now().UTC(),
		}); pubErr != nil {
			b.opts.safeEventPublishFailure("PayloadResolved", pubErr)
		}
	}

	return resolved, nil
}

// Request publishes an envelope and blocks until a correlated reply arrives
// or ctx is done. The outgoing envelope carries a correlation ID (generated
// when the input has none) and a reply topic in the transport.HeaderReplyTo
// header. Responders send their answer with Reply, or by publishing to the
// reply topic with the same correlation ID.
//
// The reply envelope is resolved before it is returned, so the caller sees a
// complete body even when the responder's reply was externalized.
func (b *Bus) Request(ctx context.Context, topic string, env *courier.Envelope) (*courier.Envelope, error) {
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrBlankTopic
	}
	if env == nil {
		return nil, ErrEnvelopeRequired
	}

	corrID := env.GetCorrelationID()
	if corrID == "" {
		corrID = uuid.NewString()
	}
	replyTopic := replyTopicPrefix + corrID

	request, err := courier.NewEnvelope(env.GetID(), env.GetBody(),
		courier.WithCorrelationID(corrID),
		courier.WithSentAt(env.GetSentAt()),
		courier.WithHeaders(env.GetHeaders()),
		courier.WithHeader(transport.HeaderReplyTo, replyTopic),
	)
	if err != nil {
		return nil, fmt.Errorf("build request envelope: %w", err)
	}

	ch := make(chan *courier.Envelope, 1)
	if _, loaded := b.replies.LoadOrStore(replyTopic, ch); loaded {
		return nil, fmt.Errorf("%w: %s", ErrCorrelationInUse, corrID)
	}
	defer b.replies.Delete(replyTopic)

	if err := b.Publish(ctx, topic, request); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		return b.resolveInbound(ctx, replyTopic, reply)
	}
}

// Reply publishes a response to the reply topic named by a request envelope.
// The reply carries the request's correlation ID and a fresh message ID.
func (b *Bus) Reply(ctx context.Context, request *courier.Envelope, body []byte) error {
	if request == nil {
		return ErrEnvelopeRequired
	}
	replyTo, ok := request.GetHeader(transport.HeaderReplyTo)
	if !ok || replyTo == "" {
		return ErrNoReplyTopic
	}

	reply, err := courier.NewEnvelope(uuid.NewString(), body,
		courier.WithCorrelationID(request.GetCorrelationID()),
	)
	if err != nil {
		return fmt.Errorf("build reply envelope: %w", err)
	}

	return b.Publish(ctx, replyTo, reply)
}
