package channel

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/store"
	eventtransport "github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
)

// Default configuration values.
const (
	DefaultName                    = "channel"        // default bus name
	DefaultMaxConcurrentDeliveries = 10               // max concurrent handler invocations per bus
	DefaultShutdownTimeout         = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout             = 1 * time.Second  // minimum shutdown timeout
)

// options holds channel bus configuration.
type options struct {
	name   string
	logger *slog.Logger

	// Claim-check configuration. Both must be set together or not at all.
	policy   *courier.PayloadPolicy
	payloads store.PayloadStore

	// Concurrency limits
	maxConcurrentDeliveries int

	// Shutdown
	shutdownTimeout time.Duration

	// Event handling
	eventErrorsFatal      bool                     // If true, event publishing failures cause Publish to fail
	eventTransport        eventtransport.Transport // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient    // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc  // Callback for event publish failures (always set)
	onDeliveryFailure     DeliveryFailureFunc      // Callback for handler and resolve failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "MessagePublished"), and err
// is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// DeliveryFailureFunc is called when a delivery fails, either because the
// envelope body could not be resolved or because the handler returned an
// error. The envelope passed is the one that was being delivered.
type DeliveryFailureFunc func(topic string, env *courier.Envelope, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed to prevent
// cascading failures.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// safeDeliveryFailure calls the delivery failure callback with panic recovery.
func (o *options) safeDeliveryFailure(topic string, env *courier.Envelope, err error) {
	if o.onDeliveryFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in delivery failure handler",
				"topic", topic,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onDeliveryFailure(topic, env, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		name:                    DefaultName,
		logger:                  slog.Default(),
		maxConcurrentDeliveries: DefaultMaxConcurrentDeliveries,
		shutdownTimeout:         DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Ensure failure callbacks are always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}
	if o.onDeliveryFailure == nil {
		o.onDeliveryFailure = func(topic string, env *courier.Envelope, err error) {
			o.logger.Error("delivery failed", "topic", topic, "message_id", env.GetID(), "error", err)
		}
	}

	return o
}

// Option configures a channel bus.
type Option func(*options)

// WithName sets the bus name used in event bus names and log output.
// Default is "channel".
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPayloadPolicy sets the claim-check policy applied at the publish and
// delivery boundaries. Requires WithPayloadStore to be set as well.
func WithPayloadPolicy(p *courier.PayloadPolicy) Option {
	return func(o *options) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithPayloadStore sets the payload store that externalized bodies are
// written to and resolved from. Requires WithPayloadPolicy to be set as well.
func WithPayloadStore(s store.PayloadStore) Option {
	return func(o *options) {
		if s != nil {
			o.payloads = s
		}
	}
}

// WithMaxConcurrentDeliveries sets the maximum number of concurrently running
// handler invocations. Publish blocks while all delivery slots are busy,
// which applies backpressure to fast publishers.
// Default is 10.
func WithMaxConcurrentDeliveries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentDeliveries = n
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight deliveries
// during graceful shutdown. When Close() is called, the bus waits up to this
// duration for running handlers to complete.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// WithEventErrorsFatal configures whether event publishing failures should
// cause Publish to fail. By default, event failures are logged but the
// publish succeeds (the envelope is still dispatched).
//
// Set to true if your application requires guaranteed event delivery,
// for example when events drive critical downstream processes.
// Set to false (default) for fire-and-forget event publishing.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing bus events.
// When provided, events are published via the given transport for reliable
// delivery. If not provided, a noop transport is used (events are silently
// dropped).
func WithEventTransport(t eventtransport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, bus events are published to Redis Streams for reliable
// delivery. If not provided, a noop transport is used (events are silently
// dropped).
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// This callback is invoked whenever an event fails to publish (and
// eventErrorsFatal is false). Use this for custom logging, metrics, or
// alerting on event failures.
//
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// WithDeliveryFailureHandler sets a callback invoked when a handler returns
// an error or an envelope body cannot be resolved before dispatch. Use this
// for dead-letter handling or alerting.
//
// By default, failures are logged using the configured logger.
func WithDeliveryFailureHandler(fn DeliveryFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onDeliveryFailure = fn
		}
	}
}
