package channel

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/store/payload/memory"
	"github.com/rbaliyan/courier/transport"
)

func newConnectedBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	bus, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		bus.Close(context.Background())
	})
	return bus
}

func mustEnvelope(t *testing.T, id string, body []byte, opts ...courier.EnvelopeOption) *courier.Envelope {
	t.Helper()
	env, err := courier.NewEnvelope(id, body, opts...)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

// captureHandler returns a handler that forwards delivered envelopes to a
// channel the test goroutine can wait on.
func captureHandler(buf int) (transport.Handler, chan *courier.Envelope) {
	ch := make(chan *courier.Envelope, buf)
	return func(ctx context.Context, env *courier.Envelope) error {
		ch <- env
		return nil
	}, ch
}

func waitEnvelope(t *testing.T, ch <-chan *courier.Envelope) *courier.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestLifecycle(t *testing.T) {
	bus, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	env := mustEnvelope(t, "msg-1", []byte("hello"))

	if err := bus.Publish(ctx, "orders", env); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish before Connect: got %v, want ErrNotConnected", err)
	}
	if _, err := bus.Subscribe(ctx, "orders", func(context.Context, *courier.Envelope) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe before Connect: got %v, want ErrNotConnected", err)
	}
	if _, err := bus.Request(ctx, "orders", env); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request before Connect: got %v, want ErrNotConnected", err)
	}
	if bus.IsConnected() {
		t.Error("IsConnected before Connect: got true")
	}

	if err := bus.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !bus.IsConnected() {
		t.Error("IsConnected after Connect: got false")
	}
	if err := bus.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect: got %v, want ErrAlreadyConnected", err)
	}

	if err := bus.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if bus.IsConnected() {
		t.Error("IsConnected after Close: got true")
	}
	if err := bus.Publish(ctx, "orders", env); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish after Close: got %v, want ErrNotConnected", err)
	}
	if err := bus.Close(ctx); err != nil {
		t.Errorf("second Close: got %v, want nil", err)
	}
}

func TestNewRejectsIncompletePayloadConfig(t *testing.T) {
	policy, err := courier.NewPayloadPolicy(courier.WithThreshold(64))
	if err != nil {
		t.Fatalf("NewPayloadPolicy: %v", err)
	}

	if _, err := New(WithPayloadPolicy(policy)); !errors.Is(err, ErrStoreRequired) {
		t.Errorf("policy without store: got %v, want ErrStoreRequired", err)
	}
	if _, err := New(WithPayloadPolicy(policy)); !errors.Is(err, courier.ErrStoreRequired) {
		t.Errorf("policy without store: got %v, want to match courier.ErrStoreRequired", err)
	}
	if _, err := New(WithPayloadStore(memory.New())); !errors.Is(err, ErrPolicyRequired) {
		t.Errorf("store without policy: got %v, want ErrPolicyRequired", err)
	}
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := newConnectedBus(t)
	ctx := context.Background()

	first, firstCh := captureHandler(1)
	second, secondCh := captureHandler(1)

	sub, err := bus.Subscribe(ctx, "orders", first)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Topic() != "orders" {
		t.Errorf("Topic: got %q, want %q", sub.Topic(), "orders")
	}
	if _, err := bus.Subscribe(ctx, "orders", second); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := mustEnvelope(t, "msg-1", []byte("hello"))
	if err := bus.Publish(ctx, "orders", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, ch := range []chan *courier.Envelope{firstCh, secondCh} {
		got := waitEnvelope(t, ch)
		if got.GetID() != "msg-1" {
			t.Errorf("delivered ID: got %q, want %q", got.GetID(), "msg-1")
		}
		if !bytes.Equal(got.GetBody(), []byte("hello")) {
			t.Errorf("delivered body: got %q, want %q", got.GetBody(), "hello")
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := newConnectedBus(t)

	env := mustEnvelope(t, "msg-1", []byte("hello"))
	if err := bus.Publish(context.Background(), "empty-topic", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	bus := newConnectedBus(t)
	ctx := context.Background()

	env := mustEnvelope(t, "msg-1", []byte("hello"))
	if err := bus.Publish(ctx, "   ", env); !errors.Is(err, ErrBlankTopic) {
		t.Errorf("blank topic: got %v, want ErrBlankTopic", err)
	}
	if err := bus.Publish(ctx, "orders", nil); !errors.Is(err, ErrEnvelopeRequired) {
		t.Errorf("nil envelope: got %v, want ErrEnvelopeRequired", err)
	}
	if err := bus.Publish(ctx, "orders", nil); !errors.Is(err, courier.ErrEnvelopeRequired) {
		t.Errorf("nil envelope: got %v, want to match courier.ErrEnvelopeRequired", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	bus := newConnectedBus(t)
	ctx := context.Background()

	handler := func(context.Context, *courier.Envelope) error { return nil }
	if _, err := bus.Subscribe(ctx, "", handler); !errors.Is(err, ErrBlankTopic) {
		t.Errorf("blank topic: got %v, want ErrBlankTopic", err)
	}
	if _, err := bus.Subscribe(ctx, "orders", nil); !errors.Is(err, ErrHandlerRequired) {
		t.Errorf("nil handler: got %v, want ErrHandlerRequired", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newConnectedBus(t)
	ctx := context.Background()

	kept, keptCh := captureHandler(1)
	removed, removedCh := captureHandler(1)

	if _, err := bus.Subscribe(ctx, "orders", kept); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub, err := bus.Subscribe(ctx, "orders", removed)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Errorf("second Unsubscribe: got %v, want nil", err)
	}

	if err := bus.Publish(ctx, "orders", mustEnvelope(t, "msg-1", []byte("hello"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitEnvelope(t, keptCh)
	select {
	case <-removedCh:
		t.Error("unsubscribed handler received a delivery")
	default:
	}
}

func TestClaimCheckRoundTripOverBus(t *testing.T) {
	policy, err := courier.NewPayloadPolicy(courier.WithThreshold(64))
	if err != nil {
		t.Fatalf("NewPayloadPolicy: %v", err)
	}
	payloads := memory.New()
	bus := newConnectedBus(t, WithPayloadPolicy(policy), WithPayloadStore(payloads))
	ctx := context.Background()

	handler, ch := captureHandler(1)
	if _, err := bus.Subscribe(ctx, "orders", handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	body := bytes.Repeat([]byte("large payload "), 80)
	if err := bus.Publish(ctx, "orders", mustEnvelope(t, "msg-1", body)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if payloads.Len() != 1 {
		t.Errorf("payload store objects: got %d, want 1", payloads.Len())
	}

	got := waitEnvelope(t, ch)
	if !bytes.Equal(got.GetBody(), body) {
		t.Errorf("delivered body differs from original (%d vs %d bytes)", got.BodySize(), len(body))
	}

	// Provenance headers survive resolution.
	if mode, _ := got.GetHeader(courier.HeaderPayloadMode); mode != courier.PayloadModeExternal {
		t.Errorf("delivered %s: got %q, want %q", courier.HeaderPayloadMode, mode, courier.PayloadModeExternal)
	}
	if ref, _ := got.GetHeader(courier.HeaderPayloadRef); ref == "" {
		t.Errorf("delivered %s is empty", courier.HeaderPayloadRef)
	}
}

func TestSmallBodiesBypassPayloadStore(t *testing.T) {
	policy, err := courier.NewPayloadPolicy(courier.WithThreshold(1024))
	if err != nil {
		t.Fatalf("NewPayloadPolicy: %v", err)
	}
	payloads := memory.New()
	bus := newConnectedBus(t, WithPayloadPolicy(policy), WithPayloadStore(payloads))
	ctx := context.Background()

	handler, ch := captureHandler(1)
	if _, err := bus.Subscribe(ctx, "orders", handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "orders", mustEnvelope(t, "msg-1", []byte("small"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := waitEnvelope(t, ch)
	if !bytes.Equal(got.GetBody(), []byte("small")) {
		t.Errorf("delivered body: got %q, want %q", got.GetBody(), "small")
	}
	if _, ok := got.GetHeader(courier.HeaderPayloadMode); ok {
		t.Errorf("inline delivery carries %s header", courier.HeaderPayloadMode)
	}
	if payloads.Len() != 0 {
		t.Errorf("payload store objects: got %d, want 0", payloads.Len())
	}
}

func TestRequestReply(t *testing.T) {
	bus := newConnectedBus(t)
	ctx := context.Background()

	requests := make(chan *courier.Envelope, 1)
	_, err := bus.Subscribe(ctx, "echo", func(ctx context.Context, env *courier.Envelope) error {
		requests <- env
		return bus.Reply(ctx, env, append([]byte("re: "), env.GetBody()...))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	env := mustEnvelope(t, "msg-1", []byte("hello"), courier.WithCorrelationID("req-123"))
	reply, err := bus.Request(reqCtx, "echo", env)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if !bytes.Equal(reply.GetBody(), []byte("re: hello")) {
		t.Errorf("reply body: got %q, want %q", reply.GetBody(), "re: hello")
	}
	if reply.GetCorrelationID() != "req-123" {
		t.Errorf("reply correlation: got %q, want %q", reply.GetCorrelationID(), "req-123")
	}

	seen := waitEnvelope(t, requests)
	if seen.GetCorrelationID() != "req-123" {
		t.Errorf("request correlation: got %q, want %q", seen.GetCorrelationID(), "req-123")
	}
	if replyTo, _ := seen.GetHeader(transport.HeaderReplyTo); replyTo == "" {
		t.Error("request envelope has no reply topic header")
	}
}

func TestRequestGeneratesCorrelationID(t *testing.T) {
	bus := newConnectedBus(t)
	ctx := context.Background()

	requests := make(chan *courier.Envelope, 1)
	_, err := bus.Subscribe(ctx, "echo", func(ctx context.Context, env *courier.Envelope) error {
		requests <- env
		return bus.Reply(ctx, env, env.GetBody())
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := bus.Request(reqCtx, "echo", mustEnvelope(t, "msg-1", []byte("hello"))); err != nil {
		t.Fatalf("Request: %v", err)
	}

	seen := waitEnvelope(t, requests)
	if _, err := uuid.Parse(seen.GetCorrelationID()); err != nil {
		t.Errorf("generated correlation %q is not a UUID: %v", seen.GetCorrelationID(), err)
	}
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	bus := newConnectedBus(t)

	reqCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := bus.Request(reqCtx, "nobody-listens", mustEnvelope(t, "msg-1", []byte("hello")))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Request: got %v, want context.DeadlineExceeded", err)
	}
}

func TestRequestReplyWithClaimCheck(t *testing.T) {
	policy, err := courier.NewPayloadPolicy(courier.WithThreshold(64))
	if err != nil {
		t.Fatalf("NewPayloadPolicy: %v", err)
	}
	payloads := memory.New()
	bus := newConnectedBus(t, WithPayloadPolicy(policy), WithPayloadStore(payloads))
	ctx := context.Background()

	requestBody := bytes.Repeat([]byte("ping "), 512)
	replyBody := bytes.Repeat([]byte("pong "), 1024)

	requests := make(chan *courier.Envelope, 1)
	_, err = bus.Subscribe(ctx, "bulk", func(ctx context.Context, env *courier.Envelope) error {
		requests <- env
		return bus.Reply(ctx, env, replyBody)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := bus.Request(reqCtx, "bulk", mustEnvelope(t, "msg-1", requestBody))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if !bytes.Equal(reply.GetBody(), replyBody) {
		t.Errorf("reply body differs from original (%d vs %d bytes)", reply.BodySize(), len(replyBody))
	}
	seen := waitEnvelope(t, requests)
	if !bytes.Equal(seen.GetBody(), requestBody) {
		t.Errorf("request body differs from original (%d vs %d bytes)", seen.BodySize(), len(requestBody))
	}
	if payloads.Len() != 2 {
		t.Errorf("payload store objects: got %d, want 2", payloads.Len())
	}
}

func TestCloseDrainsInFlightDeliveries(t *testing.T) {
	bus := newConnectedBus(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var handled int32
	_, err := bus.Subscribe(ctx, "slow", func(ctx context.Context, env *courier.Envelope) error {
		close(started)
		<-release
		atomic.AddInt32(&handled, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "slow", mustEnvelope(t, "msg-1", []byte("hello"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-started

	closed := make(chan error, 1)
	go func() { closed <- bus.Close(ctx) }()

	select {
	case err := <-closed:
		t.Fatalf("Close returned %v while a delivery was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Close")
	}
	if atomic.LoadInt32(&handled) != 1 {
		t.Errorf("handled deliveries: got %d, want 1", atomic.LoadInt32(&handled))
	}
}

func TestCloseTimesOutOnStuckHandler(t *testing.T) {
	bus := newConnectedBus(t, WithShutdownTimeout(time.Second))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	_, err := bus.Subscribe(ctx, "stuck", func(ctx context.Context, env *courier.Envelope) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "stuck", mustEnvelope(t, "msg-1", []byte("hello"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-started

	if err := bus.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close: got %v, want context.DeadlineExceeded", err)
	}
}

func TestDeliveryFailureHandlerReceivesHandlerErrors(t *testing.T) {
	type failure struct {
		topic string
		err   error
	}
	failures := make(chan failure, 1)
	bus := newConnectedBus(t, WithDeliveryFailureHandler(func(topic string, env *courier.Envelope, err error) {
		failures <- failure{topic: topic, err: err}
	}))
	ctx := context.Background()

	handlerErr := errors.New("handler exploded")
	if _, err := bus.Subscribe(ctx, "orders", func(context.Context, *courier.Envelope) error {
		return handlerErr
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "orders", mustEnvelope(t, "msg-1", []byte("hello"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case f := <-failures:
		if f.topic != "orders" {
			t.Errorf("failure topic: got %q, want %q", f.topic, "orders")
		}
		if !errors.Is(f.err, handlerErr) {
			t.Errorf("failure error: got %v, want %v", f.err, handlerErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery failure")
	}
}

func TestEventsAvailableAfterConnect(t *testing.T) {
	bus, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if bus.Events() != nil {
		t.Error("Events before Connect: got non-nil")
	}
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { bus.Close(context.Background()) })
	if bus.Events() == nil {
		t.Fatal("Events after Connect: got nil")
	}
}
