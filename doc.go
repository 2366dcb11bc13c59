// Package courier implements the claim-check pattern for messaging: large
// message bodies are moved out of the message channel into a payload
// store, and a set of reserved headers carries enough information to fetch
// and verify them on the receiving side.
//
// A PayloadPolicy holds the externalization decision (size threshold,
// optional gzip compression, key prefix). PrepareOutbound applies it to an
// outbound envelope; ResolveInbound reverses it, verifying the payload's
// SHA-256 digest before the body reaches a consumer. Payload storage is
// pluggable behind the store.PayloadStore interface.
//
// # Basic Usage
//
//	// Create in-memory payload store for testing
//	payloads := memory.New()
//
//	// Policy: externalize bodies over 64 KiB, gzip them
//	policy, err := courier.NewPayloadPolicy(
//	    courier.WithThreshold(64*1024),
//	    courier.WithCompression(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Outbound: body is uploaded, envelope carries a claim check
//	env, _ := courier.NewEnvelope("msg-1", bigBody)
//	out, err := policy.PrepareOutbound(ctx, env, payloads)
//
//	// Inbound: body is downloaded and verified
//	in, err := policy.ResolveInbound(ctx, out, payloads)
//
// # Payload Stores
//
// The store/payload packages provide implementations for:
//   - Amazon S3 and compatible endpoints (store/payload/s3)
//   - Google Cloud Storage (store/payload/gcs)
//   - Redis (store/payload/redis)
//   - PostgreSQL (store/payload/postgres)
//   - MongoDB (store/payload/mongo)
//   - Local filesystem (store/payload/fs)
//   - In-memory (store/payload/memory) - for testing
//
// Wrap any of them with store/payload/otel for OpenTelemetry traces and
// metrics on upload, download, and delete.
//
// Every store failure is normalized into the taxonomy in the store
// package (NotFound, AlreadyExists, ConditionalConflict, AccessDenied,
// ReferenceInvalid, Unavailable, Unclassified). Only Unavailable is
// retryable; the retry package understands the classification.
//
// # Transport
//
// The transport package defines Publisher/Subscriber/Requester interfaces
// that carry envelopes, and transport/channel provides an in-process bus
// that applies the payload policy transparently on publish and delivery.
// Bus lifecycle events use the github.com/rbaliyan/event/v3 library which
// supports multiple transports (Redis Streams, NATS, Kafka, in-memory
// channel).
package courier
