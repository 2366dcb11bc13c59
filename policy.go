package courier

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/courier/store"
	"go.opentelemetry.io/otel/attribute"
)

// PayloadPolicy decides whether a message body travels inline or through a
// payload store, and reverses that decision on receipt.
//
// PrepareOutbound externalizes bodies larger than the configured threshold:
// the bytes are uploaded under "<prefix>/<messageID>", the body is emptied,
// and the reserved payload headers describe how to get it back. Bodies at
// or under the threshold pass through untouched with zero store calls.
// ResolveInbound restores externalized bodies, verifying the recorded
// SHA-256 digest before the bytes reach any consumer.
//
// The policy never retries store failures; it propagates the store's
// classification unchanged so callers can drive their own retry loops.
// A policy is immutable after construction and safe for concurrent use.
type PayloadPolicy struct {
	opts   *options
	logger *slog.Logger
	otel   *otelInstrumentation

	keyPrefix string // normalized, no surrounding separators
}

// NewPayloadPolicy creates a payload policy. Configuration is validated
// eagerly: a negative threshold or a blank key prefix fails here rather
// than on the first send.
func NewPayloadPolicy(opts ...Option) (*PayloadPolicy, error) {
	o := newOptions(opts...)
	if err := o.validate(); err != nil {
		return nil, err
	}

	prefix, err := store.NormalizeKey(o.keyPrefix)
	if err != nil {
		return nil, ErrBlankKeyPrefix
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &PayloadPolicy{
		opts:      o,
		logger:    o.logger,
		otel:      otelInstr,
		keyPrefix: prefix,
	}, nil
}

// Threshold returns the externalization threshold in bytes.
func (p *PayloadPolicy) Threshold() int {
	return p.opts.threshold
}

// CompressionEnabled returns true when externalized payloads are gzipped.
func (p *PayloadPolicy) CompressionEnabled() bool {
	return p.opts.compression
}

// KeyPrefix returns the normalized key prefix.
func (p *PayloadPolicy) KeyPrefix() string {
	return p.keyPrefix
}

// PrepareOutbound applies the claim-check decision to an outbound
// envelope. Bodies of at most the threshold size are returned unchanged
// (as a fresh envelope) without touching the store. Larger bodies are
// uploaded under "<prefix>/<messageID>" and replaced with an empty body
// plus the reserved payload headers: mode, ref, the SHA-256 of the
// original bytes, the original size, the encoding when compression was
// applied, and the expiry when one was requested.
//
// Reserved payload headers supplied by the caller are discarded on the
// externalized path, so a header can never describe a body it does not
// match. Store failures propagate with their classification intact.
func (p *PayloadPolicy) PrepareOutbound(ctx context.Context, env *Envelope, ps store.PayloadStore, opts ...PrepareOption) (*Envelope, error) {
	if env == nil {
		return nil, ErrEnvelopeRequired
	}
	if ps == nil {
		return nil, ErrStoreRequired
	}

	callOpts := newPrepareOptions(opts...)
	originalSize := len(env.body)

	ctx, endSpan := p.otel.startSpan(ctx, "courier.payload.prepare",
		attribute.String("message_id", env.id),
		attribute.Int("body_bytes", originalSize),
	)
	start := time.Now()
	externalized := false
	var channelBytes int64
	var prepErr error
	defer func() {
		endSpan(prepErr)
		p.otel.recordPrepare(ctx, time.Since(start), externalized, int64(originalSize), channelBytes, prepErr)
	}()

	// Inline pass-through. The threshold itself stays inline; only
	// strictly larger bodies are externalized.
	if originalSize <= p.opts.threshold {
		channelBytes = int64(originalSize)
		return env.clone(), nil
	}
	externalized = true

	digest := sha256.Sum256(env.body)

	upload := env.body
	compressed := false
	if p.opts.compression {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(env.body); err != nil {
			prepErr = fmt.Errorf("compress payload: %w", err)
			return nil, prepErr
		}
		if err := zw.Close(); err != nil {
			prepErr = fmt.Errorf("compress payload: %w", err)
			return nil, prepErr
		}
		upload = buf.Bytes()
		compressed = true
	}

	uploadOpts := []store.UploadOption{store.WithSizeHint(int64(len(upload)))}
	if !callOpts.expiresAt.IsZero() {
		uploadOpts = append(uploadOpts, store.WithExpiresAt(callOpts.expiresAt))
	}

	ref, err := ps.Upload(ctx, bytes.NewReader(upload), store.JoinKey(p.keyPrefix, env.id), uploadOpts...)
	if err != nil {
		prepErr = fmt.Errorf("upload payload: %w", err)
		return nil, prepErr
	}
	if strings.TrimSpace(ref) == "" {
		prepErr = ErrBlankReference
		return nil, prepErr
	}

	headers := env.GetHeaders()
	for _, k := range reservedPayloadHeaders {
		delete(headers, k)
	}
	headers[HeaderPayloadMode] = PayloadModeExternal
	headers[HeaderPayloadRef] = ref
	headers[HeaderPayloadSHA256] = hex.EncodeToString(digest[:])
	headers[HeaderPayloadSize] = strconv.Itoa(originalSize)
	if compressed {
		headers[HeaderPayloadEncoding] = PayloadEncodingGzip
	}
	if !callOpts.expiresAt.IsZero() {
		headers[HeaderPayloadExpires] = store.FormatExpiry(callOpts.expiresAt)
	}

	p.logger.Debug("externalized payload",
		"message_id", env.id,
		"ref", ref,
		"original_bytes", originalSize,
		"stored_bytes", len(upload),
		"compressed", compressed,
	)

	return env.derive(nil, headers), nil
}

// ResolveInbound reverses PrepareOutbound on a received envelope.
// Envelopes without an external payload mode pass through unchanged.
// For external envelopes the payload is downloaded, decompressed when the
// encoding header says gzip, and verified against the recorded SHA-256
// digest before the body is handed back.
//
// The claim-check headers stay on the resolved envelope. A resolved body
// with mode=external still present is the expected shape; the headers
// record where the body travelled, and consumers must not treat their
// presence as "unresolved".
func (p *PayloadPolicy) ResolveInbound(ctx context.Context, env *Envelope, ps store.PayloadStore) (*Envelope, error) {
	if env == nil {
		return nil, ErrEnvelopeRequired
	}
	if ps == nil {
		return nil, ErrStoreRequired
	}

	mode, _ := env.GetHeader(HeaderPayloadMode)
	external := strings.EqualFold(mode, PayloadModeExternal)

	ctx, endSpan := p.otel.startSpan(ctx, "courier.payload.resolve",
		attribute.String("message_id", env.id),
		attribute.Bool("external", external),
	)
	start := time.Now()
	var resolveErr error
	defer func() {
		endSpan(resolveErr)
		p.otel.recordResolve(ctx, time.Since(start), external, resolveErr)
	}()

	if !external {
		return env.clone(), nil
	}

	ref, _ := env.GetHeader(HeaderPayloadRef)
	if strings.TrimSpace(ref) == "" {
		resolveErr = ErrMissingPayloadRef
		return nil, resolveErr
	}

	rc, err := ps.Download(ctx, ref)
	if err != nil {
		resolveErr = fmt.Errorf("download payload: %w", err)
		return nil, resolveErr
	}
	data, err := io.ReadAll(rc)
	closeErr := rc.Close()
	if err != nil {
		resolveErr = fmt.Errorf("read payload: %w", err)
		return nil, resolveErr
	}
	if closeErr != nil {
		resolveErr = fmt.Errorf("close payload stream: %w", closeErr)
		return nil, resolveErr
	}

	if enc, ok := env.GetHeader(HeaderPayloadEncoding); ok {
		if !strings.EqualFold(enc, PayloadEncodingGzip) {
			resolveErr = fmt.Errorf("%w: %q", ErrUnsupportedPayloadEncoding, enc)
			return nil, resolveErr
		}
		data, err = gunzip(data)
		if err != nil {
			resolveErr = fmt.Errorf("%w: %v", ErrPayloadCorrupt, err)
			return nil, resolveErr
		}
	}

	if expected, ok := env.GetHeader(HeaderPayloadSHA256); ok {
		actual := sha256.Sum256(data)
		actualHex := hex.EncodeToString(actual[:])
		if !strings.EqualFold(expected, actualHex) {
			resolveErr = &HashMismatchError{Ref: ref, Expected: expected, Actual: actualHex}
			return nil, resolveErr
		}
	}

	p.logger.Debug("resolved payload",
		"message_id", env.id,
		"ref", ref,
		"bytes", len(data),
	)

	return env.derive(data, env.GetHeaders()), nil
}

// gunzip decompresses a gzip stream held fully in memory.
func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, err
	}
	if err := zr.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
