package gcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rbaliyan/courier/store"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// fakeTransport records every request the client sends and answers with a
// canned response, so the tests can assert on the exact wire behavior
// without a network or emulator.
type fakeTransport struct {
	mu      sync.Mutex
	reqs    []*http.Request
	bodies  [][]byte
	respond func(*http.Request) (*http.Response, error)
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body.Close()
		body = b
	}

	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.bodies = append(f.bodies, body)
	fn := f.respond
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no response configured")
	}
	return fn(req)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeTransport) lastRequest(t *testing.T) (*http.Request, []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no requests recorded")
	}
	return f.reqs[len(f.reqs)-1], f.bodies[len(f.bodies)-1]
}

func jsonResponse(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    status,
			Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Header:        http.Header{"Content-Type": []string{"application/json"}},
			ContentLength: int64(len(body)),
			Body:          io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func uploadOKResponse() func(*http.Request) (*http.Response, error) {
	return jsonResponse(http.StatusOK,
		`{"name":"obj","bucket":"payloads-test","generation":"1","metageneration":"1","size":"1"}`)
}

func newTestStore(t *testing.T, rt *fakeTransport, opts ...Option) *Store {
	t.Helper()
	client, err := storage.NewClient(context.Background(),
		option.WithHTTPClient(&http.Client{Transport: rt}))
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	st, err := New(client, append([]Option{WithBucket("payloads-test")}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, WithBucket("b")); err == nil {
		t.Fatal("expected error for nil client")
	}

	client, err := storage.NewClient(context.Background(),
		option.WithHTTPClient(&http.Client{Transport: &fakeTransport{}}))
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	defer client.Close()
	if _, err := New(client); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestUploadConditionalSendsPrecondition(t *testing.T) {
	payload := []byte(`{"order":"42"}`)
	// A size hint at or below the single-shot threshold makes the client
	// verify its locally computed CRC32C against the server response, so
	// the canned object JSON must carry the real checksum of the payload.
	crc := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli))
	sum := base64.StdEncoding.EncodeToString([]byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8), byte(crc)})
	fake := &fakeTransport{respond: jsonResponse(http.StatusOK, fmt.Sprintf(
		`{"name":"obj","bucket":"payloads-test","generation":"1","metageneration":"1","size":"%d","crc32c":"%s"}`,
		len(payload), sum))}
	st := newTestStore(t, fake,
		WithMetadata(map[string]string{"origin": "orders"}),
		WithUploadCustomizer(func(r *UploadRequest) {
			r.SetContentType("application/json")
			r.SetMetadata("team", "billing")
			r.SetMetadata(store.MetaExpiresAt, "tampered")
		}),
	)

	expires := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	ref, err := st.Upload(context.Background(), bytes.NewReader(payload), "invoices/msg-1",
		store.WithSizeHint(int64(len(payload))),
		store.WithExpiresAt(expires))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := "gs://payloads-test/invoices/msg-1"; ref != want {
		t.Fatalf("ref = %q, want %q", ref, want)
	}
	if got := fake.calls(); got != 1 {
		t.Fatalf("HTTP calls = %d, want 1", got)
	}

	req, body := fake.lastRequest(t)
	if !strings.Contains(req.URL.Path, "/b/payloads-test/o") {
		t.Errorf("URL path = %q, want objects insert for payloads-test", req.URL.Path)
	}
	q := req.URL.Query()
	// DoesNotExist is expressed as a zero generation match.
	if got := q.Get("ifGenerationMatch"); got != "0" {
		t.Errorf("ifGenerationMatch = %q, want %q", got, "0")
	}
	if got := q.Get("name"); got != "invoices/msg-1" {
		t.Errorf("name = %q, want %q", got, "invoices/msg-1")
	}
	if !bytes.Contains(body, payload) {
		t.Error("request body does not contain the payload bytes")
	}
	if !bytes.Contains(body, []byte(`"contentType":"application/json"`)) {
		t.Error("request body does not carry the customized content type")
	}
	if !bytes.Contains(body, []byte(`"team":"billing"`)) {
		t.Error("request body does not carry the customized metadata")
	}
	// The customizer tried to overwrite the expiry marker; the store must
	// re-apply the real one.
	want := fmt.Sprintf("%q:%q", store.MetaExpiresAt, store.FormatExpiry(expires))
	if !bytes.Contains(body, []byte(want)) {
		t.Errorf("request body does not carry the expiry marker %s", want)
	}
}

func TestUploadOverwriteOmitsPrecondition(t *testing.T) {
	fake := &fakeTransport{respond: uploadOKResponse()}
	st := newTestStore(t, fake, WithOverwrite(true))

	if _, err := st.Upload(context.Background(), strings.NewReader("x"), "msg-1"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	req, _ := fake.lastRequest(t)
	if got := req.URL.Query().Get("ifGenerationMatch"); got != "" {
		t.Errorf("ifGenerationMatch = %q, want empty in overwrite mode", got)
	}
}

func TestUploadExpiryMarkerDisabled(t *testing.T) {
	fake := &fakeTransport{respond: uploadOKResponse()}
	st := newTestStore(t, fake, WithExpiresMarker(false))

	_, err := st.Upload(context.Background(), strings.NewReader("x"), "msg-1",
		store.WithExpiresAt(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	_, body := fake.lastRequest(t)
	if bytes.Contains(body, []byte(store.MetaExpiresAt)) {
		t.Error("expiry marker present although disabled")
	}
}

func TestUploadAppliesStaticPrefix(t *testing.T) {
	fake := &fakeTransport{respond: uploadOKResponse()}
	st := newTestStore(t, fake, WithPrefix("tenant-a"))

	ref, err := st.Upload(context.Background(), strings.NewReader("x"), "invoices/msg-1")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := "gs://payloads-test/tenant-a/invoices/msg-1"; ref != want {
		t.Fatalf("ref = %q, want %q", ref, want)
	}
}

func TestUploadConditionalPutUnsupportedFailsFast(t *testing.T) {
	fake := &fakeTransport{respond: uploadOKResponse()}
	st := newTestStore(t, fake, WithConditionalPut(false))

	_, err := st.Upload(context.Background(), strings.NewReader("x"), "msg-1")
	if !errors.Is(err, store.ErrConditionalPutUnsupported) {
		t.Fatalf("Upload error = %v, want %v", err, store.ErrConditionalPutUnsupported)
	}
	if got := fake.calls(); got != 0 {
		t.Fatalf("HTTP calls = %d, want 0: the error must be reported before any network traffic", got)
	}

	// Overwrite mode does not need the precondition.
	st = newTestStore(t, fake, WithConditionalPut(false), WithOverwrite(true))
	if _, err := st.Upload(context.Background(), strings.NewReader("x"), "msg-1"); err != nil {
		t.Fatalf("Upload with overwrite: %v", err)
	}
}

func TestUploadMapsPreconditionFailure(t *testing.T) {
	fake := &fakeTransport{respond: jsonResponse(http.StatusPreconditionFailed,
		`{"error":{"code":412,"message":"At least one of the pre-conditions you specified did not hold.","errors":[{"reason":"conditionNotMet","message":"conditionNotMet"}]}}`)}
	st := newTestStore(t, fake)

	_, err := st.Upload(context.Background(), strings.NewReader("x"), "msg-1")
	if !store.IsAlreadyExists(err) {
		t.Fatalf("Upload error = %v, want already exists", err)
	}
	if store.IsRetryable(err) {
		t.Error("lost conditional create must not be retryable")
	}
}

func TestUploadMissingBucketIsUnavailable(t *testing.T) {
	fake := &fakeTransport{respond: jsonResponse(http.StatusNotFound,
		`{"error":{"code":404,"message":"The specified bucket does not exist."}}`)}
	st := newTestStore(t, fake)

	_, err := st.Upload(context.Background(), strings.NewReader("x"), "orders/1")
	if !store.IsUnavailable(err) {
		t.Fatalf("Upload error = %v, want unavailable", err)
	}
	if store.IsNotFound(err) {
		t.Error("a missing bucket must not read as a missing payload")
	}
	if !store.IsRetryable(err) {
		t.Error("a missing bucket is an environment fault and must be retryable")
	}
}

func TestDownloadStreamsBody(t *testing.T) {
	payload := "streamed payload bytes"
	fake := &fakeTransport{respond: func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header: http.Header{
				"Content-Type":          []string{"application/octet-stream"},
				"X-Goog-Generation":     []string{"1"},
				"X-Goog-Metageneration": []string{"1"},
			},
			ContentLength: int64(len(payload)),
			Body:          io.NopCloser(strings.NewReader(payload)),
		}, nil
	}}
	st := newTestStore(t, fake)

	rc, err := st.Download(context.Background(), "gs://payloads-test/msg-1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != payload {
		t.Fatalf("body = %q, want %q", got, payload)
	}
}

func TestDownloadMapsNotFound(t *testing.T) {
	fake := &fakeTransport{respond: jsonResponse(http.StatusNotFound,
		`{"error":{"code":404,"message":"Not Found"}}`)}
	st := newTestStore(t, fake)

	_, err := st.Download(context.Background(), "gs://payloads-test/gone")
	if !store.IsNotFound(err) {
		t.Fatalf("Download error = %v, want not found", err)
	}
}

func TestDeleteIgnoresNotFound(t *testing.T) {
	fake := &fakeTransport{respond: jsonResponse(http.StatusNotFound,
		`{"error":{"code":404,"message":"Not Found"}}`)}
	st := newTestStore(t, fake)

	if err := st.Delete(context.Background(), "gs://payloads-test/gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestOperationsShortCircuitOnCancelledContext(t *testing.T) {
	fake := &fakeTransport{respond: uploadOKResponse()}
	st := newTestStore(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := st.Upload(ctx, strings.NewReader("x"), "msg-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Upload error = %v, want context.Canceled", err)
	}
	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		t.Fatalf("pre-cancelled context must surface as a bare context error, got %v", err)
	}

	if _, err := st.Download(ctx, "gs://payloads-test/msg-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Download error = %v, want context.Canceled", err)
	}
	if err := st.Delete(ctx, "gs://payloads-test/msg-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Delete error = %v, want context.Canceled", err)
	}

	if got := fake.calls(); got != 0 {
		t.Fatalf("HTTP calls = %d, want 0", got)
	}
}

func TestMapError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		err       error
		wantKind  error
		retryable bool
	}{
		{"bucket not exist", storage.ErrBucketNotExist, store.ErrUnavailable, true},
		{"object not exist", storage.ErrObjectNotExist, store.ErrNotFound, false},
		{"wrapped object not exist", fmt.Errorf("read: %w", storage.ErrObjectNotExist), store.ErrNotFound, false},
		{"status 401", &googleapi.Error{Code: http.StatusUnauthorized}, store.ErrAccessDenied, false},
		{"status 403", &googleapi.Error{Code: http.StatusForbidden}, store.ErrAccessDenied, false},
		{"status 404", &googleapi.Error{Code: http.StatusNotFound}, store.ErrNotFound, false},
		{"status 409", &googleapi.Error{Code: http.StatusConflict}, store.ErrConditionalConflict, false},
		{"status 412", &googleapi.Error{Code: http.StatusPreconditionFailed}, store.ErrAlreadyExists, false},
		{"status 429", &googleapi.Error{Code: http.StatusTooManyRequests}, store.ErrUnavailable, true},
		{"status 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, store.ErrUnavailable, true},
		{"unknown", errors.New("weird transport glitch"), store.ErrUnclassified, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(ctx, "download", "gs://b/k", tt.err)
			if !errors.Is(got, tt.wantKind) {
				t.Fatalf("mapError(%v) = %v, want kind %v", tt.err, got, tt.wantKind)
			}
			if store.IsRetryable(got) != tt.retryable {
				t.Errorf("retryable = %v, want %v", store.IsRetryable(got), tt.retryable)
			}
		})
	}
}

func TestMapErrorMissingBucketOnWrite(t *testing.T) {
	ctx := context.Background()
	err := &googleapi.Error{Code: http.StatusNotFound, Message: "The specified bucket does not exist."}

	// The client resolves object-level 404s to ErrObjectNotExist before
	// mapError sees them, so a raw 404 on a write is the bucket.
	for _, op := range []string{"upload", "delete"} {
		got := mapError(ctx, op, "gs://b/k", err)
		if !store.IsUnavailable(got) {
			t.Errorf("mapError(%s) = %v, want unavailable", op, got)
		}
		if !store.IsRetryable(got) {
			t.Errorf("mapError(%s) must be retryable", op)
		}
	}

	if got := mapError(ctx, "download", "gs://b/k", err); !store.IsNotFound(got) {
		t.Errorf("mapError(download) = %v, want not found", got)
	}
}

func TestMapErrorCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := mapError(ctx, "upload", "gs://b/k", fmt.Errorf("post: %w", context.Canceled))
	if !errors.Is(got, context.Canceled) {
		t.Fatalf("mapError = %v, want context.Canceled", got)
	}
	if store.IsUnavailable(got) {
		t.Fatal("caller cancellation must not be classified as unavailable")
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{"gs://bucket/key", "bucket", "key", false},
		{"gs://bucket/a/b/c", "bucket", "a/b/c", false},
		{"gs://bucket", "", "", true},
		{"gs://bucket/", "", "", true},
		{"s3://bucket/key", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		bucket, key, err := parseRef(tt.ref)
		if tt.wantErr {
			if !store.IsReferenceInvalid(err) {
				t.Errorf("parseRef(%q) error = %v, want reference invalid", tt.ref, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRef(%q): %v", tt.ref, err)
			continue
		}
		if bucket != tt.wantBucket || key != tt.wantKey {
			t.Errorf("parseRef(%q) = (%q, %q), want (%q, %q)", tt.ref, bucket, key, tt.wantBucket, tt.wantKey)
		}
	}
}
