package cached

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/courier/store"
	"github.com/rbaliyan/courier/store/payload/memory"
)

func TestDownloadFillsAndServesFromCache(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{PayloadStore: memory.New()}
	s := newCachedStore(t, backend)

	body := bytes.Repeat([]byte("cache me "), 100)
	ref, err := s.Upload(ctx, bytes.NewReader(body), "payloads/m1")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	got := mustDownload(t, s, ref)
	if !bytes.Equal(got, body) {
		t.Error("expected first download to return the payload")
	}
	if backend.count() != 1 {
		t.Errorf("expected 1 backend download, got %d", backend.count())
	}

	got = mustDownload(t, s, ref)
	if !bytes.Equal(got, body) {
		t.Error("expected cached download to return the payload")
	}
	if backend.count() != 1 {
		t.Errorf("expected the second download to hit the cache, backend saw %d", backend.count())
	}
}

func TestCacheRespectsSizeBound(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{PayloadStore: memory.New()}
	s := newCachedStore(t, backend, WithMaxSize(16))

	body := bytes.Repeat([]byte("too large for the cache "), 10)
	ref, err := s.Upload(ctx, bytes.NewReader(body), "payloads/big")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	mustDownload(t, s, ref)
	mustDownload(t, s, ref)
	if backend.count() != 2 {
		t.Errorf("expected an oversized payload to bypass the cache, backend saw %d", backend.count())
	}
}

func TestPartialReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{PayloadStore: memory.New()}
	s := newCachedStore(t, backend)

	body := bytes.Repeat([]byte("partial "), 50)
	ref, err := s.Upload(ctx, bytes.NewReader(body), "payloads/partial")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	rc, err := s.Download(ctx, ref)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got := mustDownload(t, s, ref)
	if !bytes.Equal(got, body) {
		t.Error("expected the full payload after a partial read")
	}
	if backend.count() != 2 {
		t.Errorf("expected a truncated read to not be cached, backend saw %d", backend.count())
	}
}

func TestDeletePurgesCacheEntry(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{PayloadStore: memory.New()}
	s := newCachedStore(t, backend)

	ref, err := s.Upload(ctx, bytes.NewReader([]byte("short lived")), "payloads/del")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	mustDownload(t, s, ref)

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// The cache entry must not outlive the payload.
	if _, err := s.Download(ctx, ref); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{PayloadStore: memory.New()}
	s := newCachedStore(t, backend)

	ref, err := s.Upload(ctx, bytes.NewReader([]byte("clear me")), "payloads/clear")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	mustDownload(t, s, ref)

	if err := s.ClearCache(); err != nil {
		t.Fatalf("clear cache failed: %v", err)
	}

	mustDownload(t, s, ref)
	if backend.count() != 2 {
		t.Errorf("expected a backend fetch after clearing, backend saw %d", backend.count())
	}
}

func TestExpiredEntryIsRefetched(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{PayloadStore: memory.New()}
	s := newCachedStore(t, backend, WithTTL(100*time.Millisecond))

	ref, err := s.Upload(ctx, bytes.NewReader([]byte("stale")), "payloads/ttl")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	mustDownload(t, s, ref)

	time.Sleep(150 * time.Millisecond)

	got := mustDownload(t, s, ref)
	if !bytes.Equal(got, []byte("stale")) {
		t.Error("expected the payload after expiry")
	}
	if backend.count() != 2 {
		t.Errorf("expected an expired entry to be refetched, backend saw %d", backend.count())
	}
}

func TestSupportsConditionalPutForwards(t *testing.T) {
	t.Run("forwards a capable backend", func(t *testing.T) {
		s := newCachedStore(t, memory.New())
		if !s.SupportsConditionalPut() {
			t.Error("expected the memory backend capability to be forwarded")
		}
	})

	t.Run("forwards a declining backend", func(t *testing.T) {
		s := newCachedStore(t, memory.New(memory.WithOverwrite(true), memory.WithConditionalPut(false)))
		if s.SupportsConditionalPut() {
			t.Error("expected the disabled capability to be forwarded")
		}
	})

	t.Run("false without the interface", func(t *testing.T) {
		// countingBackend embeds the plain interface, hiding the
		// capability method.
		s := newCachedStore(t, &countingBackend{PayloadStore: memory.New()})
		if s.SupportsConditionalPut() {
			t.Error("expected false for a backend without the capability interface")
		}
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newCachedStore(t, memory.New())
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

// newCachedStore builds a cached store over a temp directory.
func newCachedStore(t *testing.T, backend store.PayloadStore, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithCacheDir(t.TempDir())}, opts...)
	s, err := New(backend, opts...)
	if err != nil {
		t.Fatalf("failed to create cached store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// mustDownload reads a payload fully and closes the stream.
func mustDownload(t *testing.T, s *Store, ref string) []byte {
	t.Helper()
	rc, err := s.Download(context.Background(), ref)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	return data
}

// countingBackend wraps a backend and counts downloads.
type countingBackend struct {
	store.PayloadStore
	mu        sync.Mutex
	downloads int
}

func (b *countingBackend) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	b.mu.Lock()
	b.downloads++
	b.mu.Unlock()
	return b.PayloadStore.Download(ctx, ref)
}

func (b *countingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downloads
}
