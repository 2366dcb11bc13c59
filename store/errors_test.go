package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError("upload", "s3://bucket/payloads/m1", ErrUnavailable, cause)

	if !errors.Is(err, ErrUnavailable) {
		t.Error("expected errors.Is to match the kind sentinel")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to match the backend cause")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("did not expect a match against an unrelated sentinel")
	}

	var se *Error
	if !errors.As(err, &se) {
		t.Fatal("expected errors.As to find *Error")
	}
	if se.Op != "upload" {
		t.Errorf("expected op upload, got %q", se.Op)
	}
}

func TestErrorMessageFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			"full",
			NewError("download", "gs://b/k", ErrNotFound, errors.New("object missing")),
			"download gs://b/k: store: payload not found: object missing",
		},
		{
			"no cause",
			NewError("delete", "mem/k", ErrAccessDenied, nil),
			"delete mem/k: store: access denied",
		},
		{
			"no op",
			NewError("", "  ", ErrReferenceInvalid, nil),
			"store: invalid payload reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestErrorRetryable(t *testing.T) {
	tests := []struct {
		name string
		kind error
		want bool
	}{
		{"unavailable", ErrUnavailable, true},
		{"not found", ErrNotFound, false},
		{"already exists", ErrAlreadyExists, false},
		{"conditional conflict", ErrConditionalConflict, false},
		{"access denied", ErrAccessDenied, false},
		{"reference invalid", ErrReferenceInvalid, false},
		{"unclassified", ErrUnclassified, false},
		{"conditional put unsupported", ErrConditionalPutUnsupported, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewError("upload", "ref", tt.kind, nil)
			if got := err.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryableWrappedDeeply(t *testing.T) {
	err := fmt.Errorf("prepare payload: %w", NewError("upload", "r", ErrUnavailable, nil))
	if !IsRetryable(err) {
		t.Error("expected wrapped unavailable error to stay retryable")
	}
	if IsRetryable(nil) {
		t.Error("expected nil to be non-retryable")
	}
}

func TestErrorCheckingHelpers(t *testing.T) {
	tests := []struct {
		name  string
		check func(error) bool
		kind  error
	}{
		{"IsNotFound", IsNotFound, ErrNotFound},
		{"IsAlreadyExists", IsAlreadyExists, ErrAlreadyExists},
		{"IsConditionalConflict", IsConditionalConflict, ErrConditionalConflict},
		{"IsAccessDenied", IsAccessDenied, ErrAccessDenied},
		{"IsReferenceInvalid", IsReferenceInvalid, ErrReferenceInvalid},
		{"IsUnavailable", IsUnavailable, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(NewError("op", "ref", tt.kind, nil)) {
				t.Errorf("%s did not match its own kind", tt.name)
			}
			if tt.check(errors.New("unrelated")) {
				t.Errorf("%s matched an unrelated error", tt.name)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrAccessDenied},
		{http.StatusForbidden, ErrAccessDenied},
		{http.StatusConflict, ErrConditionalConflict},
		{http.StatusPreconditionFailed, ErrAlreadyExists},
		{http.StatusRequestTimeout, ErrUnavailable},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusGatewayTimeout, ErrUnavailable},
		{http.StatusBadRequest, ErrUnclassified},
		{http.StatusTeapot, ErrUnclassified},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			if got := ClassifyStatus(tt.status); !errors.Is(got, tt.want) {
				t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestMapCancellationCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mapped, ok := MapCancellation(ctx, "upload", "ref", context.Canceled)
	if !ok {
		t.Fatal("expected cancellation to be recognized")
	}
	if !errors.Is(mapped, context.Canceled) {
		t.Errorf("expected caller cancellation to surface as context.Canceled, got %v", mapped)
	}
	if errors.Is(mapped, ErrUnavailable) {
		t.Error("caller cancellation must not be reclassified as unavailable")
	}
}

func TestMapCancellationBackendAborted(t *testing.T) {
	// The caller's context is still live, so a deadline error must have
	// originated inside the backend.
	mapped, ok := MapCancellation(context.Background(), "download", "ref", context.DeadlineExceeded)
	if !ok {
		t.Fatal("expected cancellation to be recognized")
	}
	if !errors.Is(mapped, ErrUnavailable) {
		t.Errorf("expected backend abort to map to ErrUnavailable, got %v", mapped)
	}
	if !errors.Is(mapped, context.DeadlineExceeded) {
		t.Error("expected the original cause to remain reachable")
	}
}

func TestMapCancellationIgnoresOtherErrors(t *testing.T) {
	if _, ok := MapCancellation(context.Background(), "upload", "ref", errors.New("boom")); ok {
		t.Error("expected non-cancellation errors to pass through")
	}
	if _, ok := MapCancellation(context.Background(), "upload", "ref", nil); ok {
		t.Error("expected nil to pass through")
	}
}

func TestSentinelMessagesCarryPackagePrefix(t *testing.T) {
	sentinels := []error{
		ErrNotFound,
		ErrAlreadyExists,
		ErrConditionalConflict,
		ErrAccessDenied,
		ErrReferenceInvalid,
		ErrUnavailable,
		ErrUnclassified,
		ErrConditionalPutUnsupported,
	}
	for _, err := range sentinels {
		if !strings.HasPrefix(err.Error(), "store: ") {
			t.Errorf("sentinel %q missing package prefix", err)
		}
	}
}
