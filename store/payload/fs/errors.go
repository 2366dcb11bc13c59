package fs

import (
	"context"
	"errors"
	"os"

	"github.com/rbaliyan/courier/store"
)

// mapUploadError classifies filesystem faults on the write path. A
// missing path here means the tree was removed underneath us, which is
// environmental, not a missing payload.
func mapUploadError(ctx context.Context, op, ref string, err error) error {
	if mapped, ok := store.MapCancellation(ctx, op, ref, err); ok {
		return mapped
	}
	switch {
	case errors.Is(err, os.ErrExist):
		return store.NewError(op, ref, store.ErrAlreadyExists, err)
	case errors.Is(err, os.ErrPermission):
		return store.NewError(op, ref, store.ErrAccessDenied, err)
	case errors.Is(err, os.ErrNotExist):
		return store.NewError(op, ref, store.ErrUnavailable, err)
	default:
		return store.NewError(op, ref, store.ErrUnclassified, err)
	}
}

// mapReadError classifies filesystem faults on the read path, where a
// missing file is the payload itself being absent.
func mapReadError(ctx context.Context, op, ref string, err error) error {
	if mapped, ok := store.MapCancellation(ctx, op, ref, err); ok {
		return mapped
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return store.NewError(op, ref, store.ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return store.NewError(op, ref, store.ErrAccessDenied, err)
	default:
		return store.NewError(op, ref, store.ErrUnclassified, err)
	}
}
