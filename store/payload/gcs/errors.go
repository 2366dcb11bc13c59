package gcs

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/rbaliyan/courier/store"
	"google.golang.org/api/googleapi"
)

// mapError translates a GCS client error into the store error taxonomy.
// The storage sentinels are checked before the HTTP status: the client
// reports a missing object as ErrObjectNotExist on reads and deletes,
// and only a missing bucket surfaces ErrBucketNotExist directly.
func mapError(ctx context.Context, op, ref string, err error) error {
	if mapped, ok := store.MapCancellation(ctx, op, ref, err); ok {
		return mapped
	}

	if errors.Is(err, storage.ErrBucketNotExist) {
		return store.NewError(op, ref, store.ErrUnavailable, err)
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return store.NewError(op, ref, store.ErrNotFound, err)
	}

	// A DoesNotExist precondition that did not hold comes back as 412,
	// which the status table maps to ErrAlreadyExists.
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		// Object-level 404s arrive as ErrObjectNotExist above. A raw 404
		// reaching this point on a write means the bucket itself is gone,
		// which is an environment fault, not a missing payload.
		if gerr.Code == http.StatusNotFound && (op == "upload" || op == "delete") {
			return store.NewError(op, ref, store.ErrUnavailable, err)
		}
		return store.NewError(op, ref, store.ClassifyStatus(gerr.Code), err)
	}

	return store.NewError(op, ref, store.ErrUnclassified, err)
}
