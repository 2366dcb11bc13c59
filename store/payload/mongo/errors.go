package mongo

import (
	"context"
	"errors"
	"net"

	"github.com/rbaliyan/courier/store"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

var (
	errAlreadyConnected = errors.New("mongo: already connected")
	errNotConnected     = errors.New("mongo: not connected, call Connect first")
)

// mapError translates MongoDB driver failures into the store taxonomy.
func mapError(ctx context.Context, op, ref string, err error) error {
	if mapped, ok := store.MapCancellation(ctx, op, ref, err); ok {
		return mapped
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.NewError(op, ref, store.ErrNotFound, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return store.NewError(op, ref, store.ErrAlreadyExists, err)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return store.NewError(op, ref, store.ErrUnavailable, err)
	}

	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		switch {
		// Unauthorized, AuthenticationFailed.
		case srvErr.HasErrorCode(13), srvErr.HasErrorCode(18):
			return store.NewError(op, ref, store.ErrAccessDenied, err)
		// Shutdown, stepdown, and time-limit codes:
		// InterruptedAtShutdown, InterruptedDueToReplStateChange,
		// NotWritablePrimary, NotPrimaryNoSecondaryOk,
		// ShutdownInProgress, PrimarySteppedDown, MaxTimeMSExpired.
		// A healthy replica set recovers from these, so they are
		// worth retrying.
		case srvErr.HasErrorCode(11600), srvErr.HasErrorCode(11602),
			srvErr.HasErrorCode(10107), srvErr.HasErrorCode(13435),
			srvErr.HasErrorCode(91), srvErr.HasErrorCode(189),
			srvErr.HasErrorCode(50):
			return store.NewError(op, ref, store.ErrUnavailable, err)
		}
		return store.NewError(op, ref, store.ErrUnclassified, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.NewError(op, ref, store.ErrUnavailable, err)
	}

	return store.NewError(op, ref, store.ErrUnclassified, err)
}
