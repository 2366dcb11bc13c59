package redis

import (
	"context"
	"errors"
	"net"

	"github.com/rbaliyan/courier/store"
	"github.com/redis/go-redis/v9"
)

// Server reply prefixes that signal a temporarily unusable instance.
var unavailablePrefixes = []string{"LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN"}

// Server reply prefixes that signal missing permissions.
var accessDeniedPrefixes = []string{"NOAUTH", "NOPERM", "WRONGPASS"}

// mapError translates a go-redis error into the store error taxonomy.
func mapError(ctx context.Context, op, ref string, err error) error {
	if mapped, ok := store.MapCancellation(ctx, op, ref, err); ok {
		return mapped
	}

	if errors.Is(err, redis.Nil) {
		return store.NewError(op, ref, store.ErrNotFound, err)
	}
	if errors.Is(err, redis.ErrClosed) {
		return store.NewError(op, ref, store.ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.NewError(op, ref, store.ErrUnavailable, err)
	}

	for _, prefix := range unavailablePrefixes {
		if redis.HasErrorPrefix(err, prefix) {
			return store.NewError(op, ref, store.ErrUnavailable, err)
		}
	}
	for _, prefix := range accessDeniedPrefixes {
		if redis.HasErrorPrefix(err, prefix) {
			return store.NewError(op, ref, store.ErrAccessDenied, err)
		}
	}

	return store.NewError(op, ref, store.ErrUnclassified, err)
}
