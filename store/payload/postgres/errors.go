package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
	"github.com/rbaliyan/courier/store"
)

var (
	errAlreadyConnected = errors.New("postgres: store already connected")
	errNotConnected     = errors.New("postgres: store not connected, call Connect first")
)

// mapError translates a database error into the store error taxonomy.
func mapError(ctx context.Context, op, ref string, err error) error {
	if mapped, ok := store.MapCancellation(ctx, op, ref, err); ok {
		return mapped
	}

	if errors.Is(err, sql.ErrNoRows) {
		return store.NewError(op, ref, store.ErrNotFound, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return store.NewError(op, ref, store.ErrUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return store.NewError(op, ref, store.ErrAlreadyExists, err)
		case "42P01": // undefined_table, schema not initialized yet
			return store.NewError(op, ref, store.ErrUnavailable, err)
		case "42501", "28000", "28P01": // insufficient_privilege, invalid auth
			return store.NewError(op, ref, store.ErrAccessDenied, err)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return store.NewError(op, ref, store.ErrUnavailable, err)
		}
		switch pqErr.Code.Class() {
		case "08": // connection exceptions
			return store.NewError(op, ref, store.ErrUnavailable, err)
		case "53": // insufficient resources
			return store.NewError(op, ref, store.ErrUnavailable, err)
		case "57": // operator intervention (shutdown, crash)
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
