// Package postgres provides a PostgreSQL payload store.
//
// Payloads live in a single table keyed by reference, with the bytes in
// a BYTEA column and metadata in JSONB. Conditional creates ride on the
// primary key: INSERT ... ON CONFLICT DO NOTHING either lands the whole
// row or reports the conflict, so two producers racing on the same key
// resolve inside the database.
//
// A requested expiry is stored in the expires_at column. Reads filter
// expired rows out; DeleteExpired reclaims them in bulk.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/courier/store"
)

// Compile-time checks
var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// Store implements store.PayloadStore using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return errAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil
	}
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the payload table and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ref TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.opts.table)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	// Partial index for expiry sweeps
	expiresIdx := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_expires
		ON %s(expires_at)
		WHERE expires_at IS NOT NULL
	`, s.opts.table, s.opts.table)
	if _, err := s.db.ExecContext(ctx, expiresIdx); err != nil {
		s.logger.Warn("failed to create expiry index", "error", err)
	}

	return nil
}

// checkConnected returns a classified error if Connect has not run.
func (s *Store) checkConnected(op string) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.NewError(op, "", store.ErrUnavailable, errNotConnected)
	}
	return nil
}

// SupportsConditionalPut reports true: the primary key conflict clause
// gives PostgreSQL native first-writer-wins semantics.
func (s *Store) SupportsConditionalPut() bool {
	return true
}

// Upload writes content under the given key and returns the row key as
// the reference. Without WithOverwrite the insert does not replace an
// existing row.
func (s *Store) Upload(ctx context.Context, content io.Reader, keyPrefix string, opts ...store.UploadOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.checkConnected("upload"); err != nil {
		return "", err
	}

	key, err := store.NormalizeKey(keyPrefix)
	if err != nil {
		return "", err
	}
	key = store.JoinKey(s.opts.prefix, key)

	uploadOpts := store.NewUploadOptions(opts...)

	data, err := readPayload(content, uploadOpts)
	if err != nil {
		return "", store.NewError("upload", key, store.ErrUnclassified, fmt.Errorf("read payload: %w", err))
	}

	var marker map[string]string
	if s.opts.emitExpiresMarker && uploadOpts.HasExpiry() {
		marker = map[string]string{store.MetaExpiresAt: store.FormatExpiry(uploadOpts.ExpiresAt)}
	}
	metadataJSON, err := json.Marshal(store.MergeMetadata(s.opts.metadata, marker))
	if err != nil {
		return "", store.NewError("upload", key, store.ErrUnclassified, fmt.Errorf("marshal metadata: %w", err))
	}

	var expiresAt *time.Time
	if uploadOpts.HasExpiry() {
		t := uploadOpts.ExpiresAt.UTC()
		expiresAt = &t
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if s.opts.overwrite {
		query := fmt.Sprintf(`
			INSERT INTO %s (ref, data, metadata, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (ref) DO UPDATE
			SET data = EXCLUDED.data, metadata = EXCLUDED.metadata,
			    expires_at = EXCLUDED.expires_at, created_at = NOW()
		`, s.opts.table)

		if _, err := s.db.ExecContext(ctx, query, key, data, metadataJSON, expiresAt); err != nil {
			return "", mapError(ctx, "upload", key, err)
		}
	} else {
		query := fmt.Sprintf(`
			INSERT INTO %s (ref, data, metadata, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (ref) DO NOTHING
		`, s.opts.table)

		result, err := s.db.ExecContext(ctx, query, key, data, metadataJSON, expiresAt)
		if err != nil {
			return "", mapError(ctx, "upload", key, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return "", mapError(ctx, "upload", key, err)
		}
		if rows == 0 {
			return "", store.NewError("upload", key, store.ErrAlreadyExists, nil)
		}
	}

	s.logger.Debug("uploaded payload to postgres", "table", s.opts.table, "ref", key, "bytes", len(data))

	return key, nil
}

// Download returns a reader for the payload content. Expired rows are
// treated as absent.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkConnected("download"); err != nil {
		return nil, err
	}

	key, err := store.NormalizeKey(ref)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT data FROM %s
		WHERE ref = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, s.opts.table)

	var data []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&data); err != nil {
		return nil, mapError(ctx, "download", ref, err)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the payload row. Deleting a reference that no longer
// exists is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkConnected("delete"); err != nil {
		return err
	}

	key, err := store.NormalizeKey(ref)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE ref = $1`, s.opts.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return mapError(ctx, "delete", ref, err)
	}

	s.logger.Debug("deleted payload from postgres", "table", s.opts.table, "ref", key)
	return nil
}

// DeleteExpired removes all rows whose expiry has passed and reports how
// many were reclaimed. Run it periodically; reads already ignore expired
// rows, so the sweep only reclaims space.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.checkConnected("delete_expired"); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()
	`, s.opts.table)

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, mapError(ctx, "delete_expired", "", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, mapError(ctx, "delete_expired", "", err)
	}

	if rows > 0 {
		s.logger.Debug("reclaimed expired payloads", "table", s.opts.table, "count", rows)
	}
	return rows, nil
}

// readPayload drains the content reader, preallocating when the caller
// provided a size hint.
func readPayload(content io.Reader, uploadOpts *store.UploadOptions) ([]byte, error) {
	if uploadOpts.HasSizeHint() {
		buf := bytes.NewBuffer(make([]byte, 0, uploadOpts.SizeHint))
		if _, err := buf.ReadFrom(content); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return io.ReadAll(content)
}
