// Package mongo provides a MongoDB implementation of store.PayloadStore.
//
// Each payload is a single document keyed by its reference through the _id
// field, so conditional creation rides on the collection's mandatory unique
// index: InsertOne either claims the key or reports a duplicate, with no
// read-before-write window. Overwrite mode uses an upsert ReplaceOne
// instead.
//
// Expiry is enforced twice. A TTL index on expires_at lets the server
// reclaim expired documents on its own schedule, and because the TTL
// monitor only runs periodically, reads additionally filter out documents
// whose expires_at has passed. DeleteExpired is available for immediate
// bulk reclamation.
package mongo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/courier/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// payloadDoc is the stored document shape.
type payloadDoc struct {
	Ref       string            `bson:"_id"`
	Data      []byte            `bson:"data"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	ExpiresAt *time.Time        `bson:"expires_at,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
}

// Store implements store.PayloadStore using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// New creates a new MongoDB payload store with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect pings the deployment and initializes the collection and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return errAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil
	}
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates the TTL index used for server-side expiry.
// ExpireAfterSeconds of zero means a document expires at the instant in
// its expires_at field. Documents without the field never expire.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "expires_at", Value: 1}},
			Options: mongoopts.Index().SetExpireAfterSeconds(0),
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) checkConnected(op string) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.NewError(op, "", store.ErrUnavailable, errNotConnected)
	}
	return nil
}

// SupportsConditionalPut always reports true: the unique index on _id
// makes every insert an atomic create-if-absent.
func (s *Store) SupportsConditionalPut() bool {
	return true
}

// Upload stores the payload as a single document and returns its key as
// the reference.
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

	doc := payloadDoc{
		Ref:       key,
		Data:      data,
		Metadata:  store.MergeMetadata(s.opts.metadata, marker),
		CreatedAt: time.Now().UTC(),
	}
	if uploadOpts.HasExpiry() {
		t := uploadOpts.ExpiresAt.UTC()
		doc.ExpiresAt = &t
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if s.opts.overwrite {
		filter := bson.M{"_id": key}
		replaceOpts := mongoopts.Replace().SetUpsert(true)
		if _, err := s.collection.ReplaceOne(ctx, filter, doc, replaceOpts); err != nil {
			return "", mapError(ctx, "upload", key, err)
		}
	} else {
		if _, err := s.collection.InsertOne(ctx, doc); err != nil {
			return "", mapError(ctx, "upload", key, err)
		}
	}

	s.logger.Debug("uploaded payload to mongodb",
		"database", s.opts.database,
		"collection", s.opts.collection,
		"ref", key,
		"bytes", len(data))

	return key, nil
}

// Download returns a reader for the payload content. Documents past their
// expires_at are treated as absent even before the TTL monitor removes
// them.
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

	filter := bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": bson.M{"$gt": time.Now().UTC()}},
		},
	}

	var doc payloadDoc
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, mapError(ctx, "download", ref, err)
	}

	return io.NopCloser(bytes.NewReader(doc.Data)), nil
}

// Delete removes the payload document. Deleting a reference that no
// longer exists is not an error.
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

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return mapError(ctx, "delete", ref, err)
	}

	return nil
}

// DeleteExpired removes all documents whose expiry has passed and reports
// how many were reclaimed. The TTL monitor does the same work on its own
// cadence; this exists for callers that want the space back now.
//
// DeleteMany is atomic per document, so concurrent sweepers are safe.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.checkConnected("delete_expired"); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"expires_at": bson.M{"$lte": time.Now().UTC()}}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, mapError(ctx, "delete_expired", "", err)
	}

	if result.DeletedCount > 0 {
		s.logger.Debug("reclaimed expired payloads",
			"collection", s.opts.collection,
			"deleted", result.DeletedCount)
	}

	return result.DeletedCount, nil
}

// readPayload buffers the upload content, preallocating when the caller
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
