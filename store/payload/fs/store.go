// Package fs provides a local filesystem payload store.
//
// Payloads are written to a temporary file first and committed with a
// single link or rename, so a reader can never observe a partially
// written payload. Conditional creates rely on the atomicity of link(2):
// of two producers racing on the same key, exactly one wins and the
// other gets ErrAlreadyExists.
//
// Unlike the object store backends, this store enforces a recorded
// expiry itself: an expired payload is removed on read and reported as
// ErrNotFound. Metadata and expiry live in a JSON sidecar under a
// separate subtree, next to nothing a payload key can collide with. The
// sidecar is fully staged before the payload is committed and renamed
// into place right after, so a failed upload leaves neither file behind;
// only a crash between the two renames can leave a payload whose expiry
// was never recorded.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbaliyan/courier/store"
)

// Subtrees under the store root. Payload keys only ever name files below
// objectsDir, so the sidecar and staging trees cannot collide with them.
const (
	objectsDir = "objects"
	metaDir    = "meta"
	tmpDir     = "tmp"
)

// sidecar is the JSON document stored next to each payload.
type sidecar struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	StoredAt time.Time         `json:"stored_at"`
}

// expired reports whether the sidecar records an expiry in the past.
// A missing or unparseable marker never expires anything.
func (sc *sidecar) expired(now time.Time) bool {
	marker, ok := sc.Metadata[store.MetaExpiresAt]
	if !ok {
		return false
	}
	at, err := store.ParseExpiry(marker)
	if err != nil {
		return false
	}
	return now.After(at)
}

// Store implements store.PayloadStore on a local directory tree.
type Store struct {
	root string
	opts *options
}

// Ensure Store implements the payload store contracts.
var (
	_ store.PayloadStore      = (*Store)(nil)
	_ store.ConditionalPutter = (*Store)(nil)
)

// New creates a filesystem store rooted at root, creating the directory
// tree if needed. If the root disappears later (an unmounted volume, an
// aggressive cleanup job), operations report ErrUnavailable until it is
// back.
func New(root string, opts ...Option) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("payload root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	o := newOptions(opts...)

	for _, sub := range []string{objectsDir, metaDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(abs, sub), o.dirMode); err != nil {
			return nil, err
		}
	}

	return &Store{root: abs, opts: o}, nil
}

// SupportsConditionalPut reports true: link(2) gives the filesystem
// store native first-writer-wins semantics.
func (s *Store) SupportsConditionalPut() bool {
	return true
}

// Upload writes content under the given key and returns the key as the
// reference. Without WithOverwrite the write is a conditional create.
func (s *Store) Upload(ctx context.Context, content io.Reader, keyPrefix string, opts ...store.UploadOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := store.NormalizeKey(keyPrefix)
	if err != nil {
		return "", err
	}
	key = store.JoinKey(s.opts.prefix, key)
	if err := checkKeyPath(key); err != nil {
		return "", store.NewError("upload", key, store.ErrReferenceInvalid, err)
	}
	if err := s.checkRoot(); err != nil {
		return "", store.NewError("upload", key, store.ErrUnavailable, err)
	}

	uploadOpts := store.NewUploadOptions(opts...)

	var marker map[string]string
	if s.opts.emitExpiresMarker && uploadOpts.HasExpiry() {
		marker = map[string]string{store.MetaExpiresAt: store.FormatExpiry(uploadOpts.ExpiresAt)}
	}
	metadata := store.MergeMetadata(s.opts.metadata, marker)

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put-*")
	if err != nil {
		return "", mapUploadError(ctx, "upload", key, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, content); err != nil {
		cleanup()
		return "", mapUploadError(ctx, "upload", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", mapUploadError(ctx, "upload", key, err)
	}
	if err := os.Chmod(tmpPath, s.opts.fileMode); err != nil {
		cleanup()
		return "", mapUploadError(ctx, "upload", key, err)
	}

	// The sidecar is staged before the payload is committed, so losing
	// the conditional race below discards only a temp file and can never
	// touch the winner's metadata.
	var sidecarTmp string
	if len(metadata) > 0 {
		sidecarTmp, err = s.stageSidecar(metadata)
		if err != nil {
			cleanup()
			return "", mapUploadError(ctx, "upload", key, err)
		}
	}
	discardSidecar := func() {
		if sidecarTmp != "" {
			_ = os.Remove(sidecarTmp)
		}
	}

	dst := s.payloadPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), s.opts.dirMode); err != nil {
		cleanup()
		discardSidecar()
		return "", mapUploadError(ctx, "upload", key, err)
	}

	if s.opts.overwrite {
		if err := os.Rename(tmpPath, dst); err != nil {
			cleanup()
			discardSidecar()
			return "", mapUploadError(ctx, "upload", key, err)
		}
	} else {
		// link(2) fails with EEXIST when the key is taken, atomically.
		err := os.Link(tmpPath, dst)
		_ = os.Remove(tmpPath)
		if err != nil {
			discardSidecar()
			return "", mapUploadError(ctx, "upload", key, err)
		}
	}

	if sidecarTmp != "" {
		if err := s.commitSidecar(key, sidecarTmp); err != nil {
			// Leave no payload behind that lost its metadata.
			_ = os.Remove(dst)
			return "", mapUploadError(ctx, "upload", key, err)
		}
	}

	s.opts.logger.Debug("uploaded payload to filesystem", "root", s.root, "key", key)

	return key, nil
}

// Download returns a reader for the payload content. An expired payload
// is removed and reported as ErrNotFound.
func (s *Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := s.resolveRef("download", ref)
	if err != nil {
		return nil, err
	}
	if err := s.checkRoot(); err != nil {
		return nil, store.NewError("download", ref, store.ErrUnavailable, err)
	}

	if sc := s.readSidecar(key); sc != nil && sc.expired(time.Now()) {
		_ = os.Remove(s.payloadPath(key))
		_ = os.Remove(s.sidecarPath(key))
		return nil, store.NewError("download", ref, store.ErrNotFound, nil)
	}

	f, err := os.Open(s.payloadPath(key))
	if err != nil {
		return nil, mapReadError(ctx, "download", ref, err)
	}
	return f, nil
}

// Delete removes the payload and its sidecar. Deleting a reference that
// no longer exists is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, err := s.resolveRef("delete", ref)
	if err != nil {
		return err
	}
	if err := s.checkRoot(); err != nil {
		return store.NewError("delete", ref, store.ErrUnavailable, err)
	}

	if err := os.Remove(s.payloadPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return mapUploadError(ctx, "delete", ref, err)
	}
	if err := os.Remove(s.sidecarPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return mapUploadError(ctx, "delete", ref, err)
	}

	s.opts.logger.Debug("deleted payload from filesystem", "root", s.root, "key", key)
	return nil
}

// checkRoot verifies the store root still exists.
func (s *Store) checkRoot() error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("payload root %s: %w", s.root, err)
	}
	return nil
}

// resolveRef validates a reference back into a payload key.
func (s *Store) resolveRef(op, ref string) (string, error) {
	key, err := store.NormalizeKey(ref)
	if err != nil {
		return "", err
	}
	if err := checkKeyPath(key); err != nil {
		return "", store.NewError(op, ref, store.ErrReferenceInvalid, err)
	}
	return key, nil
}

func (s *Store) payloadPath(key string) string {
	return filepath.Join(s.root, objectsDir, filepath.FromSlash(key))
}

func (s *Store) sidecarPath(key string) string {
	return filepath.Join(s.root, metaDir, filepath.FromSlash(key)+".json")
}

// stageSidecar writes the sidecar document into the temp tree and
// returns its path, ready to be committed.
func (s *Store) stageSidecar(metadata map[string]string) (string, error) {
	doc, err := json.Marshal(sidecar{Metadata: metadata, StoredAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "meta-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// commitSidecar renames a staged sidecar into place, so a reader never
// sees a torn sidecar.
func (s *Store) commitSidecar(key, tmpPath string) error {
	dst := s.sidecarPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), s.opts.dirMode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// readSidecar loads the sidecar for a key. A missing or unreadable
// sidecar degrades to no metadata.
func (s *Store) readSidecar(key string) *sidecar {
	doc, err := os.ReadFile(s.sidecarPath(key))
	if err != nil {
		return nil
	}
	var sc sidecar
	if err := json.Unmarshal(doc, &sc); err != nil {
		return nil
	}
	return &sc
}

// checkKeyPath rejects keys that would escape the store root once mapped
// to a filesystem path.
func checkKeyPath(key string) error {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) {
		return fmt.Errorf("key must be relative")
	}
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("key escapes the store root")
	}
	return nil
}
