package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"

	"vaultd/internal/digest"
	"vaultd/internal/logging"
)

// Mirror is an optional off-box copy of a chunk store's content, keyed the
// same way as the local fan-out layout (<4hex>/<64hex>). It is consulted
// only as a fallback when a chunk is missing locally, and written to
// best-effort on Insert: a mirror failure is logged and never fails the
// local write, since the local filesystem store remains authoritative for
// every invariant in spec.md §4.1 (atime, inode order, the exclusive sweep
// lock) — the mirror exists for disaster recovery and cross-region reads,
// not as a replacement backend.
type Mirror interface {
	// Put uploads blob under digest d's key. Implementations should treat
	// an already-existing object as success, matching Insert's own
	// already-present-is-not-an-error semantics.
	Put(ctx context.Context, d digest.Digest, blob []byte) error
	// Get downloads the blob for digest d, or ErrChunkMissing if absent.
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
}

// GCSMirror is a Mirror backed by a single Google Cloud Storage bucket. It
// stores each chunk as an object named by the same fan-out key
// (<4hex>/<64hex>) the local store uses as a path, so the bucket's object
// listing mirrors .chunks/ one-for-one.
type GCSMirror struct {
	bucket *storage.BucketHandle
	logger *slog.Logger
}

// NewGCSMirror wraps bucketName behind the Mirror interface. client is
// expected to be long-lived and shared across datastores that mirror to
// the same project; NewGCSMirror itself makes no network calls.
func NewGCSMirror(client *storage.Client, bucketName string, logger *slog.Logger) *GCSMirror {
	return &GCSMirror{
		bucket: client.Bucket(bucketName),
		logger: logging.Default(logger).With("component", "chunkstore.mirror"),
	}
}

func mirrorKey(d digest.Digest) string {
	return d.Bucket() + "/" + d.String()
}

// Put uploads blob to the bucket under d's key.
func (m *GCSMirror) Put(ctx context.Context, d digest.Digest, blob []byte) error {
	w := m.bucket.Object(mirrorKey(d)).NewWriter(ctx)
	if _, err := w.Write(blob); err != nil {
		_ = w.Close()
		return fmt.Errorf("chunkstore: mirror upload %s: %w", d, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("chunkstore: mirror upload %s: %w", d, err)
	}
	return nil
}

// Get downloads the object for d, or ErrChunkMissing if it doesn't exist.
func (m *GCSMirror) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	r, err := m.bucket.Object(mirrorKey(d)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrChunkMissing
		}
		return nil, fmt.Errorf("chunkstore: mirror download %s: %w", d, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: mirror download %s: %w", d, err)
	}
	return data, nil
}

// mirrorPut uploads blob in the background and logs (never returns) a
// failure; Insert's own return value reflects only the local write, per
// this package's doc comment on Mirror.
func (s *Store) mirrorPut(d digest.Digest, blob []byte) {
	if s.mirror == nil {
		return
	}
	go func() {
		if err := s.mirror.Put(context.Background(), d, blob); err != nil {
			s.logger.Warn("mirror upload failed", "digest", d.String(), "error", err)
		}
	}()
}

// mirrorGet is Load's fallback path when the chunk is missing locally.
func (s *Store) mirrorGet(d digest.Digest) ([]byte, error) {
	if s.mirror == nil {
		return nil, ErrChunkMissing
	}
	data, err := s.mirror.Get(context.Background(), d)
	if err != nil {
		return nil, err
	}
	s.logger.Info("chunk served from mirror", "digest", d.String())
	return data, nil
}
