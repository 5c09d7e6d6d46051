// Package sync implements the pull/sync engine (C8): a source-polymorphic
// puller that mirrors namespaces, groups, and snapshots from a remote
// datastore (over HTTP/2) or another local datastore into a local target
// namespace, deduplicating chunk transfer against the target chunk store.
// See spec.md §4.8.
package sync

import (
	"context"
	"os"
	"path/filepath"

	"vaultd/internal/chunkstore"
	"vaultd/internal/digest"
	"vaultd/internal/snapshot"
)

// Source abstracts where a pull reads from: a remote peer's REST surface,
// or another datastore in the same process (spec.md §4.8
// "source-polymorphism"). Every method is byte- or listing-oriented so
// both variants share one shape; the puller is the one that materializes
// fetched bytes into local index/manifest files.
type Source interface {
	// ListNamespaces lists namespaces reachable from root, depth-capped at
	// maxDepth. Implementations apply the 404-fallback compatibility rule
	// themselves (spec.md §4.8 step 1).
	ListNamespaces(ctx context.Context, maxDepth int) ([]snapshot.Namespace, error)
	// ListGroups lists the groups directly within ns.
	ListGroups(ctx context.Context, ns snapshot.Namespace) ([]snapshot.Group, error)
	// ListSnapshots lists a group's snapshot times, any order (the puller
	// sorts).
	ListSnapshots(ctx context.Context, ns snapshot.Namespace, g snapshot.Group) ([]snapshot.Snapshot, error)
	// FetchManifest returns the raw manifest bytes for s.
	FetchManifest(ctx context.Context, s snapshot.Snapshot) ([]byte, error)
	// FetchFile returns the raw bytes of one file (index or blob) within a
	// snapshot.
	FetchFile(ctx context.Context, s snapshot.Snapshot, filename string) ([]byte, error)
	// FetchChunk returns one chunk's framed bytes by digest.
	FetchChunk(ctx context.Context, d digest.Digest) ([]byte, error)
	// SameStore reports whether this source reads from the same chunk
	// store as target: when true, the puller skips chunk transfer
	// entirely (spec.md §4.8 step 6c).
	SameStore(target *chunkstore.Store) bool
}

// LocalSource reads another datastore in the same process, directly
// through C1/C3/C4, bypassing any network round-trip (spec.md §4.8
// "Local: another datastore in the same process").
type LocalSource struct {
	ds    *snapshot.Datastore
	store *chunkstore.Store
}

// NewLocalSource returns a Source reading ds/store directly.
func NewLocalSource(ds *snapshot.Datastore, store *chunkstore.Store) *LocalSource {
	return &LocalSource{ds: ds, store: store}
}

func (l *LocalSource) ListNamespaces(ctx context.Context, maxDepth int) ([]snapshot.Namespace, error) {
	root, err := snapshot.ParseNamespace("")
	if err != nil {
		return nil, err
	}
	all, err := l.ds.ListNamespaces(root)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		return all, nil
	}
	out := all[:0:0]
	for _, ns := range all {
		if ns.Depth() <= maxDepth {
			out = append(out, ns)
		}
	}
	return out, nil
}

func (l *LocalSource) ListGroups(ctx context.Context, ns snapshot.Namespace) ([]snapshot.Group, error) {
	return l.ds.ListGroups(ns)
}

func (l *LocalSource) ListSnapshots(ctx context.Context, ns snapshot.Namespace, g snapshot.Group) ([]snapshot.Snapshot, error) {
	return l.ds.ListSnapshots(ns, g)
}

func (l *LocalSource) FetchManifest(ctx context.Context, s snapshot.Snapshot) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.ds.Root(), s.ManifestRelPath()))
}

func (l *LocalSource) FetchFile(ctx context.Context, s snapshot.Snapshot, filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.ds.Root(), s.FileRelPath(filename)))
}

func (l *LocalSource) FetchChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	return l.store.Load(d)
}

func (l *LocalSource) SameStore(target *chunkstore.Store) bool {
	return target != nil && l.store != nil && filepath.Clean(l.store.Root()) == filepath.Clean(target.Root())
}

var _ Source = (*LocalSource)(nil)
