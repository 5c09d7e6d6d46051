package verify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vaultd/internal/blob"
	"vaultd/internal/chunkstore"
	"vaultd/internal/digest"
	"vaultd/internal/index"
	"vaultd/internal/snapshot"
)

func setup(t *testing.T) (*chunkstore.Store, *snapshot.Datastore, string) {
	t.Helper()
	root := t.TempDir()
	store, err := chunkstore.Open(chunkstore.Config{Root: root})
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ds := snapshot.Open(root, nil)
	return store, ds, root
}

func writeSnapshotWithChunks(t *testing.T, root string, ds *snapshot.Datastore, store *chunkstore.Store, plaintexts [][]byte) snapshot.Snapshot {
	t.Helper()
	ns, _ := snapshot.ParseNamespace("")
	g := snapshot.Group{Type: snapshot.TypeVM, ID: "100"}
	s := snapshot.Snapshot{Namespace: ns, Group: g, Time: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)}

	_, lock, err := ds.CreateLockedBackupDir(s)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	defer lock.Release()

	idxPath := filepath.Join(root, s.FileRelPath("disk.img.didx"))
	w, err := index.CreateDynamic(idxPath)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	for _, pt := range plaintexts {
		d := digest.Compute(pt)
		framed, err := blob.Encode(pt, blob.CryptNone, nil, false)
		if err != nil {
			t.Fatalf("blob.Encode: %v", err)
		}
		if _, _, err := store.Insert(d, framed); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		w.Append(d, uint64(len(pt)))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("index Close: %v", err)
	}

	manifest := snapshot.Manifest{Files: []snapshot.FileEntry{
		{Filename: "disk.img.didx"},
	}}
	if err := snapshot.WriteManifest(filepath.Join(root, s.ManifestRelPath()), manifest); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	return s
}

func TestVerifySnapshotAllGood(t *testing.T) {
	store, ds, root := setup(t)
	s := writeSnapshotWithChunks(t, root, ds, store, [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})

	v := New(store, ds, Config{})
	out, err := v.VerifySnapshot(context.Background(), s, "UPID:test:1")
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if out.ChunksChecked != 3 {
		t.Errorf("expected 3 chunks checked, got %d", out.ChunksChecked)
	}
	if out.ChunksBad != 0 {
		t.Errorf("expected 0 bad chunks, got %d", out.ChunksBad)
	}
	if out.State != snapshot.VerifyStateOK {
		t.Errorf("expected state ok, got %q", out.State)
	}

	vs, err := snapshot.ReadVerifyState(filepath.Join(root, s.VerifyStateRelPath()))
	if err != nil {
		t.Fatalf("ReadVerifyState: %v", err)
	}
	if vs.State != snapshot.VerifyStateOK {
		t.Errorf("persisted state: got %q", vs.State)
	}
}

func TestVerifySnapshotMarksCorruptChunkBad(t *testing.T) {
	store, ds, root := setup(t)

	ns, _ := snapshot.ParseNamespace("")
	g := snapshot.Group{Type: snapshot.TypeVM, ID: "100"}
	s := snapshot.Snapshot{Namespace: ns, Group: g, Time: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)}

	_, lock, err := ds.CreateLockedBackupDir(s)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	defer lock.Release()

	good := []byte("also-good")
	goodDigest := digest.Compute(good)
	goodFramed, err := blob.Encode(good, blob.CryptNone, nil, false)
	if err != nil {
		t.Fatalf("blob.Encode: %v", err)
	}
	if _, _, err := store.Insert(goodDigest, goodFramed); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Simulate bit rot: the digest identifies plaintext "good", but the
	// bytes actually stored under it are a corrupted framing (the CRC
	// no longer matches the payload it accompanies).
	bad := []byte("good")
	badDigest := digest.Compute(bad)
	badFramed, err := blob.Encode(bad, blob.CryptNone, nil, false)
	if err != nil {
		t.Fatalf("blob.Encode: %v", err)
	}
	badFramed[len(badFramed)-1] ^= 0xFF
	if _, _, err := store.Insert(badDigest, badFramed); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	idxPath := filepath.Join(root, s.FileRelPath("disk.img.didx"))
	w, err := index.CreateDynamic(idxPath)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	w.Append(badDigest, uint64(len(bad)))
	w.Append(goodDigest, uint64(len(good)))
	if err := w.Close(); err != nil {
		t.Fatalf("index Close: %v", err)
	}

	manifest := snapshot.Manifest{Files: []snapshot.FileEntry{{Filename: "disk.img.didx"}}}
	if err := snapshot.WriteManifest(filepath.Join(root, s.ManifestRelPath()), manifest); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	v := New(store, ds, Config{})
	out, err := v.VerifySnapshot(context.Background(), s, "UPID:test:2")
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if out.ChunksBad != 1 {
		t.Errorf("expected 1 bad chunk, got %d", out.ChunksBad)
	}
	if out.State != snapshot.VerifyStateFailed {
		t.Errorf("expected failed state, got %q", out.State)
	}

	if _, err := store.Stat(badDigest); err == nil {
		t.Error("expected corrupted chunk to be renamed out of its normal path")
	}
	if _, err := store.Stat(goodDigest); err != nil {
		t.Errorf("expected good chunk to be untouched: %v", err)
	}
}

func TestVerifyFileSkipsNonIndexFiles(t *testing.T) {
	store, ds, root := setup(t)
	ns, _ := snapshot.ParseNamespace("")
	g := snapshot.Group{Type: snapshot.TypeVM, ID: "200"}
	s := snapshot.Snapshot{Namespace: ns, Group: g, Time: time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)}

	_, lock, err := ds.CreateLockedBackupDir(s)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	lock.Release()

	manifest := snapshot.Manifest{Files: []snapshot.FileEntry{
		{Filename: "qemu-server.conf.blob", Size: 10},
	}}
	if err := snapshot.WriteManifest(filepath.Join(root, s.ManifestRelPath()), manifest); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	v := New(store, ds, Config{})
	out, err := v.VerifySnapshot(context.Background(), s, "UPID:test:3")
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if out.ChunksChecked != 0 {
		t.Errorf("expected no chunks checked for a non-index file, got %d", out.ChunksChecked)
	}
	if out.State != snapshot.VerifyStateOK {
		t.Errorf("expected ok state with nothing to check, got %q", out.State)
	}
}
