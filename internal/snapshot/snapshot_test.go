package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSnapshot(t *testing.T, ns Namespace, g Group, when time.Time) Snapshot {
	t.Helper()
	return Snapshot{Namespace: ns, Group: g, Time: when}
}

func TestSnapshotDirNameRoundTrip(t *testing.T) {
	when := time.Date(2026, 3, 5, 12, 30, 0, 0, time.UTC)
	s := testSnapshot(t, Namespace{}, Group{Type: TypeVM, ID: "100"}, when)

	name := s.DirName()
	got, err := ParseDirName(name)
	if err != nil {
		t.Fatalf("ParseDirName: %v", err)
	}
	if !got.Equal(when) {
		t.Errorf("round trip: got %v, want %v", got, when)
	}
}

func TestCreateLockedBackupGroupFirstTimeSetsOwner(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("")
	g := Group{Type: TypeVM, ID: "100"}

	owner, lock, err := ds.CreateLockedBackupGroup(ns, g, "user@pbs")
	if err != nil {
		t.Fatalf("CreateLockedBackupGroup: %v", err)
	}
	defer lock.Release()

	if owner != "user@pbs" {
		t.Errorf("expected owner user@pbs, got %q", owner)
	}
	if _, err := os.Stat(filepath.Join(root, groupRelPath(ns, g))); err != nil {
		t.Errorf("expected group dir to exist: %v", err)
	}
}

func TestCreateLockedBackupGroupExistingReturnsOwner(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("")
	g := Group{Type: TypeVM, ID: "100"}

	_, lock1, err := ds.CreateLockedBackupGroup(ns, g, "alice@pbs")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	lock1.Release()

	owner, lock2, err := ds.CreateLockedBackupGroup(ns, g, "bob@pbs")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	defer lock2.Release()

	if owner != "alice@pbs" {
		t.Errorf("expected existing owner alice@pbs, got %q", owner)
	}
}

func TestCreateLockedBackupGroupConcurrentLockFails(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("")
	g := Group{Type: TypeVM, ID: "100"}

	_, lock1, err := ds.CreateLockedBackupGroup(ns, g, "alice@pbs")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	defer lock1.Release()

	_, _, err = ds.CreateLockedBackupGroup(ns, g, "bob@pbs")
	if err != ErrInUse {
		t.Errorf("expected ErrInUse while group is locked, got %v", err)
	}
}

func TestCreateLockedBackupDirAndRemove(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("")
	g := Group{Type: TypeVM, ID: "100"}
	s := testSnapshot(t, ns, g, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))

	isNew, lock, err := ds.CreateLockedBackupDir(s)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	if !isNew {
		t.Error("expected first call to report isNew=true")
	}
	lock.Release()

	isNew2, lock2, err := ds.CreateLockedBackupDir(s)
	if err != nil {
		t.Fatalf("second CreateLockedBackupDir: %v", err)
	}
	if isNew2 {
		t.Error("expected second call for the same snapshot to report isNew=false")
	}
	lock2.Release()

	if err := ds.RemoveBackupDir(s, false); err != nil {
		t.Fatalf("RemoveBackupDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, s.relPath())); !os.IsNotExist(err) {
		t.Error("expected snapshot dir to be removed")
	}
}

func TestRemoveBackupDirProtected(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("")
	g := Group{Type: TypeVM, ID: "100"}
	s := testSnapshot(t, ns, g, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))

	_, lock, err := ds.CreateLockedBackupDir(s)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	lock.Release()

	if err := ds.SetProtected(s, true); err != nil {
		t.Fatalf("SetProtected: %v", err)
	}
	if !ds.IsProtected(s) {
		t.Fatal("expected snapshot to be protected")
	}

	if err := ds.RemoveBackupDir(s, false); err == nil {
		t.Fatal("expected removal of protected snapshot without force to fail")
	}
	if err := ds.RemoveBackupDir(s, true); err != nil {
		t.Fatalf("expected forced removal to succeed: %v", err)
	}
}

func TestListSnapshotsOrderedOldestFirst(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("")
	g := Group{Type: TypeVM, ID: "100"}

	times := []time.Time{
		time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	for _, when := range times {
		s := testSnapshot(t, ns, g, when)
		_, lock, err := ds.CreateLockedBackupDir(s)
		if err != nil {
			t.Fatalf("CreateLockedBackupDir: %v", err)
		}
		lock.Release()
	}

	snaps, err := ds.ListSnapshots(ns, g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].Time.Before(snaps[i-1].Time) {
			t.Error("expected snapshots ordered oldest-first")
		}
	}
}

func TestLastSuccessfulBackupSkipsFailedVerify(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("")
	g := Group{Type: TypeVM, ID: "100"}

	older := testSnapshot(t, ns, g, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	newer := testSnapshot(t, ns, g, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))

	for _, s := range []Snapshot{older, newer} {
		_, lock, err := ds.CreateLockedBackupDir(s)
		if err != nil {
			t.Fatalf("CreateLockedBackupDir: %v", err)
		}
		lock.Release()
		if err := WriteManifest(filepath.Join(root, s.ManifestRelPath()), Manifest{}); err != nil {
			t.Fatalf("WriteManifest: %v", err)
		}
	}

	if err := WriteVerifyState(filepath.Join(root, newer.VerifyStateRelPath()), VerifyState{State: VerifyStateFailed}); err != nil {
		t.Fatalf("WriteVerifyState: %v", err)
	}
	if err := WriteVerifyState(filepath.Join(root, older.VerifyStateRelPath()), VerifyState{State: VerifyStateOK}); err != nil {
		t.Fatalf("WriteVerifyState: %v", err)
	}

	last, err := ds.LastSuccessfulBackup(ns, g)
	if err != nil {
		t.Fatalf("LastSuccessfulBackup: %v", err)
	}
	if last == nil {
		t.Fatal("expected a successful backup")
	}
	if !last.Time.Equal(older.Time) {
		t.Errorf("expected older snapshot (ok) to win over newer (failed), got %v", last.Time)
	}
}

func TestRemoveNamespaceRecursiveNotEmpty(t *testing.T) {
	root := t.TempDir()
	ds := Open(root, nil)
	ns, _ := ParseNamespace("a")
	g := Group{Type: TypeVM, ID: "100"}
	s := testSnapshot(t, ns, g, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))

	_, lock, err := ds.CreateLockedBackupDir(s)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	lock.Release()

	if err := ds.RemoveNamespaceRecursive(ns, false); err == nil {
		t.Fatal("expected ErrNotEmpty when namespace still has a group and deleteGroups=false")
	}

	if err := ds.RemoveNamespaceRecursive(ns, true); err != nil {
		t.Fatalf("expected recursive removal with deleteGroups=true to succeed: %v", err)
	}
}

func TestCheckOwnership(t *testing.T) {
	if err := CheckOwnership("alice@pbs", "alice@pbs", nil); err != nil {
		t.Errorf("expected direct match to succeed: %v", err)
	}

	userOf := func(token string) (string, bool) {
		if token == "alice@pbs!mytoken" {
			return "alice@pbs", true
		}
		return "", false
	}
	if err := CheckOwnership("alice@pbs!mytoken", "alice@pbs", userOf); err != nil {
		t.Errorf("expected token ownership to resolve: %v", err)
	}
	if err := CheckOwnership("bob@pbs", "alice@pbs", userOf); err == nil {
		t.Error("expected mismatched ownership to fail")
	}
}
