package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"vaultd/internal/logging"
)

// ErrProtected is returned when a removal targets a protected snapshot
// without force (spec.md §4.4, §7).
var ErrProtected = errors.New("snapshot: protected")

// ErrNotEmpty is returned by RemoveNamespaceRecursive when a namespace
// still has groups under it and deletion of groups was not requested
// (spec.md §4.4: "skipped, not empty").
var ErrNotEmpty = errors.New("snapshot: namespace not empty")

// ErrNotOwner is returned when an authid fails the ownership check
// (spec.md §3, §7).
var ErrNotOwner = errors.New("snapshot: not owner")

// Datastore roots the namespace/group/snapshot hierarchy at a directory,
// providing the locked create/remove operations named in spec.md §4.4.
// It holds no reference to the chunk store: callers are responsible for
// coordinating chunk insertion with the directory operations here (the
// internal/datastore package is what ties the two together).
type Datastore struct {
	root   string
	logger *slog.Logger
}

// Open returns a Datastore rooted at root. root must already exist.
func Open(root string, logger *slog.Logger) *Datastore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Datastore{root: root, logger: logger}
}

func (d *Datastore) abs(rel string) string {
	return filepath.Join(d.root, rel)
}

// Root returns the datastore's root directory, for callers (GC, verify,
// sync) that need to resolve a snapshot's manifest or index files
// directly rather than through a Datastore method.
func (d *Datastore) Root() string {
	return d.root
}

// CreateLockedBackupGroup ensures the group directory (and its namespace
// ancestry) exists, recording authid as owner on first creation. If the
// group already exists, returns its current owner without modifying it.
// The returned lock guards the group for the duration of the caller's
// backup session (spec.md §4.4).
func (d *Datastore) CreateLockedBackupGroup(ns Namespace, g Group, authid string) (currentOwner string, lock *Lock, err error) {
	groupDir := d.abs(groupRelPath(ns, g))
	if err := os.MkdirAll(filepath.Dir(groupDir), 0o750); err != nil {
		return "", nil, fmt.Errorf("snapshot: create namespace ancestry: %w", err)
	}

	isNew := false
	if err := os.Mkdir(groupDir, 0o750); err != nil {
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("snapshot: create group dir: %w", err)
		}
	} else {
		isNew = true
	}

	ownerPath := d.abs(GroupOwnerRelPath(ns, g))
	if isNew {
		if err := os.WriteFile(ownerPath, []byte(authid), 0o640); err != nil {
			return "", nil, fmt.Errorf("snapshot: write owner: %w", err)
		}
		currentOwner = authid
	} else {
		owner, err := os.ReadFile(ownerPath)
		if err != nil {
			return "", nil, fmt.Errorf("snapshot: read owner: %w", err)
		}
		currentOwner = string(owner)
	}

	lock, err = acquireLock(d.abs(GroupLockRelPath(ns, g)))
	if err != nil {
		return currentOwner, nil, err
	}
	d.logger.Debug("backup group locked", "namespace", ns, "group", g, "owner", currentOwner, "new", isNew)
	return currentOwner, lock, nil
}

// GroupOwnerRelPath is the owner marker path for a group, relative to the
// datastore root.
func GroupOwnerRelPath(ns Namespace, g Group) string {
	return filepath.Join(groupRelPath(ns, g), "owner")
}

// CreateLockedBackupDir creates the snapshot directory (idempotently: a
// second call for the same snapshot time is treated as a resumed upload
// of a previously-started, not-yet-finalized snapshot, per spec.md §4.4).
// isNew reports whether this call created the directory.
func (d *Datastore) CreateLockedBackupDir(s Snapshot) (isNew bool, lock *Lock, err error) {
	dir := d.abs(s.relPath())
	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return false, nil, fmt.Errorf("snapshot: create group ancestry: %w", err)
	}
	if err := os.Mkdir(dir, 0o750); err != nil {
		if !os.IsExist(err) {
			return false, nil, fmt.Errorf("snapshot: create snapshot dir: %w", err)
		}
		isNew = false
	} else {
		isNew = true
	}

	lock, err = acquireLock(d.abs(s.LockRelPath()))
	if err != nil {
		return isNew, nil, err
	}
	d.logger.Debug("backup dir locked", "snapshot", s, "new", isNew)
	return isNew, lock, nil
}

// IsProtected reports whether the snapshot carries a protection marker.
func (d *Datastore) IsProtected(s Snapshot) bool {
	_, err := os.Stat(d.abs(s.ProtectedMarkerRelPath()))
	return err == nil
}

// SetProtected creates or removes the snapshot's protection marker.
func (d *Datastore) SetProtected(s Snapshot, protected bool) error {
	path := d.abs(s.ProtectedMarkerRelPath())
	if protected {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("snapshot: set protected: %w", err)
		}
		return f.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: clear protected: %w", err)
	}
	return nil
}

// RemoveBackupDir deletes a snapshot's directory tree. Protected
// snapshots are refused unless force is set.
func (d *Datastore) RemoveBackupDir(s Snapshot, force bool) error {
	if d.IsProtected(s) && !force {
		return fmt.Errorf("%w: %s", ErrProtected, s)
	}

	lock, err := acquireLock(d.abs(s.LockRelPath()))
	if err != nil {
		return err
	}
	defer lock.Release()

	dir := d.abs(s.relPath())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("snapshot: remove %s: %w", s, err)
	}
	d.logger.Info("removed snapshot", "snapshot", s)
	return nil
}

// RemoveBackupGroup removes every snapshot in the group, newest-first,
// stopping to skip (not fail) any protected snapshot it encounters. It
// reports partial=true if at least one snapshot survived the pass.
func (d *Datastore) RemoveBackupGroup(ns Namespace, g Group) (partial bool, err error) {
	snaps, err := d.ListSnapshots(ns, g)
	if err != nil {
		return false, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.After(snaps[j].Time) })

	for _, s := range snaps {
		if rmErr := d.RemoveBackupDir(s, false); rmErr != nil {
			if errors.Is(rmErr, ErrProtected) {
				partial = true
				continue
			}
			return partial, rmErr
		}
	}

	if partial {
		return true, nil
	}

	groupDir := d.abs(groupRelPath(ns, g))
	if err := os.RemoveAll(groupDir); err != nil {
		return partial, fmt.Errorf("snapshot: remove group dir: %w", err)
	}
	return false, nil
}

// RemoveNamespaceRecursive removes a namespace and, if deleteGroups is
// set, every group beneath it (bottom-up). If groups remain and
// deleteGroups is false, it returns ErrNotEmpty rather than failing hard
// — the namespace is "skipped, not empty" (spec.md §4.4).
func (d *Datastore) RemoveNamespaceRecursive(ns Namespace, deleteGroups bool) error {
	children, err := d.listChildNamespaces(ns)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := d.RemoveNamespaceRecursive(child, deleteGroups); err != nil && !errors.Is(err, ErrNotEmpty) {
			return err
		}
	}

	groups, err := d.ListGroups(ns)
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		if !deleteGroups {
			return fmt.Errorf("%w: %s", ErrNotEmpty, ns)
		}
		for _, g := range groups {
			if _, err := d.RemoveBackupGroup(ns, g); err != nil {
				return err
			}
		}
		remaining, err := d.ListGroups(ns)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			// Some groups survived (e.g. a protected snapshot blocked
			// full removal): the namespace is not actually empty.
			return fmt.Errorf("%w: %s", ErrNotEmpty, ns)
		}
	}

	nsDir := d.abs(ns.OnDiskPath())
	for _, bt := range []BackupType{TypeCT, TypeHost, TypeVM} {
		if err := os.Remove(filepath.Join(nsDir, string(bt))); err != nil && !os.IsNotExist(err) && !isNotEmptyErr(err) {
			return fmt.Errorf("snapshot: remove empty type dir: %w", err)
		}
	}

	if ns.IsRoot() {
		return nil
	}
	if err := os.Remove(nsDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if isNotEmptyErr(err) {
			return fmt.Errorf("%w: %s", ErrNotEmpty, ns)
		}
		return fmt.Errorf("snapshot: remove namespace dir: %w", err)
	}
	return nil
}

// CheckOwnership verifies that authid may act on behalf of owner: either
// it matches directly, or authid is the user underlying the token that
// owns the group (spec.md §3, "owner == authid OR (owner is a token AND
// user-of(owner) == authid)").
func CheckOwnership(owner, authid string, userOfToken func(token string) (string, bool)) error {
	if owner == authid {
		return nil
	}
	if userOfToken != nil {
		if user, ok := userOfToken(owner); ok && user == authid {
			return nil
		}
	}
	return fmt.Errorf("%w: owner %q, authid %q", ErrNotOwner, owner, authid)
}

// LastSuccessfulBackup scans a group's snapshots newest-first and returns
// the first one with a parseable manifest whose verification state is not
// "failed" (spec.md §4.4, §8 scenario 3).
func (d *Datastore) LastSuccessfulBackup(ns Namespace, g Group) (*Snapshot, error) {
	snaps, err := d.ListSnapshots(ns, g)
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.After(snaps[j].Time) })

	for i := range snaps {
		s := snaps[i]
		if _, err := ReadManifest(d.abs(s.ManifestRelPath())); err != nil {
			continue
		}
		vs, err := ReadVerifyState(d.abs(s.VerifyStateRelPath()))
		if err != nil {
			// No verify-state sidecar yet is not a failure signal.
			return &s, nil
		}
		if vs.State != VerifyStateFailed {
			return &s, nil
		}
	}
	return nil, nil
}

// ListNamespaces returns every namespace under (and including) ns,
// depth-first.
func (d *Datastore) ListNamespaces(ns Namespace) ([]Namespace, error) {
	out := []Namespace{ns}
	children, err := d.listChildNamespaces(ns)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		sub, err := d.ListNamespaces(child)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func (d *Datastore) listChildNamespaces(ns Namespace) ([]Namespace, error) {
	nsDir := d.abs(ns.OnDiskPath())
	entries, err := os.ReadDir(filepath.Join(nsDir, "ns"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: list namespaces under %s: %w", ns, err)
	}
	var out []Namespace
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child, err := ns.Child(e.Name())
		if err != nil {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// ListGroups returns every group directly within namespace ns, ordered
// per CompareGroups.
func (d *Datastore) ListGroups(ns Namespace) ([]Group, error) {
	nsDir := d.abs(ns.OnDiskPath())
	var out []Group
	for _, bt := range []BackupType{TypeCT, TypeHost, TypeVM} {
		typeDir := filepath.Join(nsDir, string(bt))
		entries, err := os.ReadDir(typeDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("snapshot: list groups under %s/%s: %w", ns, bt, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			out = append(out, Group{Type: bt, ID: e.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return CompareGroups(out[i], out[j]) < 0 })
	return out, nil
}

// ListSnapshots returns every snapshot within a group, oldest-first.
func (d *Datastore) ListSnapshots(ns Namespace, g Group) ([]Snapshot, error) {
	groupDir := d.abs(groupRelPath(ns, g))
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: list snapshots in %s: %w", g, err)
	}
	var out []Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := ParseDirName(e.Name())
		if err != nil {
			continue
		}
		out = append(out, Snapshot{Namespace: ns, Group: g, Time: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func isNotEmptyErr(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}
