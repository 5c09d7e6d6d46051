package snapshot

import (
	"fmt"
	"path/filepath"
	"time"
)

// Snapshot identifies one backup instance within a group: the group plus
// the backup time, which doubles as the on-disk directory name (spec.md
// §3, §4.4).
type Snapshot struct {
	Namespace Namespace
	Group     Group
	Time      time.Time
}

// dirTimeLayout is the on-disk encoding for a snapshot's time component.
// Matches the wire format's backup-time string (spec.md §6).
const dirTimeLayout = time.RFC3339

// DirName renders the snapshot's time component as used for its directory
// name.
func (s Snapshot) DirName() string {
	return s.Time.UTC().Format(dirTimeLayout)
}

// ParseDirName parses a snapshot directory name back into a time.Time —
// the inverse of DirName, exercising the round-trip law of spec.md §8
// ("parse_ns_and_snapshot(print_ns_and_snapshot(x)) = x").
func ParseDirName(name string) (time.Time, error) {
	t, err := time.Parse(dirTimeLayout, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: invalid snapshot directory name %q: %w", name, err)
	}
	return t.UTC(), nil
}

// String renders the snapshot in its display form: "ns/type/id/time".
func (s Snapshot) String() string {
	if s.Namespace.IsRoot() {
		return fmt.Sprintf("%s/%s", s.Group, s.DirName())
	}
	return fmt.Sprintf("%s/%s/%s", s.Namespace, s.Group, s.DirName())
}

// groupRelPath is the path of a group's directory relative to the
// datastore root: "[ns/<seg>/ns/<seg>/]<type>/<id>".
func groupRelPath(ns Namespace, g Group) string {
	nsPath := ns.OnDiskPath()
	if nsPath == "" {
		return filepath.Join(string(g.Type), g.ID)
	}
	return filepath.Join(nsPath, string(g.Type), g.ID)
}

// relPath is the path of the snapshot's directory relative to the
// datastore root.
func (s Snapshot) relPath() string {
	return filepath.Join(groupRelPath(s.Namespace, s.Group), s.DirName())
}

// Paths on disk, scoped within a datastore root. Each returns a path
// relative to root, ready to be filepath.Join'd by the caller with the
// datastore's root directory.

func (s Snapshot) ManifestRelPath() string {
	return filepath.Join(s.relPath(), "index.json.blob")
}

func (s Snapshot) FileRelPath(filename string) string {
	return filepath.Join(s.relPath(), filename)
}

func (s Snapshot) ProtectedMarkerRelPath() string {
	return filepath.Join(s.relPath(), ".protected")
}

func (s Snapshot) LockRelPath() string {
	return filepath.Join(s.relPath(), ".lock")
}

func (s Snapshot) VerifyStateRelPath() string {
	return filepath.Join(s.relPath(), ".verify-state")
}

// OwnerRelPath is the owner marker for the snapshot's group, not the
// snapshot itself: ownership is a group-level property (spec.md §3).
func (s Snapshot) OwnerRelPath() string {
	return GroupOwnerRelPath(s.Namespace, s.Group)
}

// GroupLockRelPath is the per-group lock file path, held for the
// duration of a backup session that creates or removes snapshots within
// the group (spec.md §4.4, §5).
func GroupLockRelPath(ns Namespace, g Group) string {
	return filepath.Join(groupRelPath(ns, g), ".lock")
}
