package snapshot

import (
	"fmt"
	"strconv"
)

// BackupType is one of the three fixed group kinds (spec.md §3).
type BackupType string

const (
	TypeCT   BackupType = "ct"
	TypeHost BackupType = "host"
	TypeVM   BackupType = "vm"
)

// tier fixes the group ordering by type: ct < host < vm (spec.md §3).
func (t BackupType) tier() int {
	switch t {
	case TypeCT:
		return 0
	case TypeHost:
		return 1
	case TypeVM:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t is one of the closed set of backup types.
func (t BackupType) Valid() bool {
	switch t {
	case TypeCT, TypeHost, TypeVM:
		return true
	default:
		return false
	}
}

// Group identifies a (backup_type, backup_id) collection of snapshots
// sharing retention and ownership (spec.md §3, GLOSSARY).
type Group struct {
	Type BackupType
	ID   string
}

// String renders the group as "<type>/<id>".
func (g Group) String() string {
	return fmt.Sprintf("%s/%s", g.Type, g.ID)
}

// CompareGroups orders groups per spec.md §3: by type in the fixed order
// ct < host < vm, then numerically by id if both parse as integers, else
// lexicographically — with the explicit tie-break "numeric < non-numeric"
// when only one side parses (spec.md §9, a deliberate deviation from pure
// lexicographic ordering that must not silently change).
func CompareGroups(a, b Group) int {
	if ta, tb := a.Type.tier(), b.Type.tier(); ta != tb {
		return ta - tb
	}
	return compareGroupIDs(a.ID, b.ID)
}

func compareGroupIDs(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)

	switch {
	case aErr == nil && bErr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	case aErr == nil && bErr != nil:
		// a is numeric, b is not: numeric sorts first.
		return -1
	case aErr != nil && bErr == nil:
		return 1
	default:
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	}
}
