// Package snapshot implements the namespace → group → snapshot hierarchy
// (C4): on-disk paths, the manifest, the owner file, the protection
// marker, and per-group/per-snapshot locking. See spec.md §3, §4.4.
package snapshot

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxNamespaceDepth is the hard cap on namespace path depth (spec.md §3,
// §8 scenario 6).
const MaxNamespaceDepth = 7

// ErrNamespaceTooDeep is returned when a namespace would exceed
// MaxNamespaceDepth components.
var ErrNamespaceTooDeep = errors.New("snapshot: namespace exceeds max depth")

// ErrInvalidSegment is returned when a namespace or group-id segment fails
// the safe-identifier regex.
var ErrInvalidSegment = errors.New("snapshot: invalid identifier segment")

var safeIdentifier = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// Namespace is an ordered sequence of up to MaxNamespaceDepth components.
// The root namespace is the empty sequence. Namespaces are a logical
// partition for access control and listing, not a deduplication boundary
// (spec.md §3) — every namespace in a datastore shares one chunk store.
type Namespace []string

// ParseNamespace parses the slash-separated display form of a namespace
// ("" for root, "a/b/c" otherwise).
func ParseNamespace(s string) (Namespace, error) {
	if s == "" {
		return Namespace{}, nil
	}
	segs := strings.Split(s, "/")
	if len(segs) > MaxNamespaceDepth {
		return nil, fmt.Errorf("%w: %d > %d", ErrNamespaceTooDeep, len(segs), MaxNamespaceDepth)
	}
	for _, seg := range segs {
		if !safeIdentifier.MatchString(seg) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
		}
	}
	return Namespace(segs), nil
}

// String renders the namespace in its slash-joined display form.
func (ns Namespace) String() string {
	return strings.Join(ns, "/")
}

// IsRoot reports whether ns is the root namespace.
func (ns Namespace) IsRoot() bool {
	return len(ns) == 0
}

// Depth returns the number of path components.
func (ns Namespace) Depth() int {
	return len(ns)
}

// OnDiskPath renders the namespace using "/ns/" interstitials, the form
// used for filesystem paths (spec.md §4.4): "ns/<seg1>/ns/<seg2>/…".
func (ns Namespace) OnDiskPath() string {
	if ns.IsRoot() {
		return ""
	}
	parts := make([]string, 0, len(ns)*2)
	for _, seg := range ns {
		parts = append(parts, "ns", seg)
	}
	return strings.Join(parts, "/")
}

// Child returns a new Namespace with seg appended.
func (ns Namespace) Child(seg string) (Namespace, error) {
	if !safeIdentifier.MatchString(seg) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
	}
	if len(ns)+1 > MaxNamespaceDepth {
		return nil, fmt.Errorf("%w: %d > %d", ErrNamespaceTooDeep, len(ns)+1, MaxNamespaceDepth)
	}
	child := make(Namespace, len(ns)+1)
	copy(child, ns)
	child[len(ns)] = seg
	return child, nil
}

// Parent returns the parent namespace and true, or (nil, false) for root.
func (ns Namespace) Parent() (Namespace, bool) {
	if ns.IsRoot() {
		return nil, false
	}
	return ns[:len(ns)-1], true
}

// Contains reports whether ns is a prefix of other (or equal to it) —
// "does this namespace contain that one", per spec.md §9's "ns.contains".
func (ns Namespace) Contains(other Namespace) bool {
	if len(ns) > len(other) {
		return false
	}
	for i, seg := range ns {
		if other[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports whether two namespaces have identical components.
func (ns Namespace) Equal(other Namespace) bool {
	if len(ns) != len(other) {
		return false
	}
	for i := range ns {
		if ns[i] != other[i] {
			return false
		}
	}
	return true
}

// MapPrefix re-roots a namespace found under srcRoot so it is expressed
// under tgtRoot instead: it replaces the srcRoot prefix of ns with
// tgtRoot, preserving the remaining suffix. Used by the pull engine to
// translate a remote namespace listing into the corresponding local
// target namespace (spec.md §4.8 step 2, §9 "map_prefix"). Returns an
// error if ns is not contained in srcRoot.
func MapPrefix(srcRoot, tgtRoot, ns Namespace) (Namespace, error) {
	if !srcRoot.Contains(ns) {
		return nil, fmt.Errorf("snapshot: namespace %q not under source root %q", ns, srcRoot)
	}
	suffix := ns[len(srcRoot):]
	mapped := make(Namespace, 0, len(tgtRoot)+len(suffix))
	mapped = append(mapped, tgtRoot...)
	mapped = append(mapped, suffix...)
	if len(mapped) > MaxNamespaceDepth {
		return nil, fmt.Errorf("%w: %d > %d", ErrNamespaceTooDeep, len(mapped), MaxNamespaceDepth)
	}
	return mapped, nil
}
