package authz

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned by Gate.Check when authid lacks the required
// privilege on path.
var ErrForbidden = errors.New("authz: forbidden")

// Gate answers "does authid have privilege X on path P", the primitive
// every externally-triggered core operation calls before proceeding
// (spec.md §4.9).
type Gate struct {
	tree *Tree
}

// NewGate wraps tree as an authorization gate.
func NewGate(tree *Tree) *Gate {
	return &Gate{tree: tree}
}

// Effective returns the union of privileges granted by every role authid
// holds on path. A NoAccess entry (alone, by construction) yields zero
// privileges regardless of what ancestor paths would otherwise grant.
func (g *Gate) Effective(authid, path string) Privilege {
	roles := g.tree.Roles(authid, path)
	if _, blocked := roles[NoAccess]; blocked {
		return 0
	}
	var priv Privilege
	for role := range roles {
		priv |= role.Privileges()
	}
	return priv
}

// Check returns nil if authid holds every bit of want on path, otherwise
// ErrForbidden.
func (g *Gate) Check(authid, path string, want Privilege) error {
	if g.Effective(authid, path).Has(want) {
		return nil
	}
	return fmt.Errorf("%w: %q lacks privilege on %q", ErrForbidden, authid, path)
}
