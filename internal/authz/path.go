// Package authz implements the authorization gate (C9): an in-memory ACL
// tree keyed by slash-separated paths, the effective-roles merge algorithm
// of spec.md §4.9, and the privilege check every externally-triggered core
// operation calls before proceeding. See spec.md §4.9.
package authz

import "strings"

// SplitPath splits an ACL path ("/datastore/vault/ns/a/ns/b") into its
// non-empty components, mirroring the original's split_acl_path: a
// leading slash and repeated slashes are tolerated, never rejected.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
