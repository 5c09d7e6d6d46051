package main

import (
	"fmt"
	"strings"

	"vaultd/internal/snapshot"
)

// aclPath builds the authorization gate path for a datastore, optionally
// scoped to a namespace within it (spec.md §4.9: "/datastore/<store>[/<ns-
// segments…>]").
func aclPath(datastore string, ns snapshot.Namespace) string {
	if ns.IsRoot() {
		return "/datastore/" + datastore
	}
	return "/datastore/" + datastore + "/" + ns.String()
}

// parseGroupArg parses a "<type>/<id>" command argument into a
// snapshot.Group, the inverse of Group.String().
func parseGroupArg(s string) (snapshot.Group, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return snapshot.Group{}, fmt.Errorf("invalid group %q: expected <type>/<id>", s)
	}
	g := snapshot.Group{Type: snapshot.BackupType(parts[0]), ID: parts[1]}
	if !g.Type.Valid() {
		return snapshot.Group{}, fmt.Errorf("invalid group type %q: must be ct, host, or vm", parts[0])
	}
	return g, nil
}
