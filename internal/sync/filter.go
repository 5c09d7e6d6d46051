package sync

import (
	"regexp"

	"vaultd/internal/snapshot"
)

// GroupFilter is one criterion of spec.md §4.8 step 3's "combination of
// exact match, type match, and regex match; plus an exclude flag". A
// zero-value field within a filter is treated as "don't care" for that
// dimension.
type GroupFilter struct {
	Type    snapshot.BackupType // "" matches any type
	ID      string              // "" matches any id; exact match otherwise
	Regex   *regexp.Regexp      // nil = no regex constraint; matched against ID
	Exclude bool
}

func (f GroupFilter) matches(g snapshot.Group) bool {
	if f.Type != "" && g.Type != f.Type {
		return false
	}
	if f.ID != "" && g.ID != f.ID {
		return false
	}
	if f.Regex != nil && !f.Regex.MatchString(g.ID) {
		return false
	}
	return true
}

// GroupFilters is an allow/deny list: a group is allowed if it matches at
// least one non-exclude filter (or no non-exclude filter was given at
// all) and matches no exclude filter.
type GroupFilters []GroupFilter

// Allowed reports whether g survives the filter set.
func (fs GroupFilters) Allowed(g snapshot.Group) bool {
	hasAllow := false
	allowed := false
	for _, f := range fs {
		if f.Exclude {
			if f.matches(g) {
				return false
			}
			continue
		}
		hasAllow = true
		if f.matches(g) {
			allowed = true
		}
	}
	if !hasAllow {
		return true
	}
	return allowed
}
