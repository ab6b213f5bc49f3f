// Package orgchanges computes which metadata members of a scratch org have
// changed since the last recorded revision snapshot.
package orgchanges

import (
	"sort"

	"metecho/internal/domain"
)

// Compute returns, per component type, the sorted names whose current
// revision is strictly greater than the previous one, plus names missing
// from previous whatever their revision.
func Compute(previous, current domain.RevisionNumbers) domain.UnsavedChanges {
	out := domain.UnsavedChanges{}
	for typ, members := range current {
		var names []string
		for name, rev := range members {
			old, seen := previous[typ][name]
			if !seen || rev > old {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		out[typ] = names
	}
	return out
}

// Apply stores the diff and the new snapshot on org.
func Apply(org *domain.ScratchOrg, current domain.RevisionNumbers) {
	org.UnsavedChanges = Compute(org.LatestRevisionNumbers, current)
	if current == nil {
		current = domain.RevisionNumbers{}
	}
	org.LatestRevisionNumbers = current
}
