// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import "sort"

// DiffResult lists the URI-level differences between two checkpoint
// views of a branch. Slices are sorted lexicographically.
type DiffResult struct {
	// Added URIs exist in the newer view only.
	Added []LogicalUri `json:"added,omitempty"`

	// Removed URIs exist in the older view only. With append-only
	// branches this appears only across merge boundaries.
	Removed []LogicalUri `json:"removed,omitempty"`

	// Changed URIs exist in both views with different content.
	Changed []LogicalUri `json:"changed,omitempty"`
}

// Empty reports whether the two views were identical.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares the state of a branch at two checkpoints. Empty branch
// means the handle's current branch; an empty "to" means the live
// view.
func (h *Handle) Diff(branch BranchId, from, to CheckpointId) (DiffResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if branch == "" {
		branch = h.branch
	}

	older, err := h.indexAtLocked(from)
	if err != nil {
		return DiffResult{}, err
	}
	newer := h.state.idx
	if to != "" {
		newer, err = h.indexAtLocked(to)
		if err != nil {
			return DiffResult{}, err
		}
	}

	olderEntries := older.effectiveEntries(branch)
	newerEntries := newer.effectiveEntries(branch)

	var result DiffResult
	for uri, newEntry := range newerEntries {
		oldEntry, ok := olderEntries[uri]
		switch {
		case !ok:
			result.Added = append(result.Added, uri)
		case oldEntry.SHA256 != newEntry.SHA256:
			result.Changed = append(result.Changed, uri)
		}
	}
	for uri := range olderEntries {
		if _, ok := newerEntries[uri]; !ok {
			result.Removed = append(result.Removed, uri)
		}
	}

	sortURIs(result.Added)
	sortURIs(result.Removed)
	sortURIs(result.Changed)
	return result, nil
}

func sortURIs(uris []LogicalUri) {
	sort.Slice(uris, func(a, b int) bool { return uris[a] < uris[b] })
}
