// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/memvid-foundation/memvid/lib/codec"
)

// CheckpointMeta is the CBOR payload of a Checkpoint record: a named,
// durable snapshot of a branch's index state.
type CheckpointMeta struct {
	ID     CheckpointId `cbor:"1,keyasint" json:"id"`
	Branch BranchId     `cbor:"2,keyasint" json:"branch"`

	// Parent is the previous checkpoint in this checkpoint's ancestry:
	// the branch's prior tip, or for the first checkpoint on a forked
	// branch, the base checkpoint on the parent branch. Empty for the
	// root checkpoint of main.
	Parent CheckpointId `cbor:"3,keyasint" json:"parent,omitempty"`

	Label     string    `cbor:"4,keyasint" json:"label"`
	CreatedAt time.Time `cbor:"5,keyasint" json:"created_at"`

	// SnapshotPtr locates the UriIndexSnapshot record written
	// immediately before this checkpoint. As-of reads materialize the
	// index from it.
	SnapshotPtr PhysicalPointer `cbor:"6,keyasint" json:"snapshot_ptr"`

	// Artifacts and Events are cumulative record counts at the time of
	// the checkpoint.
	Artifacts int `cbor:"7,keyasint" json:"artifacts"`
	Events    int `cbor:"8,keyasint" json:"events"`
}

// newCheckpointId generates a ULID checkpoint id. ULIDs sort by
// creation time, so ids on a branch are monotonically increasing.
func newCheckpointId(now time.Time) CheckpointId {
	return CheckpointId(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
}

// marshalCheckpoint serializes checkpoint metadata for its record
// payload.
func marshalCheckpoint(meta CheckpointMeta) ([]byte, error) {
	data, err := codec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling checkpoint %s: %w", meta.ID, err)
	}
	return data, nil
}

// unmarshalCheckpoint parses a checkpoint record payload.
func unmarshalCheckpoint(data []byte) (CheckpointMeta, error) {
	var meta CheckpointMeta
	if err := codec.Unmarshal(data, &meta); err != nil {
		return CheckpointMeta{}, fmt.Errorf("parsing checkpoint payload: %w", err)
	}
	return meta, nil
}

// checkpointLog is the in-memory record of all checkpoints seen during
// replay, indexed for the lookups the handle needs: by id, by branch
// tip, and by (branch, label).
type checkpointLog struct {
	ordered []CheckpointMeta
	byID    map[CheckpointId]CheckpointMeta
	tips    map[BranchId]CheckpointId
	labels  map[BranchId]map[string]CheckpointId
}

func newCheckpointLog() *checkpointLog {
	return &checkpointLog{
		byID:   map[CheckpointId]CheckpointMeta{},
		tips:   map[BranchId]CheckpointId{},
		labels: map[BranchId]map[string]CheckpointId{},
	}
}

// append registers a replayed or freshly written checkpoint.
func (l *checkpointLog) append(meta CheckpointMeta) {
	l.ordered = append(l.ordered, meta)
	l.byID[meta.ID] = meta
	l.tips[meta.Branch] = meta.ID
	branchLabels := l.labels[meta.Branch]
	if branchLabels == nil {
		branchLabels = map[string]CheckpointId{}
		l.labels[meta.Branch] = branchLabels
	}
	if meta.Label != "" {
		branchLabels[meta.Label] = meta.ID
	}
}

// get looks a checkpoint up by id.
func (l *checkpointLog) get(id CheckpointId) (CheckpointMeta, bool) {
	meta, ok := l.byID[id]
	return meta, ok
}

// byLabel looks a checkpoint up by its label within a branch.
func (l *checkpointLog) byLabel(branch BranchId, label string) (CheckpointMeta, bool) {
	id, ok := l.labels[branch][label]
	if !ok {
		return CheckpointMeta{}, false
	}
	return l.byID[id], true
}

// labelUsed reports whether a label is already taken on a branch.
func (l *checkpointLog) labelUsed(branch BranchId, label string) bool {
	_, used := l.labels[branch][label]
	return used
}

// tip returns a branch's latest checkpoint id, if the branch has one.
func (l *checkpointLog) tip(branch BranchId) (CheckpointId, bool) {
	id, ok := l.tips[branch]
	return id, ok
}

// forBranch returns the checkpoints of one branch in file order.
func (l *checkpointLog) forBranch(branch BranchId) []CheckpointMeta {
	var out []CheckpointMeta
	for _, meta := range l.ordered {
		if meta.Branch == branch {
			out = append(out, meta)
		}
	}
	return out
}

// isAncestor reports whether ancestor appears on descendant's parent
// chain (inclusive: a checkpoint is its own ancestor).
func (l *checkpointLog) isAncestor(ancestor, descendant CheckpointId) bool {
	current := descendant
	for current != "" {
		if current == ancestor {
			return true
		}
		meta, ok := l.byID[current]
		if !ok {
			return false
		}
		current = meta.Parent
	}
	return false
}

// clone deep-copies the log for read-only handles.
func (l *checkpointLog) clone() *checkpointLog {
	copied := newCheckpointLog()
	for _, meta := range l.ordered {
		copied.append(meta)
	}
	return copied
}

// MergeMode selects how Merge resolves URIs present on both branches.
type MergeMode int

const (
	// MergeFastForward succeeds only when the destination tip is an
	// ancestor of the source tip; the destination simply adopts the
	// source's state.
	MergeFastForward MergeMode = iota

	// MergeUnionNewerWins unions both branches; where a URI exists on
	// both with different content, the later introduced_at wins.
	// Content-identical overlaps are auto-resolved.
	MergeUnionNewerWins

	// MergeStrict fails on any overlap that is not content-identical.
	MergeStrict
)

func (m MergeMode) String() string {
	switch m {
	case MergeFastForward:
		return "fast-forward"
	case MergeUnionNewerWins:
		return "union-newer-wins"
	case MergeStrict:
		return "strict"
	default:
		return fmt.Sprintf("invalid(%d)", int(m))
	}
}

// resolveMergedEntries computes the destination branch's post-merge
// view under the given mode. src and dst are branch entry views.
// Returns the merged map or a *ConflictError.
func resolveMergedEntries(src, dst map[LogicalUri]IndexEntry, mode MergeMode) (map[LogicalUri]IndexEntry, error) {
	merged := make(map[LogicalUri]IndexEntry, len(dst)+len(src))
	for uri, entry := range dst {
		merged[uri] = entry
	}

	for uri, srcEntry := range src {
		dstEntry, overlaps := dst[uri]
		if !overlaps {
			merged[uri] = srcEntry
			continue
		}
		if srcEntry.SHA256 == dstEntry.SHA256 {
			// Identical content: keep the destination's pointer.
			continue
		}
		switch mode {
		case MergeStrict:
			return nil, &ConflictError{URI: uri, Reason: "present on both branches with different content"}
		case MergeUnionNewerWins:
			if srcEntry.IntroducedAt.After(dstEntry.IntroducedAt) {
				merged[uri] = srcEntry
			}
		default:
			return nil, fmt.Errorf("merge mode %s cannot resolve overlap on %s", mode, uri)
		}
	}
	return merged, nil
}
