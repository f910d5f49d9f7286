// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/memvid-foundation/memvid/lib/codec"
)

// dedupDomainKey is the BLAKE3 keyed-hash key for the dedup reverse
// index. The ASCII domain name is zero-padded to 32 bytes so the key
// is inspectable in hex dumps; BLAKE3 keyed mode treats it as an
// opaque value. Changing it orphans existing dedup entries (harmless:
// the reverse index is advisory, the SHA-256 in record meta remains
// the integrity hash).
var dedupDomainKey = [32]byte{
	'm', 'e', 'm', 'v', 'i', 'd', '.', 'c', 'a', 'p', 's', 'u', 'l', 'e', '.',
	'd', 'e', 'd', 'u', 'p',
}

// dedupKey is the BLAKE3 keyed hash of a payload, used to find the
// first URI that stored identical bytes.
type dedupKey [32]byte

// dedupHash computes the dedup key for a payload.
func dedupHash(payload []byte) dedupKey {
	hasher, err := blake3.NewKeyed(dedupDomainKey[:])
	if err != nil {
		panic("capsule: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	var key dedupKey
	copy(key[:], hasher.Sum(nil))
	return key
}

// uriIndex is the in-memory mapping (branch, uri) → record pointer,
// plus branch lineage and a dedup reverse index. It is rebuilt on open
// by replaying records from the most recent snapshot forward, and
// persisted as a snapshot record at every commit.
//
// Each branch map is self-contained: forking copies the fork base's
// entries into the new branch, so a branch never reads its parent's
// live map and later parent writes stay invisible on the child.
type uriIndex struct {
	branches map[BranchId]map[LogicalUri]IndexEntry

	// parents maps a branch to the branch it was forked from. main has
	// no entry.
	parents map[BranchId]BranchId

	// bases maps a branch to the checkpoint it was forked at.
	bases map[BranchId]CheckpointId

	// dedup maps a payload hash to the first URI that stored it.
	dedup map[dedupKey]LogicalUri

	// logicalBytes / uniqueBytes track payload volume for the stats
	// dedup ratio.
	logicalBytes int64
	uniqueBytes  int64
}

func newUriIndex() *uriIndex {
	return &uriIndex{
		branches: map[BranchId]map[LogicalUri]IndexEntry{MainBranch: {}},
		parents:  map[BranchId]BranchId{},
		bases:    map[BranchId]CheckpointId{},
		dedup:    map[dedupKey]LogicalUri{},
	}
}

// insert records a URI on a branch. The payload is used only for the
// dedup reverse index; pass nil to skip dedup accounting (snapshot
// replay does this — the dedup state is carried in the snapshot).
func (idx *uriIndex) insert(branch BranchId, uri LogicalUri, entry IndexEntry, payload []byte) {
	branchMap := idx.branches[branch]
	if branchMap == nil {
		branchMap = map[LogicalUri]IndexEntry{}
		idx.branches[branch] = branchMap
	}
	branchMap[uri] = entry

	if payload != nil {
		idx.logicalBytes += int64(len(payload))
		key := dedupHash(payload)
		if _, seen := idx.dedup[key]; !seen {
			idx.dedup[key] = uri
			idx.uniqueBytes += int64(len(payload))
		}
	}
}

// firstURIFor returns the first URI that stored the given payload
// bytes, if any.
func (idx *uriIndex) firstURIFor(payload []byte) (LogicalUri, bool) {
	uri, ok := idx.dedup[dedupHash(payload)]
	return uri, ok
}

// lookup resolves a URI on a branch. Branch maps are self-contained,
// so a miss is a miss; inherited entries were copied in at fork time.
func (idx *uriIndex) lookup(branch BranchId, uri LogicalUri) (IndexEntry, bool) {
	entry, ok := idx.branches[branch][uri]
	return entry, ok
}

// effectiveEntries returns a copy of a branch's view, safe for the
// caller to mutate.
func (idx *uriIndex) effectiveEntries(branch BranchId) map[LogicalUri]IndexEntry {
	entries := idx.branches[branch]
	copied := make(map[LogicalUri]IndexEntry, len(entries))
	for uri, entry := range entries {
		copied[uri] = entry
	}
	return copied
}

// sortedByOffset returns the entries of a branch view ordered by the
// introducing record's file offset, i.e. insertion order.
func sortedByOffset(entries map[LogicalUri]IndexEntry) []struct {
	URI   LogicalUri
	Entry IndexEntry
} {
	out := make([]struct {
		URI   LogicalUri
		Entry IndexEntry
	}, 0, len(entries))
	for uri, entry := range entries {
		out = append(out, struct {
			URI   LogicalUri
			Entry IndexEntry
		}{uri, entry})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Entry.Pointer.Offset != out[b].Entry.Pointer.Offset {
			return out[a].Entry.Pointer.Offset < out[b].Entry.Pointer.Offset
		}
		return out[a].URI < out[b].URI
	})
	return out
}

// hasBranch reports whether the branch exists (main always does).
func (idx *uriIndex) hasBranch(branch BranchId) bool {
	if branch == MainBranch {
		return true
	}
	_, forked := idx.parents[branch]
	return forked
}

// addBranch registers a fork. The branch starts empty; the caller
// copies the fork base's entries in.
func (idx *uriIndex) addBranch(branch, parent BranchId, base CheckpointId) {
	idx.parents[branch] = parent
	idx.bases[branch] = base
	if idx.branches[branch] == nil {
		idx.branches[branch] = map[LogicalUri]IndexEntry{}
	}
}

// clone deep-copies the index. Readers receive clones so the writer
// can keep mutating its own.
func (idx *uriIndex) clone() *uriIndex {
	copied := &uriIndex{
		branches:     make(map[BranchId]map[LogicalUri]IndexEntry, len(idx.branches)),
		parents:      make(map[BranchId]BranchId, len(idx.parents)),
		bases:        make(map[BranchId]CheckpointId, len(idx.bases)),
		dedup:        make(map[dedupKey]LogicalUri, len(idx.dedup)),
		logicalBytes: idx.logicalBytes,
		uniqueBytes:  idx.uniqueBytes,
	}
	for branch, entries := range idx.branches {
		branchCopy := make(map[LogicalUri]IndexEntry, len(entries))
		for uri, entry := range entries {
			branchCopy[uri] = entry
		}
		copied.branches[branch] = branchCopy
	}
	for branch, parent := range idx.parents {
		copied.parents[branch] = parent
	}
	for branch, base := range idx.bases {
		copied.bases[branch] = base
	}
	for key, uri := range idx.dedup {
		copied.dedup[key] = uri
	}
	return copied
}

// uriCount counts distinct URIs across all branches. Branch maps
// carry copies of inherited entries, so the same URI on several
// branches counts once.
func (idx *uriIndex) uriCount() int {
	seen := map[LogicalUri]struct{}{}
	for _, entries := range idx.branches {
		for uri := range entries {
			seen[uri] = struct{}{}
		}
	}
	return len(seen)
}

// dedupRatio is logical bytes over unique bytes; 1.0 means no
// duplicate content has been stored.
func (idx *uriIndex) dedupRatio() float64 {
	if idx.uniqueBytes == 0 {
		return 1.0
	}
	return float64(idx.logicalBytes) / float64(idx.uniqueBytes)
}

// indexSnapshot is the CBOR payload of a UriIndexSnapshot record: the
// complete index state, so open-time replay can start from the latest
// snapshot instead of the file head.
type indexSnapshot struct {
	Branches map[BranchId]map[LogicalUri]IndexEntry `cbor:"1,keyasint"`
	Parents  map[BranchId]BranchId                  `cbor:"2,keyasint"`
	Bases    map[BranchId]CheckpointId              `cbor:"3,keyasint"`

	DedupFirst   map[string]LogicalUri `cbor:"4,keyasint"`
	LogicalBytes int64                 `cbor:"5,keyasint"`
	UniqueBytes  int64                 `cbor:"6,keyasint"`
}

// marshalSnapshot serializes the index deterministically.
func (idx *uriIndex) marshalSnapshot() ([]byte, error) {
	snapshot := indexSnapshot{
		Branches:     idx.branches,
		Parents:      idx.parents,
		Bases:        idx.bases,
		DedupFirst:   make(map[string]LogicalUri, len(idx.dedup)),
		LogicalBytes: idx.logicalBytes,
		UniqueBytes:  idx.uniqueBytes,
	}
	// Keys are hex-encoded: CBOR text strings must be valid UTF-8,
	// which raw hash bytes are not.
	for key, uri := range idx.dedup {
		snapshot.DedupFirst[hex.EncodeToString(key[:])] = uri
	}
	data, err := codec.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshaling index snapshot: %w", err)
	}
	return data, nil
}

// unmarshalSnapshot restores an index from a snapshot payload.
func unmarshalSnapshot(data []byte) (*uriIndex, error) {
	var snapshot indexSnapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parsing index snapshot: %w", err)
	}
	idx := newUriIndex()
	if snapshot.Branches != nil {
		idx.branches = snapshot.Branches
	}
	if idx.branches[MainBranch] == nil {
		idx.branches[MainBranch] = map[LogicalUri]IndexEntry{}
	}
	if snapshot.Parents != nil {
		idx.parents = snapshot.Parents
	}
	if snapshot.Bases != nil {
		idx.bases = snapshot.Bases
	}
	for key, uri := range snapshot.DedupFirst {
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != len(dedupKey{}) {
			return nil, fmt.Errorf("parsing index snapshot: malformed dedup key %q", key)
		}
		var k dedupKey
		copy(k[:], raw)
		idx.dedup[k] = uri
	}
	idx.logicalBytes = snapshot.LogicalBytes
	idx.uniqueBytes = snapshot.UniqueBytes
	return idx, nil
}
