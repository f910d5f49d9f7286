// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/memvid-foundation/memvid/lib/clock"
)

// DoctorStatus classifies the overall health of a capsule.
type DoctorStatus string

const (
	DoctorOk              DoctorStatus = "ok"
	DoctorMissing         DoctorStatus = "missing"
	DoctorNotACapsule     DoctorStatus = "not-a-capsule"
	DoctorVersionMismatch DoctorStatus = "version-mismatch"
	DoctorCorrupted       DoctorStatus = "corrupted"
	DoctorUnreadable      DoctorStatus = "unreadable"
	DoctorLockedByWriter  DoctorStatus = "locked-by-writer"
	DoctorIndexDrift      DoctorStatus = "index-drift"
)

// Diagnosis is the result of a doctor pass. Doctor never returns an
// error: every failure mode maps to a status with a human fix-it.
type Diagnosis struct {
	Status DoctorStatus `json:"status"`

	// Detail describes what was found.
	Detail string `json:"detail,omitempty"`

	// FixIt is the suggested next action, phrased for a human.
	FixIt string `json:"fix_it,omitempty"`

	// Offset locates the problem for DoctorCorrupted.
	Offset int64 `json:"offset,omitempty"`

	// MissingURIs counts stream URIs the replayed index cannot resolve,
	// for DoctorIndexDrift.
	MissingURIs int `json:"missing_uris,omitempty"`

	// Warnings are non-fatal findings (torn tail, stale lock, sidecar
	// drift). A capsule can be DoctorOk with warnings.
	Warnings []string `json:"warnings,omitempty"`

	// Lock is the current writer-lock holder, if any.
	Lock *LockMetadata `json:"lock,omitempty"`

	// Stats is populated when the record stream was scannable.
	Stats *Stats `json:"stats,omitempty"`
}

// Healthy reports whether the capsule is usable as-is. A live writer
// lock is transient: reads still work, and writes succeed once the
// holder releases.
func (d Diagnosis) Healthy() bool {
	return d.Status == DoctorOk || d.Status == DoctorLockedByWriter
}

// Doctor inspects a capsule without taking the writer lock and without
// modifying anything. It scans every record, verifies framing and
// checksums, and cross-checks the sidecars.
func Doctor(path string, clk clock.Clock) Diagnosis {
	if clk == nil {
		clk = clock.Real()
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Diagnosis{
				Status: DoctorMissing,
				Detail: fmt.Sprintf("no capsule at %s", path),
				FixIt:  "check the path, or create the capsule with a writer open",
			}
		}
		return Diagnosis{
			Status: DoctorUnreadable,
			Detail: fmt.Sprintf("cannot stat %s: %v", path, err),
			FixIt:  "check filesystem permissions on the capsule and its directory",
		}
	}

	var diagnosis Diagnosis
	liveLock := false

	if holder, held, err := InspectLock(path); err != nil {
		diagnosis.Warnings = append(diagnosis.Warnings,
			fmt.Sprintf("lock sidecar unreadable: %v", err))
	} else if held {
		diagnosis.Lock = &holder
		if holder.Stale(clk.Now(), 5*DefaultHeartbeatInterval) {
			diagnosis.Warnings = append(diagnosis.Warnings, fmt.Sprintf(
				"stale writer lock held by %s; the next writer will reclaim it", holder.Summary()))
		} else {
			liveLock = true
		}
	}

	file, err := os.Open(path)
	if err != nil {
		diagnosis.Status = DoctorUnreadable
		diagnosis.Detail = fmt.Sprintf("cannot open %s: %v", path, err)
		diagnosis.FixIt = "check filesystem permissions on the capsule"
		return diagnosis
	}
	defer file.Close()

	state, err := replayCapsule(file, "")
	if err != nil {
		switch {
		case errors.Is(err, ErrBadMagic):
			diagnosis.Status = DoctorNotACapsule
			diagnosis.Detail = fmt.Sprintf("%s does not start with the MV2 header", path)
			diagnosis.FixIt = "this is not a capsule file; check the path"
		case errors.Is(err, ErrUnsupportedVersion):
			diagnosis.Status = DoctorVersionMismatch
			diagnosis.Detail = err.Error()
			diagnosis.FixIt = "upgrade this tool; the capsule was written by a newer format version"
		case errors.Is(err, ErrCorrupted):
			var corruption *CorruptionError
			diagnosis.Status = DoctorCorrupted
			diagnosis.Detail = err.Error()
			if errors.As(err, &corruption) {
				diagnosis.Offset = corruption.Offset
			}
			diagnosis.FixIt = "restore from the most recent export, or export now to salvage the records before the damaged region"
		default:
			diagnosis.Status = DoctorUnreadable
			diagnosis.Detail = err.Error()
			diagnosis.FixIt = "check the filesystem; the capsule could not be read"
		}
		return diagnosis
	}

	if state.tornTail != nil {
		diagnosis.Warnings = append(diagnosis.Warnings, fmt.Sprintf(
			"torn final record at offset %d; the next writer open truncates it (only uncommitted data is affected)",
			state.tornTail.Offset))
	}
	if state.sinceCheckpoint > 0 {
		diagnosis.Warnings = append(diagnosis.Warnings, fmt.Sprintf(
			"%d records since the last checkpoint are not covered by one; commit to make them reader-visible",
			state.sinceCheckpoint))
	}

	if latest, ok, err := readLatest(path); err != nil {
		diagnosis.Warnings = append(diagnosis.Warnings,
			fmt.Sprintf("latest-checkpoint sidecar unreadable: %v; readers fall back to a full scan", err))
	} else if ok {
		if _, known := state.checkpoints.get(latest.CheckpointID); !known {
			diagnosis.Warnings = append(diagnosis.Warnings, fmt.Sprintf(
				"latest-checkpoint sidecar names unknown checkpoint %s; delete %s to let readers rescan",
				latest.CheckpointID, latestPathFor(path)))
		}
	} else if len(state.checkpoints.ordered) > 0 {
		diagnosis.Warnings = append(diagnosis.Warnings, fmt.Sprintf(
			"capsule has %d checkpoints but no latest-checkpoint sidecar; readers scan the whole file, uncommitted records included",
			len(state.checkpoints.ordered)))
	}

	stats := Stats{
		Path:        path,
		SizeBytes:   state.size,
		Records:     state.records,
		Artifacts:   state.artifacts,
		Events:      state.events,
		URIs:        state.idx.uriCount(),
		Branches:    len(state.idx.branches),
		Checkpoints: len(state.checkpoints.ordered),
		Uncommitted: state.sinceCheckpoint,
		DedupRatio:  state.idx.dedupRatio(),
	}
	if n := len(state.checkpoints.ordered); n > 0 {
		latest := state.checkpoints.ordered[n-1]
		stats.LatestCheckpoint = &latest
	}
	diagnosis.Stats = &stats

	missing, err := countMissingURIs(file, state)
	if err != nil {
		diagnosis.Warnings = append(diagnosis.Warnings,
			fmt.Sprintf("index drift re-scan failed: %v", err))
	}
	if missing > 0 {
		diagnosis.Status = DoctorIndexDrift
		diagnosis.MissingURIs = missing
		diagnosis.Detail = fmt.Sprintf("the replayed index is missing %d of the URIs present in the record stream", missing)
		diagnosis.FixIt = "open a writer and commit to rewrite the index snapshot, or restore from a recent export"
		return diagnosis
	}

	if liveLock {
		diagnosis.Status = DoctorLockedByWriter
		diagnosis.Detail = fmt.Sprintf("writer lock held by %s", diagnosis.Lock.Summary())
		diagnosis.FixIt = fmt.Sprintf("wait for the writer to finish, or check the process: ps -p %d", diagnosis.Lock.PID)
		return diagnosis
	}

	diagnosis.Status = DoctorOk
	diagnosis.Detail = fmt.Sprintf("%d records, %d checkpoints, %d branches", stats.Records, stats.Checkpoints, stats.Branches)
	return diagnosis
}

// countMissingURIs re-scans the intact prefix of the stream and counts
// record URIs the replayed index does not resolve on their branch.
// Nonzero means the last snapshot disagrees with the records it claims
// to cover.
func countMissingURIs(file *os.File, state capsuleState) (int, error) {
	scanner, err := NewScanner(io.NewSectionReader(file, 0, state.size))
	if err != nil {
		return 0, err
	}
	missing := 0
	for {
		scanned, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return missing, nil
		}
		if err != nil {
			return missing, err
		}
		record := scanned.Record
		switch record.Kind {
		case ObjectArtifact, ObjectEvent, ObjectCheckpoint:
			if record.Meta.URI == "" {
				continue
			}
			if _, ok := state.idx.lookup(record.Meta.Branch, record.Meta.URI); !ok {
				missing++
			}
		}
	}
}
