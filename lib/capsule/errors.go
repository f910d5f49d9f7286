// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify failures with errors.Is; the
// structured types below carry diagnostics and match their sentinel.
var (
	// ErrExists is returned by Create when the capsule file already
	// exists.
	ErrExists = errors.New("capsule already exists")

	// ErrMissing is returned by Open when the capsule file does not
	// exist.
	ErrMissing = errors.New("capsule not found")

	// ErrBadMagic is returned when a file does not begin with the MV2
	// header.
	ErrBadMagic = errors.New("not a memvid capsule (bad magic)")

	// ErrUnsupportedVersion is returned when the header declares a
	// format major this code cannot read.
	ErrUnsupportedVersion = errors.New("unsupported capsule format version")

	// ErrCorrupted is returned when a record fails its length or CRC
	// check. The CorruptionError type carries the offset.
	ErrCorrupted = errors.New("capsule corrupted")

	// ErrTornTail is reported (as a warning, after recovery) when the
	// final record was only partially written.
	ErrTornTail = errors.New("torn record at end of capsule")

	// ErrLocked is returned when another writer holds the capsule
	// lock. The LockedByWriterError type carries the holder metadata.
	ErrLocked = errors.New("capsule is locked by another writer")

	// ErrClosedForWrite is returned by writes on a read-only or closed
	// handle.
	ErrClosedForWrite = errors.New("capsule is not open for writing")

	// ErrBackpressure is returned when the writer queue stays full past
	// the enqueue deadline.
	ErrBackpressure = errors.New("writer queue full")

	// ErrNotFound is returned when a URI does not resolve on the
	// requested branch (or its ancestors) at the requested checkpoint.
	ErrNotFound = errors.New("uri not found")

	// ErrHashMismatch is returned when a payload's bytes do not match
	// its recorded SHA-256.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrDuplicateName is returned when a put reuses an existing
	// (scope, type, name) on the same branch without a matching
	// idempotency key.
	ErrDuplicateName = errors.New("duplicate artifact name")

	// ErrDuplicateBranch is returned when a branch name is already
	// taken.
	ErrDuplicateBranch = errors.New("branch already exists")

	// ErrDuplicateLabel is returned when a checkpoint label is reused
	// within a branch. Labels are unique per branch so checkpoints stay
	// addressable by label.
	ErrDuplicateLabel = errors.New("checkpoint label already used on branch")

	// ErrUnknownCheckpoint is returned when an as-of or branch-from
	// checkpoint id does not exist.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrNothingToCommit is returned by Commit when no records were
	// written since the previous checkpoint.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrConflict is returned by Merge when the mode cannot resolve an
	// overlapping URI. The ConflictError type carries the URI.
	ErrConflict = errors.New("merge conflict")

	// ErrInvalidURI is returned for malformed mv2:// strings.
	ErrInvalidURI = errors.New("invalid logical uri")

	// ErrUnsupportedSchema is returned when a payload's schema_version
	// declares an unknown major.
	ErrUnsupportedSchema = errors.New("unsupported payload schema")
)

// CorruptionError reports a record that failed its integrity check.
type CorruptionError struct {
	// Offset is the byte position of the bad record's length prefix.
	Offset int64

	// Reason describes the failed check.
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("capsule corrupted at offset %d: %s", e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }

// TornTailError reports a partially written final record. The handle
// recovers by truncating back to the previous record boundary; the
// error surfaces only as a doctor warning.
type TornTailError struct {
	// Offset is the byte position where the torn record begins.
	Offset int64
}

func (e *TornTailError) Error() string {
	return fmt.Sprintf("torn record at offset %d", e.Offset)
}

func (e *TornTailError) Is(target error) bool { return target == ErrTornTail }

// LockedByWriterError reports writer-lock contention along with the
// holder's metadata so callers can show who is in the way.
type LockedByWriterError struct {
	Metadata LockMetadata
}

func (e *LockedByWriterError) Error() string {
	return fmt.Sprintf("capsule is locked by %s", e.Metadata.Summary())
}

func (e *LockedByWriterError) Is(target error) bool { return target == ErrLocked }

// ConflictError reports the URI a merge could not resolve.
type ConflictError struct {
	URI    LogicalUri
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s: %s", e.URI, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
