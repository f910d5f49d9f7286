// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/memvid-foundation/memvid/lib/clock"
)

// Mode selects how a capsule is opened.
type Mode int

const (
	// ModeRead opens without the writer lock. The view is pinned to the
	// most recent durable checkpoint; records appended afterwards by a
	// concurrent writer are not visible.
	ModeRead Mode = iota

	// ModeWrite acquires the exclusive writer lock and replays the full
	// file, recovering from a torn tail by truncation.
	ModeWrite
)

// Default tuning. Zero-valued Config fields fall back to these.
const (
	DefaultMaxQueue          = 100
	DefaultEnqueueTimeout    = 2 * time.Second
	DefaultLockTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 3 * time.Second
)

// Config carries the knobs for opening a capsule. The zero value is
// usable: defaults are applied by Open and Create.
type Config struct {
	// Workspace is the first URI segment of everything written through
	// this handle. Defaults to DefaultWorkspace.
	Workspace string

	// Branch is the handle's initial current branch. Defaults to main.
	Branch BranchId

	// MaxQueue bounds the writer queue. Writers past the bound block up
	// to EnqueueTimeout and then fail with ErrBackpressure.
	MaxQueue int

	EnqueueTimeout time.Duration

	// LockTimeout bounds how long ModeWrite waits for a contended
	// writer lock before failing with a *LockedByWriterError.
	LockTimeout time.Duration

	// HeartbeatInterval is the lock heartbeat period. A lock whose
	// heartbeat is older than five intervals and whose holder pid is
	// dead counts as stale.
	HeartbeatInterval time.Duration

	// LockContext is a free-form description stored in the lock
	// metadata (e.g. "intake:S-1 run/3").
	LockContext string

	Logger *slog.Logger
	Clock  clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Workspace == "" {
		c.Workspace = DefaultWorkspace
	}
	if c.Branch == "" {
		c.Branch = MainBranch
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// capsuleState is everything rebuilt by replay and mutated by the
// writer goroutine: the URI index, the checkpoint log, and the append
// position.
type capsuleState struct {
	idx         *uriIndex
	checkpoints *checkpointLog

	// size is the next append offset (the current end of file).
	size int64

	// committedSize is the end offset of the most recent checkpoint
	// record: the byte range [0, committedSize) is durable, covered
	// history. Export reads exactly this range.
	committedSize int64

	records         int
	artifacts       int
	events          int
	sinceCheckpoint int

	// tornTail records a tear found during replay, after recovery.
	// Surfaces through doctor, not as an open error.
	tornTail *TornTailError
}

// writeOp is one unit of work for the writer goroutine.
type writeOp struct {
	run  func()
	done chan struct{}
}

// Handle is an open capsule. One process-wide writer mutates a capsule
// at a time (enforced by the on-disk lock); a single Handle is safe for
// concurrent use by multiple goroutines — writes funnel through a
// bounded queue drained by one goroutine that owns all file appends.
type Handle struct {
	path   string
	mode   Mode
	config Config
	logger *slog.Logger
	clk    clock.Clock

	file *os.File
	lock *writerLock

	queue      chan *writeOp
	writerDone chan struct{}

	// closeMu serializes enqueue against Close so the queue is never
	// closed under a blocked sender.
	closeMu sync.RWMutex
	closed  bool

	// mu guards state, branch, and the as-of cache.
	mu     sync.Mutex
	state  capsuleState
	branch BranchId
	asOf   map[CheckpointId]*uriIndex
}

// Create makes a new capsule file and opens it for writing. Fails with
// ErrExists if the path is already occupied.
func Create(path string, config Config) (*Handle, error) {
	config = config.withDefaults()

	lock, err := acquireWriterLock(path, config.Clock, config.Logger,
		config.LockContext, config.LockTimeout, config.HeartbeatInterval)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		lock.Release()
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("creating capsule %s: %w", path, err)
	}
	if err := WriteHeader(file); err != nil {
		file.Close()
		lock.Release()
		os.Remove(path)
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		lock.Release()
		return nil, fmt.Errorf("syncing new capsule: %w", err)
	}
	if err := syncDir(path); err != nil {
		config.Logger.Warn("directory sync failed after create", "path", path, "error", err)
	}

	h := &Handle{
		path:   path,
		mode:   ModeWrite,
		config: config,
		logger: config.Logger,
		clk:    config.Clock,
		file:   file,
		lock:   lock,
		branch: config.Branch,
		asOf:   map[CheckpointId]*uriIndex{},
		state: capsuleState{
			idx:           newUriIndex(),
			checkpoints:   newCheckpointLog(),
			size:          HeaderSize,
			committedSize: HeaderSize,
		},
	}
	h.startWriter()
	h.logger.Info("capsule created", "path", path, "workspace", config.Workspace)
	return h, nil
}

// Open opens an existing capsule. ModeWrite acquires the writer lock,
// replays the whole file, and truncates a torn tail; ModeRead takes no
// lock and replays only up to the most recent durable checkpoint.
func Open(path string, mode Mode, config Config) (*Handle, error) {
	config = config.withDefaults()

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, fmt.Errorf("statting capsule %s: %w", path, err)
	}

	var lock *writerLock
	if mode == ModeWrite {
		var err error
		lock, err = acquireWriterLock(path, config.Clock, config.Logger,
			config.LockContext, config.LockTimeout, config.HeartbeatInterval)
		if err != nil {
			return nil, err
		}
	}

	flags := os.O_RDONLY
	if mode == ModeWrite {
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if lock != nil {
			lock.Release()
		}
		return nil, fmt.Errorf("opening capsule %s: %w", path, err)
	}

	var stopAt CheckpointId
	if mode == ModeRead {
		if latest, ok, err := readLatest(path); err != nil {
			config.Logger.Warn("unreadable latest-checkpoint sidecar; reading whole file",
				"path", path, "error", err)
		} else if ok {
			stopAt = latest.CheckpointID
		}
	}

	state, err := replayCapsule(file, stopAt)
	if err != nil {
		file.Close()
		if lock != nil {
			lock.Release()
		}
		return nil, err
	}

	if state.tornTail != nil && mode == ModeWrite {
		config.Logger.Warn("recovering torn tail by truncation",
			"path", path, "offset", state.tornTail.Offset)
		if err := file.Truncate(state.tornTail.Offset); err != nil {
			file.Close()
			lock.Release()
			return nil, fmt.Errorf("truncating torn tail of %s: %w", path, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			lock.Release()
			return nil, fmt.Errorf("syncing after tail truncation: %w", err)
		}
		state.size = state.tornTail.Offset
	}

	branch := config.Branch
	if !state.idx.hasBranch(branch) {
		file.Close()
		if lock != nil {
			lock.Release()
		}
		return nil, fmt.Errorf("capsule %s has no branch %q", path, branch)
	}

	h := &Handle{
		path:   path,
		mode:   mode,
		config: config,
		logger: config.Logger,
		clk:    config.Clock,
		file:   file,
		lock:   lock,
		branch: branch,
		asOf:   map[CheckpointId]*uriIndex{},
		state:  state,
	}
	if mode == ModeWrite {
		h.startWriter()
	}
	h.logger.Info("capsule opened", "path", path, "mode", mode,
		"records", state.records, "branches", len(state.idx.branches))
	return h, nil
}

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// replayCapsule rebuilds in-memory state from the record stream. When
// stopAt is non-empty, replay halts right after applying that
// checkpoint; otherwise it runs to the end of the file, stopping early
// (without error) at a torn tail.
func replayCapsule(file *os.File, stopAt CheckpointId) (capsuleState, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return capsuleState{}, fmt.Errorf("seeking capsule start: %w", err)
	}
	scanner, err := NewScanner(file)
	if err != nil {
		return capsuleState{}, err
	}

	state := capsuleState{
		idx:           newUriIndex(),
		checkpoints:   newCheckpointLog(),
		size:          HeaderSize,
		committedSize: HeaderSize,
	}
	for {
		scanned, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return state, nil
		}
		var torn *TornTailError
		if errors.As(err, &torn) {
			state.tornTail = torn
			return state, nil
		}
		if err != nil {
			return capsuleState{}, err
		}
		appliedCheckpoint, err := state.apply(scanned)
		if err != nil {
			return capsuleState{}, err
		}
		state.size = scanner.Offset()
		if appliedCheckpoint != "" {
			state.committedSize = state.size
		}
		if stopAt != "" && appliedCheckpoint == stopAt {
			return state, nil
		}
	}
}

// apply folds one record into the state. Returns the checkpoint id if
// the record was a checkpoint.
func (st *capsuleState) apply(scanned *ScannedRecord) (CheckpointId, error) {
	record := scanned.Record
	st.records++

	switch record.Kind {
	case ObjectUriIndexSnapshot:
		idx, err := unmarshalSnapshot(record.Payload)
		if err != nil {
			return "", &CorruptionError{Offset: scanned.Pointer.Offset, Reason: err.Error()}
		}
		st.idx = idx

	case ObjectCheckpoint:
		meta, err := unmarshalCheckpoint(record.Payload)
		if err != nil {
			return "", &CorruptionError{Offset: scanned.Pointer.Offset, Reason: err.Error()}
		}
		st.checkpoints.append(meta)
		if record.Meta.URI != "" {
			st.idx.insert(meta.Branch, record.Meta.URI, IndexEntry{
				Pointer:      scanned.Pointer,
				SHA256:       record.Meta.ContentSHA256,
				IntroducedAt: record.Meta.CreatedAt,
			}, nil)
		}
		st.sinceCheckpoint = 0
		return meta.ID, nil

	case ObjectArtifact, ObjectEvent:
		if record.Kind == ObjectArtifact {
			st.artifacts++
		} else {
			st.events++
		}
		st.sinceCheckpoint++
		st.idx.insert(record.Meta.Branch, record.Meta.URI, IndexEntry{
			Pointer:      scanned.Pointer,
			SHA256:       record.Meta.ContentSHA256,
			IntroducedAt: record.Meta.CreatedAt,
		}, record.Payload)

	case ObjectManifest:
		// Manifests belong to export bundles; tolerated in place.
	}
	return "", nil
}

// startWriter launches the goroutine that owns all file appends.
func (h *Handle) startWriter() {
	h.queue = make(chan *writeOp, h.config.MaxQueue)
	h.writerDone = make(chan struct{})
	go func() {
		defer close(h.writerDone)
		for op := range h.queue {
			op.run()
			close(op.done)
		}
	}()
}

// enqueue submits a closure to the writer goroutine and waits for it to
// run. Backpressure: if the queue stays full past EnqueueTimeout the
// write fails with ErrBackpressure instead of queueing unboundedly.
func (h *Handle) enqueue(ctx context.Context, run func()) error {
	if h.mode != ModeWrite {
		return ErrClosedForWrite
	}
	h.closeMu.RLock()
	if h.closed {
		h.closeMu.RUnlock()
		return ErrClosedForWrite
	}

	op := &writeOp{run: run, done: make(chan struct{})}
	select {
	case h.queue <- op:
		h.closeMu.RUnlock()
	case <-h.clk.After(h.config.EnqueueTimeout):
		h.closeMu.RUnlock()
		return fmt.Errorf("%w: %d pending writes for %s",
			ErrBackpressure, h.config.MaxQueue, h.config.EnqueueTimeout)
	case <-ctx.Done():
		h.closeMu.RUnlock()
		return ctx.Err()
	}

	<-op.done
	return nil
}

// appendRecord encodes and appends one record. Writer goroutine only;
// caller holds mu.
func (h *Handle) appendRecord(kind ObjectType, meta RecordMeta, payload []byte) (PhysicalPointer, error) {
	encoded, err := EncodeRecord(kind, meta, payload)
	if err != nil {
		return PhysicalPointer{}, err
	}
	pointer := PhysicalPointer{Offset: h.state.size, Length: uint32(len(encoded)), Kind: kind}
	if _, err := h.file.WriteAt(encoded, h.state.size); err != nil {
		return PhysicalPointer{}, fmt.Errorf("appending %s record at offset %d: %w", kind, h.state.size, err)
	}
	h.state.size += int64(len(encoded))
	h.state.records++
	return pointer, nil
}

// contentSHA256 returns the hex SHA-256 of payload.
func contentSHA256(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PutOptions names and annotates an artifact write.
type PutOptions struct {
	// Branch overrides the handle's current branch.
	Branch BranchId

	Scope []string
	Name  string

	ContentType string
	Tags        []string
	Creator     string
	ParentURI   LogicalUri
	PolicyID    string

	// IdempotencyKey makes a content-identical retry of the same put
	// succeed with the original URI instead of ErrDuplicateName.
	IdempotencyKey string
}

// Put appends an artifact and returns its logical URI. A (scope, name)
// already taken on the branch fails with ErrDuplicateName unless the
// existing record carries the same idempotency key and identical
// content, in which case the existing URI is returned.
func (h *Handle) Put(ctx context.Context, opts PutOptions, payload []byte) (LogicalUri, error) {
	uri, err := BuildURI(h.config.Workspace, opts.Scope, ObjectArtifact, opts.Name)
	if err != nil {
		return "", err
	}
	sum := contentSHA256(payload)

	var resultURI LogicalUri
	var opErr error
	err = h.enqueue(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		branch := h.branch
		if opts.Branch != "" {
			branch = opts.Branch
		}
		if !h.state.idx.hasBranch(branch) {
			opErr = fmt.Errorf("unknown branch %q", branch)
			return
		}

		if existing, ok := h.state.idx.lookup(branch, uri); ok {
			if opts.IdempotencyKey != "" && existing.SHA256 == sum {
				record, err := ReadRecordAt(h.file, existing.Pointer)
				if err == nil && record.Meta.IdempotencyKey == opts.IdempotencyKey {
					resultURI = uri
					return
				}
			}
			opErr = fmt.Errorf("%w: %s on branch %s", ErrDuplicateName, uri, branch)
			return
		}

		now := h.clk.Now()
		meta := RecordMeta{
			URI:            uri,
			Branch:         branch,
			Creator:        opts.Creator,
			CreatedAt:      now,
			Tags:           opts.Tags,
			ContentType:    opts.ContentType,
			ContentSHA256:  sum,
			ParentURI:      opts.ParentURI,
			PolicyID:       opts.PolicyID,
			IdempotencyKey: opts.IdempotencyKey,
		}
		pointer, err := h.appendRecord(ObjectArtifact, meta, payload)
		if err != nil {
			opErr = err
			return
		}
		h.state.idx.insert(branch, uri, IndexEntry{Pointer: pointer, SHA256: sum, IntroducedAt: now}, payload)
		h.state.artifacts++
		h.state.sinceCheckpoint++
		resultURI = uri
	})
	if err != nil {
		return "", err
	}
	return resultURI, opErr
}

// EventOptions annotates an event write. Event names are assigned by
// the capsule: a monotonically increasing sequence number plus the
// event type.
type EventOptions struct {
	Branch BranchId

	Type  EventType
	Scope []string

	Tags     []string
	Creator  string
	PolicyID string
}

// PutEvent appends an event record. The payload must be an envelope
// whose schema kind matches the event type at major version 1.
func (h *Handle) PutEvent(ctx context.Context, opts EventOptions, payload []byte) (LogicalUri, error) {
	if !opts.Type.Valid() {
		return "", fmt.Errorf("unknown event type %q", opts.Type)
	}
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("event payload is not an envelope: %w", err)
	}
	if err := CheckSchemaVersion(envelope.SchemaVersion, string(opts.Type), 1); err != nil {
		return "", err
	}
	sum := contentSHA256(payload)

	var resultURI LogicalUri
	var opErr error
	err := h.enqueue(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		branch := h.branch
		if opts.Branch != "" {
			branch = opts.Branch
		}
		if !h.state.idx.hasBranch(branch) {
			opErr = fmt.Errorf("unknown branch %q", branch)
			return
		}
		resultURI, opErr = h.appendEvent(branch, opts, sum, payload)
	})
	if err != nil {
		return "", err
	}
	return resultURI, opErr
}

// appendEvent writes one event record. Writer goroutine only; caller
// holds mu.
func (h *Handle) appendEvent(branch BranchId, opts EventOptions, sum string, payload []byte) (LogicalUri, error) {
	name := fmt.Sprintf("%08d-%s", h.state.events+1, opts.Type)
	uri, err := BuildURI(h.config.Workspace, opts.Scope, ObjectEvent, name)
	if err != nil {
		return "", err
	}

	now := h.clk.Now()
	meta := RecordMeta{
		URI:           uri,
		Branch:        branch,
		Creator:       opts.Creator,
		CreatedAt:     now,
		Tags:          opts.Tags,
		ContentType:   "application/json",
		ContentSHA256: sum,
		PolicyID:      opts.PolicyID,
		EventType:     opts.Type,
	}
	pointer, err := h.appendRecord(ObjectEvent, meta, payload)
	if err != nil {
		return "", err
	}
	h.state.idx.insert(branch, uri, IndexEntry{Pointer: pointer, SHA256: sum, IntroducedAt: now}, payload)
	h.state.events++
	h.state.sinceCheckpoint++
	return uri, nil
}

// GetOptions selects the view a read resolves against.
type GetOptions struct {
	// Branch overrides the handle's current branch.
	Branch BranchId

	// AsOf pins the read to the state at a past checkpoint. Empty means
	// the live view.
	AsOf CheckpointId
}

// Get resolves a URI and returns the payload and record metadata. The
// payload is verified against its recorded SHA-256; a mismatch fails
// with ErrHashMismatch.
func (h *Handle) Get(ctx context.Context, uri LogicalUri, opts GetOptions) ([]byte, RecordMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, RecordMeta{}, err
	}

	h.mu.Lock()
	branch := h.branch
	if opts.Branch != "" {
		branch = opts.Branch
	}
	idx := h.state.idx
	var err error
	if opts.AsOf != "" {
		idx, err = h.indexAtLocked(opts.AsOf)
		if err != nil {
			h.mu.Unlock()
			return nil, RecordMeta{}, err
		}
	}
	entry, found := idx.lookup(branch, uri)
	h.mu.Unlock()

	if !found {
		return nil, RecordMeta{}, fmt.Errorf("%w: %s on branch %s", ErrNotFound, uri, branch)
	}

	record, err := ReadRecordAt(h.file, entry.Pointer)
	if err != nil {
		return nil, RecordMeta{}, err
	}
	if record.Meta.ContentSHA256 != "" && contentSHA256(record.Payload) != record.Meta.ContentSHA256 {
		return nil, RecordMeta{}, fmt.Errorf("%w: %s", ErrHashMismatch, uri)
	}
	return record.Payload, record.Meta, nil
}

// indexAtLocked materializes (and caches) the index state at a past
// checkpoint from its snapshot record. Caller holds mu.
func (h *Handle) indexAtLocked(id CheckpointId) (*uriIndex, error) {
	if cached, ok := h.asOf[id]; ok {
		return cached, nil
	}
	meta, ok := h.state.checkpoints.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheckpoint, id)
	}
	record, err := ReadRecordAt(h.file, meta.SnapshotPtr)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot of checkpoint %s: %w", id, err)
	}
	idx, err := unmarshalSnapshot(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot of checkpoint %s: %w", id, err)
	}
	h.asOf[id] = idx
	return idx, nil
}

// IteratedRecord is one row of an Iterate pass.
type IteratedRecord struct {
	URI     LogicalUri
	Meta    RecordMeta
	Pointer PhysicalPointer
}

// IterateOptions filters an Iterate pass. Zero value iterates every
// record visible on the handle's current branch.
type IterateOptions struct {
	Branch BranchId
	AsOf   CheckpointId

	// ScopePrefix restricts to URIs whose scope begins with these
	// segments. Nil means no scope filter.
	ScopePrefix []string

	// Kinds restricts to the given record kinds. Empty means all.
	Kinds []ObjectType

	// Tag restricts to records carrying the tag.
	Tag string
}

// Iterate visits the records visible on a branch in insertion order
// (file offset order). Returning an error from fn stops the pass and
// propagates the error.
func (h *Handle) Iterate(ctx context.Context, opts IterateOptions, fn func(IteratedRecord) error) error {
	h.mu.Lock()
	branch := h.branch
	if opts.Branch != "" {
		branch = opts.Branch
	}
	idx := h.state.idx
	var err error
	if opts.AsOf != "" {
		idx, err = h.indexAtLocked(opts.AsOf)
		if err != nil {
			h.mu.Unlock()
			return err
		}
	}
	if !idx.hasBranch(branch) {
		h.mu.Unlock()
		return fmt.Errorf("unknown branch %q", branch)
	}
	entries := idx.effectiveEntries(branch)
	h.mu.Unlock()

	kindWanted := func(kind ObjectType) bool {
		if len(opts.Kinds) == 0 {
			return true
		}
		for _, want := range opts.Kinds {
			if kind == want {
				return true
			}
		}
		return false
	}

	for _, row := range sortedByOffset(entries) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !kindWanted(row.Entry.Pointer.Kind) {
			continue
		}
		if opts.ScopePrefix != nil && !row.URI.HasScopePrefix(h.config.Workspace, opts.ScopePrefix) {
			continue
		}
		record, err := ReadRecordAt(h.file, row.Entry.Pointer)
		if err != nil {
			return err
		}
		if opts.Tag != "" && !record.Meta.HasTag(opts.Tag) {
			continue
		}
		if err := fn(IteratedRecord{URI: row.URI, Meta: record.Meta, Pointer: row.Entry.Pointer}); err != nil {
			return err
		}
	}
	return nil
}

// CommitOptions annotates a checkpoint.
type CommitOptions struct {
	// Label is an optional human name, unique per branch.
	Label string

	// Stage, when set, additionally records a StageTransition event
	// naming the new checkpoint.
	Stage string
}

// Commit makes everything written since the previous checkpoint
// durable and records a checkpoint on the current branch. Fails with
// ErrNothingToCommit when no records were appended since the last
// checkpoint, and ErrDuplicateLabel when the label is taken.
func (h *Handle) Commit(ctx context.Context, opts CommitOptions) (CheckpointMeta, error) {
	var result CheckpointMeta
	var opErr error
	err := h.enqueue(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		branch := h.branch
		if h.state.sinceCheckpoint == 0 {
			opErr = fmt.Errorf("%w on branch %s", ErrNothingToCommit, branch)
			return
		}
		if opts.Label != "" && h.state.checkpoints.labelUsed(branch, opts.Label) {
			opErr = fmt.Errorf("%w: %q on %s", ErrDuplicateLabel, opts.Label, branch)
			return
		}

		now := h.clk.Now()
		id := newCheckpointId(now)

		if opts.Stage != "" {
			payload, err := NewEnvelope(string(EventStageTransition), 1, 0,
				StageTransitionPayload{Stage: opts.Stage, CheckpointID: id})
			if err != nil {
				opErr = err
				return
			}
			if _, err := h.appendEvent(branch, EventOptions{Type: EventStageTransition}, contentSHA256(payload), payload); err != nil {
				opErr = err
				return
			}
		}

		result, opErr = h.writeCheckpointLocked(branch, id, opts.Label, now)
	})
	if err != nil {
		return CheckpointMeta{}, err
	}
	return result, opErr
}

// writeCheckpointLocked syncs pending data, appends the snapshot and
// checkpoint records, syncs again, and publishes the latest-checkpoint
// sidecar. Writer goroutine only; caller holds mu.
func (h *Handle) writeCheckpointLocked(branch BranchId, id CheckpointId, label string, now time.Time) (CheckpointMeta, error) {
	// Data records must be durable before the checkpoint that proves
	// they exist.
	if err := h.file.Sync(); err != nil {
		return CheckpointMeta{}, fmt.Errorf("syncing before checkpoint: %w", err)
	}

	snapshotPayload, err := h.state.idx.marshalSnapshot()
	if err != nil {
		return CheckpointMeta{}, err
	}
	snapshotPtr, err := h.appendRecord(ObjectUriIndexSnapshot,
		RecordMeta{Branch: branch, CreatedAt: now}, snapshotPayload)
	if err != nil {
		return CheckpointMeta{}, err
	}

	parent, ok := h.state.checkpoints.tip(branch)
	if !ok {
		parent = h.state.idx.bases[branch]
	}
	meta := CheckpointMeta{
		ID:          id,
		Branch:      branch,
		Parent:      parent,
		Label:       label,
		CreatedAt:   now,
		SnapshotPtr: snapshotPtr,
		Artifacts:   h.state.artifacts,
		Events:      h.state.events,
	}
	payload, err := marshalCheckpoint(meta)
	if err != nil {
		return CheckpointMeta{}, err
	}
	uri, err := BuildURI(h.config.Workspace, nil, ObjectCheckpoint, string(id))
	if err != nil {
		return CheckpointMeta{}, err
	}
	pointer, err := h.appendRecord(ObjectCheckpoint, RecordMeta{
		URI:           uri,
		Branch:        branch,
		CreatedAt:     now,
		ContentSHA256: contentSHA256(payload),
	}, payload)
	if err != nil {
		return CheckpointMeta{}, err
	}
	if err := h.file.Sync(); err != nil {
		return CheckpointMeta{}, fmt.Errorf("syncing checkpoint: %w", err)
	}

	h.state.idx.insert(branch, uri, IndexEntry{
		Pointer:      pointer,
		SHA256:       contentSHA256(payload),
		IntroducedAt: now,
	}, nil)
	h.state.checkpoints.append(meta)
	h.state.sinceCheckpoint = 0
	h.state.committedSize = h.state.size

	if err := writeLatest(h.path, id, now); err != nil {
		// The checkpoint itself is durable; only reader visibility of
		// the newest checkpoint is delayed.
		h.logger.Warn("writing latest-checkpoint sidecar failed", "path", h.path, "error", err)
	}
	h.logger.Info("checkpoint committed", "branch", branch, "checkpoint", id, "label", label)
	return meta, nil
}

// Branch forks a new branch at a checkpoint. Empty from means the
// current branch's tip. The fork is recorded as a BranchFork event and
// an index snapshot, so it survives replay; it becomes checkpoint-
// addressable at the branch's first commit.
func (h *Handle) Branch(ctx context.Context, name BranchId, from CheckpointId) error {
	if !isBranchPath(string(name)) {
		return fmt.Errorf("invalid branch name %q", name)
	}

	var opErr error
	err := h.enqueue(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.state.idx.hasBranch(name) {
			opErr = fmt.Errorf("%w: %s", ErrDuplicateBranch, name)
			return
		}

		base := from
		if base == "" {
			tip, ok := h.state.checkpoints.tip(h.branch)
			if !ok {
				opErr = fmt.Errorf("%w: branch %s has no checkpoint to fork from", ErrUnknownCheckpoint, h.branch)
				return
			}
			base = tip
		}
		baseMeta, ok := h.state.checkpoints.get(base)
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrUnknownCheckpoint, base)
			return
		}
		parent := baseMeta.Branch

		baseIdx, err := h.indexAtLocked(base)
		if err != nil {
			opErr = err
			return
		}
		baseEntries := baseIdx.effectiveEntries(parent)

		h.state.idx.addBranch(name, parent, base)
		branchEntries := h.state.idx.branches[name]
		for uri, entry := range baseEntries {
			branchEntries[uri] = entry
		}

		payload, err := NewEnvelope(string(EventBranchFork), 1, 0,
			BranchForkPayload{Branch: name, Parent: parent, BaseCheckpoint: base})
		if err != nil {
			opErr = err
			return
		}
		if _, err := h.appendEvent(name, EventOptions{Type: EventBranchFork}, contentSHA256(payload), payload); err != nil {
			opErr = err
			return
		}

		// Snapshot immediately so replay reconstructs the fork's base
		// entries, which exist nowhere else in the record stream.
		snapshotPayload, err := h.state.idx.marshalSnapshot()
		if err != nil {
			opErr = err
			return
		}
		if _, err := h.appendRecord(ObjectUriIndexSnapshot,
			RecordMeta{Branch: name, CreatedAt: h.clk.Now()}, snapshotPayload); err != nil {
			opErr = err
			return
		}

		h.logger.Info("branch forked", "branch", name, "parent", parent, "base", base)
	})
	if err != nil {
		return err
	}
	return opErr
}

// isBranchPath accepts branch names of the form "seg" or "seg/seg",
// e.g. "run/3".
func isBranchPath(name string) bool {
	segments := 0
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '/' {
			if !validSegment(name[start:i]) {
				return false
			}
			segments++
			start = i + 1
		}
	}
	return segments >= 1
}

// Checkout switches the handle's current branch.
func (h *Handle) Checkout(branch BranchId) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.idx.hasBranch(branch) {
		return fmt.Errorf("unknown branch %q", branch)
	}
	h.branch = branch
	return nil
}

// CurrentBranch returns the handle's current branch.
func (h *Handle) CurrentBranch() BranchId {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.branch
}

// Merge folds the src branch into the current branch under the given
// mode and records a checkpoint for the merged state. No data records
// are copied; only a snapshot and checkpoint are appended.
func (h *Handle) Merge(ctx context.Context, src BranchId, mode MergeMode, label string) (CheckpointMeta, error) {
	var result CheckpointMeta
	var opErr error
	err := h.enqueue(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		dst := h.branch
		if src == dst {
			opErr = fmt.Errorf("cannot merge branch %s into itself", src)
			return
		}
		if !h.state.idx.hasBranch(src) {
			opErr = fmt.Errorf("unknown branch %q", src)
			return
		}
		srcTip, ok := h.state.checkpoints.tip(src)
		if !ok {
			opErr = fmt.Errorf("branch %s has no checkpoint to merge", src)
			return
		}
		if label != "" && h.state.checkpoints.labelUsed(dst, label) {
			opErr = fmt.Errorf("%w: %q on %s", ErrDuplicateLabel, label, dst)
			return
		}

		srcEntries := h.state.idx.effectiveEntries(src)
		dstEntries := h.state.idx.effectiveEntries(dst)

		var merged map[LogicalUri]IndexEntry
		if mode == MergeFastForward {
			dstAt, hasDst := h.state.checkpoints.tip(dst)
			if !hasDst {
				dstAt = h.state.idx.bases[dst]
			}
			if dstAt != "" && !h.state.checkpoints.isAncestor(dstAt, srcTip) {
				opErr = fmt.Errorf("%w: %s has diverged from %s; fast-forward impossible", ErrConflict, dst, src)
				return
			}
			if h.state.sinceCheckpoint > 0 {
				opErr = fmt.Errorf("%w: uncommitted records on %s; fast-forward impossible", ErrConflict, dst)
				return
			}
			merged = make(map[LogicalUri]IndexEntry, len(srcEntries))
			for uri, entry := range srcEntries {
				merged[uri] = entry
			}
		} else {
			var err error
			merged, err = resolveMergedEntries(srcEntries, dstEntries, mode)
			if err != nil {
				opErr = err
				return
			}
		}

		h.state.idx.branches[dst] = merged

		now := h.clk.Now()
		result, opErr = h.writeCheckpointLocked(dst, newCheckpointId(now), label, now)
		if opErr == nil {
			h.logger.Info("branch merged", "src", src, "dst", dst, "mode", mode, "checkpoint", result.ID)
		}
	})
	if err != nil {
		return CheckpointMeta{}, err
	}
	return result, opErr
}

// Checkpoints lists a branch's checkpoints in commit order. Empty
// branch means the current branch.
func (h *Handle) Checkpoints(branch BranchId) []CheckpointMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	if branch == "" {
		branch = h.branch
	}
	return h.state.checkpoints.forBranch(branch)
}

// ResolveCheckpoint finds a checkpoint by id or, failing that, by
// label on the given branch (empty means the current branch).
func (h *Handle) ResolveCheckpoint(branch BranchId, ref string) (CheckpointMeta, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if branch == "" {
		branch = h.branch
	}
	if meta, ok := h.state.checkpoints.get(CheckpointId(ref)); ok {
		return meta, nil
	}
	if meta, ok := h.state.checkpoints.byLabel(branch, ref); ok {
		return meta, nil
	}
	return CheckpointMeta{}, fmt.Errorf("%w: %q on branch %s", ErrUnknownCheckpoint, ref, branch)
}

// Stats summarizes the capsule's current state.
type Stats struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Records   int    `json:"records"`
	Artifacts int    `json:"artifacts"`
	Events    int    `json:"events"`
	URIs      int    `json:"uris"`
	Branches  int    `json:"branches"`

	Checkpoints int `json:"checkpoints"`

	// Uncommitted counts records appended since the last checkpoint.
	Uncommitted int `json:"uncommitted"`

	// DedupRatio is logical payload bytes over unique payload bytes.
	DedupRatio float64 `json:"dedup_ratio"`

	LatestCheckpoint *CheckpointMeta `json:"latest_checkpoint,omitempty"`
}

// Stats reports the handle's view of the capsule.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := Stats{
		Path:        h.path,
		SizeBytes:   h.state.size,
		Records:     h.state.records,
		Artifacts:   h.state.artifacts,
		Events:      h.state.events,
		URIs:        h.state.idx.uriCount(),
		Branches:    len(h.state.idx.branches),
		Checkpoints: len(h.state.checkpoints.ordered),
		Uncommitted: h.state.sinceCheckpoint,
		DedupRatio:  h.state.idx.dedupRatio(),
	}
	if n := len(h.state.checkpoints.ordered); n > 0 {
		latest := h.state.checkpoints.ordered[n-1]
		stats.LatestCheckpoint = &latest
	}
	return stats
}

// Path returns the capsule file path.
func (h *Handle) Path() string { return h.path }

// Workspace returns the workspace this handle writes under.
func (h *Handle) Workspace() string { return h.config.Workspace }

// Close drains the writer, syncs the file, and releases the writer
// lock. Records appended since the last checkpoint stay in the file —
// the next writer sees them, readers do not until a checkpoint covers
// them. Idempotent.
func (h *Handle) Close() error {
	if h.mode == ModeWrite {
		h.closeMu.Lock()
		alreadyClosed := h.closed
		if !alreadyClosed {
			h.closed = true
			close(h.queue)
		}
		h.closeMu.Unlock()
		if alreadyClosed {
			return nil
		}
		<-h.writerDone

		var firstErr error
		if err := h.file.Sync(); err != nil {
			firstErr = fmt.Errorf("syncing capsule on close: %w", err)
		}
		if err := h.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := h.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing capsule: %w", err)
		}
		return firstErr
	}
	return h.file.Close()
}

// latestPointer is the JSON body of the <capsule>.latest sidecar: the
// newest durable checkpoint, published atomically at every commit so
// lockless readers know where the committed history ends.
type latestPointer struct {
	CheckpointID CheckpointId `json:"checkpoint_id"`
	At           time.Time    `json:"at"`
}

// writeLatest atomically replaces the latest-checkpoint sidecar.
func writeLatest(capsulePath string, id CheckpointId, at time.Time) error {
	path := latestPathFor(capsulePath)
	data, err := json.Marshal(latestPointer{CheckpointID: id, At: at})
	if err != nil {
		return fmt.Errorf("marshaling latest pointer: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing %s: %w", path, err)
	}
	return syncDir(path)
}

// readLatest reads the latest-checkpoint sidecar, reporting (zero,
// false, nil) when none exists.
func readLatest(capsulePath string) (latestPointer, bool, error) {
	data, err := os.ReadFile(latestPathFor(capsulePath))
	if errors.Is(err, fs.ErrNotExist) {
		return latestPointer{}, false, nil
	}
	if err != nil {
		return latestPointer{}, false, err
	}
	var latest latestPointer
	if err := json.Unmarshal(data, &latest); err != nil {
		return latestPointer{}, false, fmt.Errorf("parsing %s: %w", latestPathFor(capsulePath), err)
	}
	return latest, true, nil
}

// syncDir fsyncs the directory containing path so renames and creates
// in it are durable.
func syncDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
