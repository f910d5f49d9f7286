// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/memvid-foundation/memvid/lib/codec"
	"github.com/memvid-foundation/memvid/lib/sealed"
)

// Compression and encryption markers in a bundle manifest.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	EncryptionNone  = "none"
	EncryptionAge   = "age"
)

// Manifest is the plaintext preamble of an export bundle. It is the
// only part of a sealed bundle readable without credentials, and it
// carries the digest the importer verifies before applying anything.
type Manifest struct {
	FormatVersion uint8     `cbor:"1,keyasint" json:"format_version"`
	CreatedAt     time.Time `cbor:"2,keyasint" json:"created_at"`
	Workspace     string    `cbor:"3,keyasint" json:"workspace"`

	Records     int `cbor:"4,keyasint" json:"records"`
	Artifacts   int `cbor:"5,keyasint" json:"artifacts"`
	Events      int `cbor:"6,keyasint" json:"events"`
	Checkpoints int `cbor:"7,keyasint" json:"checkpoints"`

	// BodyDigest is the hex SHA-256 over the plaintext body stream,
	// computed after redaction and before compression or sealing.
	BodyDigest string `cbor:"8,keyasint" json:"body_digest"`

	Compression string `cbor:"9,keyasint" json:"compression"`
	Encryption  string `cbor:"10,keyasint" json:"encryption"`

	// Safe marks a bundle whose private-scratch event payloads were
	// redacted before export.
	Safe bool `cbor:"11,keyasint" json:"safe"`

	// Redacted counts the payloads replaced during a safe export.
	Redacted int `cbor:"12,keyasint" json:"redacted"`
}

// ExportOptions configures a bundle export.
type ExportOptions struct {
	// Safe redacts private_scratch event payloads before the digest is
	// computed, so the bundle verifies normally on import.
	Safe bool

	// Compress wraps the body in a zstd stream.
	Compress bool

	// Passphrase and RecipientKeys seal the body with age. Either or
	// both may be set; both empty leaves the body unsealed.
	Passphrase    string
	RecipientKeys []string
}

// redactedPayload replaces a private-scratch event payload in safe
// exports. The original is identified but not recoverable.
type redactedPayload struct {
	Redacted       bool   `json:"redacted"`
	OriginalSHA256 string `json:"original_sha256"`
	OriginalBytes  int    `json:"original_bytes"`
}

// ExportFile exports to a new file at bundlePath. Fails with ErrExists
// if the path is occupied.
func (h *Handle) ExportFile(ctx context.Context, bundlePath string, opts ExportOptions) (Manifest, error) {
	file, err := os.OpenFile(bundlePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrExists, bundlePath)
		}
		return Manifest{}, fmt.Errorf("creating bundle %s: %w", bundlePath, err)
	}
	manifest, exportErr := h.Export(ctx, file, opts)
	if closeErr := file.Close(); closeErr != nil && exportErr == nil {
		exportErr = fmt.Errorf("closing bundle: %w", closeErr)
	}
	if exportErr != nil {
		os.Remove(bundlePath)
		return Manifest{}, exportErr
	}
	return manifest, nil
}

// Export writes a portable bundle of the capsule's committed history
// to dst. The bundle carries artifact, event, and checkpoint records;
// index snapshots are rebuilt by the importer. Uncommitted records are
// not exported.
func (h *Handle) Export(ctx context.Context, dst io.Writer, opts ExportOptions) (Manifest, error) {
	h.mu.Lock()
	cutoff := h.state.committedSize
	h.mu.Unlock()

	// First pass: count, redact, and digest the plaintext body.
	digest := sha256.New()
	var manifest Manifest
	manifest.FormatVersion = FormatVersion
	manifest.CreatedAt = h.clk.Now()
	manifest.Workspace = h.config.Workspace
	manifest.Safe = opts.Safe

	walk := func(emit func([]byte) error) error {
		scanner, err := NewScanner(io.NewSectionReader(h.file, 0, cutoff))
		if err != nil {
			return err
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			scanned, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			record := scanned.Record
			if record.Kind == ObjectUriIndexSnapshot || record.Kind == ObjectManifest {
				continue
			}
			meta, payload := record.Meta, record.Payload
			if record.Kind == ObjectCheckpoint {
				// Snapshot pointers are physical offsets in this file; the
				// importer rebuilds its own. Strip them so the body digest
				// is stable across export/import cycles.
				cpMeta, err := unmarshalCheckpoint(payload)
				if err != nil {
					return err
				}
				cpMeta.SnapshotPtr = PhysicalPointer{}
				payload, err = marshalCheckpoint(cpMeta)
				if err != nil {
					return err
				}
				meta.ContentSHA256 = contentSHA256(payload)
			}
			if opts.Safe && record.Kind == ObjectEvent && meta.HasTag(TagPrivateScratch) {
				payload, err = NewEnvelope("Redacted", 1, 0, redactedPayload{
					Redacted:       true,
					OriginalSHA256: meta.ContentSHA256,
					OriginalBytes:  len(record.Payload),
				})
				if err != nil {
					return fmt.Errorf("building redaction payload: %w", err)
				}
				meta.ContentSHA256 = contentSHA256(payload)
			}
			encoded, err := EncodeRecord(record.Kind, meta, payload)
			if err != nil {
				return err
			}
			if err := emit(encoded); err != nil {
				return err
			}
		}
	}

	err := walk(func(encoded []byte) error {
		digest.Write(encoded)
		manifest.Records++
		switch ObjectType(encoded[4]) {
		case ObjectArtifact:
			manifest.Artifacts++
		case ObjectEvent:
			manifest.Events++
		case ObjectCheckpoint:
			manifest.Checkpoints++
		}
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("scanning capsule for export: %w", err)
	}
	if opts.Safe {
		manifest.Redacted = countRedactions(h, cutoff)
	}
	manifest.BodyDigest = hex.EncodeToString(digest.Sum(nil))
	manifest.Compression = CompressionNone
	if opts.Compress {
		manifest.Compression = CompressionZstd
	}
	manifest.Encryption = EncryptionNone
	if opts.Passphrase != "" || len(opts.RecipientKeys) > 0 {
		manifest.Encryption = EncryptionAge
	}

	// Preamble: header and plaintext manifest record.
	if err := WriteHeader(dst); err != nil {
		return Manifest{}, err
	}
	manifestPayload, err := marshalManifest(manifest)
	if err != nil {
		return Manifest{}, err
	}
	manifestRecord, err := EncodeRecord(ObjectManifest,
		RecordMeta{CreatedAt: manifest.CreatedAt, ContentSHA256: contentSHA256(manifestPayload)},
		manifestPayload)
	if err != nil {
		return Manifest{}, err
	}
	if _, err := dst.Write(manifestRecord); err != nil {
		return Manifest{}, fmt.Errorf("writing bundle manifest: %w", err)
	}

	// Body: optionally sealed, optionally compressed, innermost the
	// plaintext record stream the digest covers.
	body := io.WriteCloser(nopWriteCloser{dst})
	var closers []io.Closer
	if manifest.Encryption == EncryptionAge {
		ageRecipients, err := sealed.Recipients(opts.RecipientKeys, opts.Passphrase)
		if err != nil {
			return Manifest{}, err
		}
		sealWriter, err := sealed.Seal(body, ageRecipients)
		if err != nil {
			return Manifest{}, err
		}
		closers = append(closers, sealWriter)
		body = sealWriter
	}
	if manifest.Compression == CompressionZstd {
		compressor, err := zstd.NewWriter(body)
		if err != nil {
			return Manifest{}, fmt.Errorf("creating zstd writer: %w", err)
		}
		closers = append(closers, compressor)
		body = compressor
	}

	// Second pass: stream the body.
	if err := walk(func(encoded []byte) error {
		_, err := body.Write(encoded)
		return err
	}); err != nil {
		return Manifest{}, fmt.Errorf("writing bundle body: %w", err)
	}
	// Close innermost-first so each layer flushes into the next.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return Manifest{}, fmt.Errorf("finalizing bundle body: %w", err)
		}
	}

	h.recordExport(ctx, manifest)
	return manifest, nil
}

// countRedactions counts the private-scratch event payloads a safe
// export replaces.
func countRedactions(h *Handle, cutoff int64) int {
	scanner, err := NewScanner(io.NewSectionReader(h.file, 0, cutoff))
	if err != nil {
		return 0
	}
	count := 0
	for {
		scanned, err := scanner.Next()
		if err != nil {
			return count
		}
		if scanned.Record.Kind == ObjectEvent && scanned.Record.Meta.HasTag(TagPrivateScratch) {
			count++
		}
	}
}

// recordExport appends a CapsuleExported provenance event on write
// handles. Best-effort: export success does not depend on it.
func (h *Handle) recordExport(ctx context.Context, manifest Manifest) {
	if h.mode != ModeWrite {
		return
	}
	payload, err := NewEnvelope(string(EventCapsuleExported), 1, 0,
		CapsuleExportedPayload{TargetDigest: manifest.BodyDigest})
	if err != nil {
		h.logger.Warn("building export provenance event failed", "error", err)
		return
	}
	if _, err := h.PutEvent(ctx, EventOptions{Type: EventCapsuleExported}, payload); err != nil {
		h.logger.Warn("recording export provenance event failed", "error", err)
	}
}

// ImportOptions configures a bundle import.
type ImportOptions struct {
	// Passphrase and PrivateKeys unseal an age-sealed bundle.
	Passphrase  string
	PrivateKeys []string

	// Config is used for the new capsule handle.
	Config Config
}

// Import creates a new capsule at capsulePath from the bundle at
// bundlePath. The bundle digest is verified before any record is
// applied; checkpoints are reconstructed with their original ids and
// labels. Returns the open write handle for the new capsule.
func Import(ctx context.Context, bundlePath, capsulePath string, opts ImportOptions) (*Handle, Manifest, error) {
	manifest, err := ReadManifest(bundlePath)
	if err != nil {
		return nil, Manifest{}, err
	}

	// Verification pass: the digest must match before anything is
	// applied to the destination.
	digest := sha256.New()
	err = walkBundleBody(bundlePath, manifest, opts, func(record *Record) error {
		return ctx.Err()
	}, digest)
	if err != nil {
		return nil, Manifest{}, err
	}
	if got := hex.EncodeToString(digest.Sum(nil)); got != manifest.BodyDigest {
		return nil, Manifest{}, fmt.Errorf("%w: bundle digest %s, manifest declares %s",
			ErrHashMismatch, got, manifest.BodyDigest)
	}

	config := opts.Config
	if config.Workspace == "" {
		config.Workspace = manifest.Workspace
	}
	h, err := Create(capsulePath, config)
	if err != nil {
		return nil, Manifest{}, err
	}

	// Apply pass.
	err = walkBundleBody(bundlePath, manifest, opts, func(record *Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return h.applyImported(ctx, record)
	}, nil)
	if err != nil {
		h.Close()
		os.Remove(capsulePath)
		os.Remove(lockPathFor(capsulePath))
		os.Remove(latestPathFor(capsulePath))
		return nil, Manifest{}, fmt.Errorf("applying bundle: %w", err)
	}

	payload, err := NewEnvelope(string(EventCapsuleImported), 1, 0, CapsuleImportedPayload{
		SourceDigest: manifest.BodyDigest,
		Records:      manifest.Records,
	})
	if err == nil {
		if _, err := h.PutEvent(ctx, EventOptions{Type: EventCapsuleImported}, payload); err != nil {
			h.logger.Warn("recording import provenance event failed", "error", err)
		}
	}
	return h, manifest, nil
}

// ReadManifest reads the plaintext manifest of a bundle without
// unsealing the body.
func ReadManifest(bundlePath string) (Manifest, error) {
	file, err := os.Open(bundlePath)
	if err != nil {
		return Manifest{}, fmt.Errorf("opening bundle %s: %w", bundlePath, err)
	}
	defer file.Close()

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return Manifest{}, ErrBadMagic
	}
	if err := CheckHeader(header); err != nil {
		return Manifest{}, err
	}
	record, _, err := readStreamRecord(file, HeaderSize)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading bundle manifest: %w", err)
	}
	if record.Kind != ObjectManifest {
		return Manifest{}, &CorruptionError{Offset: HeaderSize, Reason: "bundle does not start with a manifest record"}
	}
	return unmarshalManifest(record.Payload)
}

// walkBundleBody streams a bundle's body records through visit,
// unsealing and decompressing per the manifest. When digest is
// non-nil the plaintext bytes are also hashed into it.
func walkBundleBody(bundlePath string, manifest Manifest, opts ImportOptions,
	visit func(*Record) error, digest hash.Hash) error {

	file, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("opening bundle %s: %w", bundlePath, err)
	}
	defer file.Close()

	// Skip header and manifest record.
	if _, err := file.Seek(HeaderSize, io.SeekStart); err != nil {
		return err
	}
	if _, _, err := readStreamRecord(file, HeaderSize); err != nil {
		return fmt.Errorf("skipping bundle manifest: %w", err)
	}

	body := io.Reader(file)
	if manifest.Encryption == EncryptionAge {
		identities, err := sealed.Identities(opts.PrivateKeys, opts.Passphrase)
		if err != nil {
			return err
		}
		body, err = sealed.Unseal(body, identities)
		if err != nil {
			return err
		}
	}
	if manifest.Compression == CompressionZstd {
		decompressor, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("creating zstd reader: %w", err)
		}
		defer decompressor.Close()
		body = decompressor
	}
	if digest != nil {
		body = io.TeeReader(body, digest)
	}

	offset := int64(0)
	for {
		record, consumed, err := readStreamRecord(body, offset)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		offset += int64(consumed)
		if err := visit(record); err != nil {
			return err
		}
	}
}

// readStreamRecord reads one framed record from a stream. Returns
// io.EOF cleanly at a record boundary.
func readStreamRecord(r io.Reader, offset int64) (*Record, int, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, &TornTailError{Offset: offset}
	}
	recordLen := binary.BigEndian.Uint32(lengthPrefix[:])
	if recordLen > maxRecordLen || recordLen < recordFixedOverhead {
		return nil, 0, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("implausible record length %d", recordLen)}
	}
	buffer := make([]byte, 4+recordLen)
	copy(buffer, lengthPrefix[:])
	if _, err := io.ReadFull(r, buffer[4:]); err != nil {
		return nil, 0, &TornTailError{Offset: offset}
	}
	record, consumed, err := DecodeRecord(buffer, offset)
	if err != nil {
		return nil, 0, err
	}
	return record, consumed, nil
}

// applyImported replays one bundle record into this capsule,
// preserving its metadata. Checkpoints are rebuilt with fresh snapshot
// pointers but their original identity.
func (h *Handle) applyImported(ctx context.Context, record *Record) error {
	var opErr error
	err := h.enqueue(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		switch record.Kind {
		case ObjectArtifact, ObjectEvent:
			opErr = h.importDataLocked(record)
		case ObjectCheckpoint:
			meta, err := unmarshalCheckpoint(record.Payload)
			if err != nil {
				opErr = err
				return
			}
			opErr = h.importCheckpointLocked(meta)
		default:
			opErr = fmt.Errorf("unexpected %s record in bundle body", record.Kind)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// importDataLocked appends a bundle artifact or event record as-is.
// Writer goroutine only; caller holds mu.
func (h *Handle) importDataLocked(record *Record) error {
	branch := record.Meta.Branch
	if record.Kind == ObjectEvent && record.Meta.EventType == EventBranchFork {
		if err := h.registerImportedForkLocked(record); err != nil {
			return err
		}
	}
	if !h.state.idx.hasBranch(branch) {
		return fmt.Errorf("bundle record %s names unknown branch %q", record.Meta.URI, branch)
	}
	pointer, err := h.appendRecord(record.Kind, record.Meta, record.Payload)
	if err != nil {
		return err
	}
	h.state.idx.insert(branch, record.Meta.URI, IndexEntry{
		Pointer:      pointer,
		SHA256:       record.Meta.ContentSHA256,
		IntroducedAt: record.Meta.CreatedAt,
	}, record.Payload)
	if record.Kind == ObjectArtifact {
		h.state.artifacts++
	} else {
		h.state.events++
	}
	h.state.sinceCheckpoint++
	return nil
}

// registerImportedForkLocked recreates a branch fork from its
// BranchFork event.
func (h *Handle) registerImportedForkLocked(record *Record) error {
	var envelope Envelope
	if err := json.Unmarshal(record.Payload, &envelope); err != nil {
		return fmt.Errorf("parsing BranchFork envelope: %w", err)
	}
	var fork BranchForkPayload
	if err := json.Unmarshal(envelope.Data, &fork); err != nil {
		return fmt.Errorf("parsing BranchFork payload: %w", err)
	}
	if h.state.idx.hasBranch(fork.Branch) {
		return fmt.Errorf("%w: %s", ErrDuplicateBranch, fork.Branch)
	}
	baseIdx, err := h.indexAtLocked(fork.BaseCheckpoint)
	if err != nil {
		return fmt.Errorf("materializing fork base %s: %w", fork.BaseCheckpoint, err)
	}
	baseEntries := baseIdx.effectiveEntries(fork.Parent)
	h.state.idx.addBranch(fork.Branch, fork.Parent, fork.BaseCheckpoint)
	branchEntries := h.state.idx.branches[fork.Branch]
	for uri, entry := range baseEntries {
		branchEntries[uri] = entry
	}
	return nil
}

// importCheckpointLocked rebuilds a bundle checkpoint: fresh snapshot
// record, preserved checkpoint identity. Writer goroutine only; caller
// holds mu.
func (h *Handle) importCheckpointLocked(original CheckpointMeta) error {
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("syncing before imported checkpoint: %w", err)
	}
	snapshotPayload, err := h.state.idx.marshalSnapshot()
	if err != nil {
		return err
	}
	snapshotPtr, err := h.appendRecord(ObjectUriIndexSnapshot,
		RecordMeta{Branch: original.Branch, CreatedAt: original.CreatedAt}, snapshotPayload)
	if err != nil {
		return err
	}

	meta := original
	meta.SnapshotPtr = snapshotPtr

	payload, err := marshalCheckpoint(meta)
	if err != nil {
		return err
	}
	uri, err := BuildURI(h.config.Workspace, nil, ObjectCheckpoint, string(meta.ID))
	if err != nil {
		return err
	}
	pointer, err := h.appendRecord(ObjectCheckpoint, RecordMeta{
		URI:           uri,
		Branch:        meta.Branch,
		CreatedAt:     meta.CreatedAt,
		ContentSHA256: contentSHA256(payload),
	}, payload)
	if err != nil {
		return err
	}
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("syncing imported checkpoint: %w", err)
	}

	h.state.idx.insert(meta.Branch, uri, IndexEntry{
		Pointer:      pointer,
		SHA256:       contentSHA256(payload),
		IntroducedAt: meta.CreatedAt,
	}, nil)
	h.state.checkpoints.append(meta)
	h.state.sinceCheckpoint = 0
	h.state.committedSize = h.state.size

	if err := writeLatest(h.path, meta.ID, meta.CreatedAt); err != nil {
		h.logger.Warn("writing latest-checkpoint sidecar failed", "path", h.path, "error", err)
	}
	return nil
}

func marshalManifest(manifest Manifest) ([]byte, error) {
	data, err := codec.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshaling bundle manifest: %w", err)
	}
	return data, nil
}

func unmarshalManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := codec.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parsing bundle manifest: %w", err)
	}
	return manifest, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
