// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/memvid-foundation/memvid/lib/clock"
)

func hasWarning(d Diagnosis, fragment string) bool {
	for _, warning := range d.Warnings {
		if strings.Contains(warning, fragment) {
			return true
		}
	}
	return false
}

func TestDoctorMissingCapsule(t *testing.T) {
	diagnosis := Doctor(filepath.Join(t.TempDir(), "absent.mv2"), clock.Real())
	if diagnosis.Status != DoctorMissing {
		t.Errorf("status = %s, want %s", diagnosis.Status, DoctorMissing)
	}
	if diagnosis.Healthy() {
		t.Error("missing capsule reported healthy")
	}
	if diagnosis.FixIt == "" {
		t.Error("no fix-it for a missing capsule")
	}
}

func TestDoctorForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("just some text, not a capsule"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	diagnosis := Doctor(path, clock.Real())
	if diagnosis.Status != DoctorNotACapsule {
		t.Errorf("status = %s, want %s", diagnosis.Status, DoctorNotACapsule)
	}
}

func TestDoctorHealthyCapsule(t *testing.T) {
	handle, path, _ := newTestCapsule(t)
	mustPut(t, handle, PutOptions{Name: "spec"}, "content")
	mustCommit(t, handle, "v1")
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	diagnosis := Doctor(path, clock.Real())
	if !diagnosis.Healthy() {
		t.Fatalf("diagnosis = %+v", diagnosis)
	}
	if diagnosis.Lock != nil {
		t.Errorf("lock reported after release: %+v", diagnosis.Lock)
	}
	if diagnosis.Stats == nil {
		t.Fatal("no stats on a scannable capsule")
	}
	if diagnosis.Stats.Artifacts != 1 || diagnosis.Stats.Checkpoints != 1 {
		t.Errorf("stats = %+v", diagnosis.Stats)
	}
	if diagnosis.Stats.LatestCheckpoint == nil {
		t.Error("latest checkpoint missing from stats")
	}
	if diagnosis.Stats.Uncommitted != 0 {
		t.Errorf("uncommitted = %d after commit", diagnosis.Stats.Uncommitted)
	}
}

func TestDoctorLocatesCorruption(t *testing.T) {
	handle, path, _ := newTestCapsule(t)
	mustPut(t, handle, PutOptions{Name: "spec"}, "content that will be damaged")
	mustCommit(t, handle, "v1")
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a byte inside the first record's metadata. The checksum no
	// longer matches.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read capsule: %v", err)
	}
	raw[HeaderSize+12] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write damaged capsule: %v", err)
	}

	diagnosis := Doctor(path, clock.Real())
	if diagnosis.Status != DoctorCorrupted {
		t.Fatalf("status = %s, want %s", diagnosis.Status, DoctorCorrupted)
	}
	if diagnosis.Offset != HeaderSize {
		t.Errorf("offset = %d, want %d", diagnosis.Offset, HeaderSize)
	}
	if diagnosis.FixIt == "" {
		t.Error("no fix-it for a corrupted capsule")
	}
}

func TestDoctorReportsLiveWriterLock(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	mustPut(t, handle, PutOptions{Name: "draft"}, "not committed")

	diagnosis := Doctor(path, clk)
	if diagnosis.Status != DoctorLockedByWriter {
		t.Fatalf("status = %s, want %s", diagnosis.Status, DoctorLockedByWriter)
	}
	// A live writer is transient, not a defect.
	if !diagnosis.Healthy() {
		t.Error("live writer lock reported unhealthy")
	}
	if diagnosis.Lock == nil {
		t.Fatal("held writer lock not reported")
	}
	if diagnosis.Lock.PID != os.Getpid() {
		t.Errorf("lock pid = %d", diagnosis.Lock.PID)
	}
	if !strings.Contains(diagnosis.Detail, "writer lock held by") {
		t.Errorf("detail = %q", diagnosis.Detail)
	}
	if !hasWarning(diagnosis, "since the last checkpoint") {
		t.Errorf("no uncommitted warning in %v", diagnosis.Warnings)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Released lock: back to plain ok.
	diagnosis = Doctor(path, clk)
	if diagnosis.Status != DoctorOk {
		t.Errorf("status after release = %s, want %s", diagnosis.Status, DoctorOk)
	}
}

func TestDoctorDetectsIndexDrift(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	mustPut(t, handle, PutOptions{Name: "spec"}, "content")
	mustCommit(t, handle, "v1")
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Append an empty index snapshot and a checkpoint pointing at it, so
	// replay ends on an index that has lost the earlier URIs.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	now := clk.Now()
	snapshotPayload, err := newUriIndex().marshalSnapshot()
	if err != nil {
		t.Fatalf("marshalSnapshot: %v", err)
	}
	snapshotRecord, err := EncodeRecord(ObjectUriIndexSnapshot,
		RecordMeta{Branch: MainBranch, CreatedAt: now}, snapshotPayload)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	meta := CheckpointMeta{
		ID:        newCheckpointId(now),
		Branch:    MainBranch,
		CreatedAt: now,
		SnapshotPtr: PhysicalPointer{
			Offset: info.Size(),
			Length: uint32(len(snapshotRecord)),
			Kind:   ObjectUriIndexSnapshot,
		},
	}
	checkpointPayload, err := marshalCheckpoint(meta)
	if err != nil {
		t.Fatalf("marshalCheckpoint: %v", err)
	}
	uri, err := BuildURI("ws", nil, ObjectCheckpoint, string(meta.ID))
	if err != nil {
		t.Fatalf("BuildURI: %v", err)
	}
	checkpointRecord, err := EncodeRecord(ObjectCheckpoint, RecordMeta{
		URI:           uri,
		Branch:        MainBranch,
		CreatedAt:     now,
		ContentSHA256: contentSHA256(checkpointPayload),
	}, checkpointPayload)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := file.Write(append(snapshotRecord, checkpointRecord...)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	diagnosis := Doctor(path, clk)
	if diagnosis.Status != DoctorIndexDrift {
		t.Fatalf("status = %s, want %s (%+v)", diagnosis.Status, DoctorIndexDrift, diagnosis)
	}
	if diagnosis.Healthy() {
		t.Error("drifted capsule reported healthy")
	}
	// The artifact and the first checkpoint's URI are both gone.
	if diagnosis.MissingURIs != 2 {
		t.Errorf("missing URIs = %d, want 2", diagnosis.MissingURIs)
	}
	if diagnosis.FixIt == "" {
		t.Error("no fix-it for index drift")
	}
}

func TestDoctorWarnsOnTornTail(t *testing.T) {
	handle, path, _ := newTestCapsule(t)
	mustPut(t, handle, PutOptions{Name: "spec"}, "content")
	mustCommit(t, handle, "v1")
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Append a record frame that claims more bytes than follow, the way
	// a crashed writer leaves the file.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 256)
	if _, err := file.Write(append(prefix[:], 0x00, 0x00, 0x00)); err != nil {
		t.Fatalf("append torn record: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	diagnosis := Doctor(path, clock.Real())
	if !diagnosis.Healthy() {
		t.Fatalf("torn tail should be a warning, got %+v", diagnosis)
	}
	if !hasWarning(diagnosis, "torn final record") {
		t.Errorf("no torn-tail warning in %v", diagnosis.Warnings)
	}
}
