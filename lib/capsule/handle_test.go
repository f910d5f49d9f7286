// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/memvid-foundation/memvid/lib/clock"
)

func newTestCapsule(t *testing.T) (*Handle, string, *clock.Fake) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.mv2")
	clk := clock.NewFake()
	handle, err := Create(path, Config{Workspace: "ws", Clock: clk, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle, path, clk
}

func mustPut(t *testing.T, h *Handle, opts PutOptions, payload string) LogicalUri {
	t.Helper()
	uri, err := h.Put(context.Background(), opts, []byte(payload))
	if err != nil {
		t.Fatalf("Put(%s): %v", opts.Name, err)
	}
	return uri
}

func mustCommit(t *testing.T, h *Handle, label string) CheckpointMeta {
	t.Helper()
	meta, err := h.Commit(context.Background(), CommitOptions{Label: label})
	if err != nil {
		t.Fatalf("Commit(%s): %v", label, err)
	}
	return meta
}

func TestPutGetRoundTrip(t *testing.T) {
	handle, _, _ := newTestCapsule(t)
	ctx := context.Background()

	uri := mustPut(t, handle, PutOptions{
		Scope:       []string{"intake"},
		Name:        "spec-v1",
		ContentType: "text/markdown",
		Tags:        []string{"spec"},
		Creator:     "intake-worker",
	}, "the specification text")

	if uri != "mv2://ws/intake/artifact/spec-v1" {
		t.Errorf("uri = %q", uri)
	}

	// Writers read their own uncommitted writes.
	payload, meta, err := handle.Get(ctx, uri, GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(payload) != "the specification text" {
		t.Errorf("payload = %q", payload)
	}
	if meta.ContentType != "text/markdown" || meta.Creator != "intake-worker" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.ContentSHA256 != contentSHA256(payload) {
		t.Error("stored hash does not cover the payload")
	}

	if _, _, err := handle.Get(ctx, "mv2://ws/intake/artifact/absent", GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing uri: err = %v, want ErrNotFound", err)
	}
}

func TestPutDuplicateNameAndIdempotency(t *testing.T) {
	handle, _, _ := newTestCapsule(t)

	opts := PutOptions{Name: "spec", IdempotencyKey: "intake-7"}
	first := mustPut(t, handle, opts, "same bytes")

	// Content-identical retry with the same key returns the same URI.
	retried, err := handle.Put(context.Background(), opts, []byte("same bytes"))
	if err != nil {
		t.Fatalf("idempotent retry: %v", err)
	}
	if retried != first {
		t.Errorf("retry uri = %q, want %q", retried, first)
	}

	// Same key, different content: the name is taken.
	if _, err := handle.Put(context.Background(), opts, []byte("different bytes")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("changed content: err = %v, want ErrDuplicateName", err)
	}

	// No key at all: even identical content is a duplicate.
	if _, err := handle.Put(context.Background(), PutOptions{Name: "spec"}, []byte("same bytes")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("no key: err = %v, want ErrDuplicateName", err)
	}
}

func TestPutEventValidation(t *testing.T) {
	handle, _, _ := newTestCapsule(t)
	ctx := context.Background()

	if _, err := handle.PutEvent(ctx, EventOptions{Type: "Imaginary"}, nil); err == nil {
		t.Error("unknown event type accepted")
	}
	if _, err := handle.PutEvent(ctx, EventOptions{Type: EventToolCall}, []byte("not json")); err == nil {
		t.Error("non-envelope payload accepted")
	}

	wrongMajor, err := NewEnvelope(string(EventToolCall), 2, 0, ToolCallPayload{Name: "grep"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := handle.PutEvent(ctx, EventOptions{Type: EventToolCall}, wrongMajor); !errors.Is(err, ErrUnsupportedSchema) {
		t.Errorf("wrong major: err = %v, want ErrUnsupportedSchema", err)
	}

	good, err := NewEnvelope(string(EventToolCall), 1, 0, ToolCallPayload{Name: "grep"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	uri, err := handle.PutEvent(ctx, EventOptions{Type: EventToolCall}, good)
	if err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	if uri != "mv2://ws/event/00000001-ToolCall" {
		t.Errorf("event uri = %q, sequence naming broken", uri)
	}

	second, err := handle.PutEvent(ctx, EventOptions{Type: EventToolCall}, good)
	if err != nil {
		t.Fatalf("second PutEvent: %v", err)
	}
	if second != "mv2://ws/event/00000002-ToolCall" {
		t.Errorf("second event uri = %q", second)
	}
}

func TestCommitLifecycle(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	ctx := context.Background()

	if _, err := handle.Commit(ctx, CommitOptions{}); !errors.Is(err, ErrNothingToCommit) {
		t.Errorf("empty commit: err = %v, want ErrNothingToCommit", err)
	}

	uri := mustPut(t, handle, PutOptions{Name: "spec"}, "v1")
	meta := mustCommit(t, handle, "post-intake")
	if meta.Branch != MainBranch || meta.Label != "post-intake" {
		t.Errorf("checkpoint meta = %+v", meta)
	}
	if meta.Parent != "" {
		t.Errorf("first checkpoint has parent %q", meta.Parent)
	}

	if _, err := handle.Commit(ctx, CommitOptions{}); !errors.Is(err, ErrNothingToCommit) {
		t.Errorf("commit right after commit: err = %v, want ErrNothingToCommit", err)
	}

	clk.Advance(time.Second)
	mustPut(t, handle, PutOptions{Name: "plan"}, "v1")
	if _, err := handle.Commit(ctx, CommitOptions{Label: "post-intake"}); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("label reuse: err = %v, want ErrDuplicateLabel", err)
	}
	second := mustCommit(t, handle, "post-design")
	if second.Parent != meta.ID {
		t.Errorf("second checkpoint parent = %q, want %q", second.Parent, meta.ID)
	}

	resolved, err := handle.ResolveCheckpoint("", "post-intake")
	if err != nil || resolved.ID != meta.ID {
		t.Errorf("ResolveCheckpoint by label = %+v, %v", resolved, err)
	}
	resolved, err = handle.ResolveCheckpoint("", string(second.ID))
	if err != nil || resolved.ID != second.ID {
		t.Errorf("ResolveCheckpoint by id = %+v, %v", resolved, err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, ModeWrite, Config{Workspace: "ws", Clock: clk, Logger: testLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	payload, _, err := reopened.Get(ctx, uri, GetOptions{})
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(payload) != "v1" {
		t.Errorf("payload after reopen = %q", payload)
	}
	if got := len(reopened.Checkpoints(MainBranch)); got != 2 {
		t.Errorf("checkpoints after reopen = %d, want 2", got)
	}
}

func TestCommitWithStageRecordsTransition(t *testing.T) {
	handle, _, _ := newTestCapsule(t)
	ctx := context.Background()

	mustPut(t, handle, PutOptions{Name: "spec"}, "v1")
	meta, err := handle.Commit(ctx, CommitOptions{Label: "post-intake", Stage: "intake"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var transitions []RecordMeta
	err = handle.Iterate(ctx, IterateOptions{Kinds: []ObjectType{ObjectEvent}}, func(record IteratedRecord) error {
		if record.Meta.EventType == EventStageTransition {
			transitions = append(transitions, record.Meta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("stage transitions = %d, want 1", len(transitions))
	}

	payload, _, err := handle.Get(ctx, transitions[0].URI, GetOptions{})
	if err != nil {
		t.Fatalf("Get transition: %v", err)
	}
	if !bytes.Contains(payload, []byte(meta.ID)) {
		t.Errorf("transition payload %q does not name checkpoint %s", payload, meta.ID)
	}
}

func TestReaderPinnedToLatestCheckpoint(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	ctx := context.Background()

	committed := mustPut(t, handle, PutOptions{Name: "committed"}, "durable")
	mustCommit(t, handle, "")
	uncommitted := mustPut(t, handle, PutOptions{Name: "uncommitted"}, "pending")

	reader, err := Open(path, ModeRead, Config{Workspace: "ws", Clock: clk, Logger: testLogger()})
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	if _, _, err := reader.Get(ctx, committed, GetOptions{}); err != nil {
		t.Errorf("committed artifact invisible to reader: %v", err)
	}
	if _, _, err := reader.Get(ctx, uncommitted, GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("uncommitted artifact: err = %v, want ErrNotFound", err)
	}

	// The writer itself still sees the pending record.
	if _, _, err := handle.Get(ctx, uncommitted, GetOptions{}); err != nil {
		t.Errorf("writer lost its own uncommitted write: %v", err)
	}
}

func TestWritesRejectedOnReadAndClosedHandles(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	ctx := context.Background()
	mustPut(t, handle, PutOptions{Name: "spec"}, "v1")
	mustCommit(t, handle, "")

	reader, err := Open(path, ModeRead, Config{Workspace: "ws", Clock: clk, Logger: testLogger()})
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()
	if _, err := reader.Put(ctx, PutOptions{Name: "nope"}, []byte("x")); !errors.Is(err, ErrClosedForWrite) {
		t.Errorf("put on reader: err = %v, want ErrClosedForWrite", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := handle.Put(ctx, PutOptions{Name: "late"}, []byte("x")); !errors.Is(err, ErrClosedForWrite) {
		t.Errorf("put after close: err = %v, want ErrClosedForWrite", err)
	}
}

func TestTornTailRecoveredOnReopen(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	uri := mustPut(t, handle, PutOptions{Name: "spec"}, "v1")
	mustCommit(t, handle, "")
	stats := handle.Stats()
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-append: a dangling partial record.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open for damage: %v", err)
	}
	if _, err := file.Write([]byte{0x00, 0x00, 0x01, 0x00, 0x02, 0xde, 0xad}); err != nil {
		t.Fatalf("write partial record: %v", err)
	}
	file.Close()

	reopened, err := Open(path, ModeWrite, Config{Workspace: "ws", Clock: clk, Logger: testLogger()})
	if err != nil {
		t.Fatalf("reopen over torn tail: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Stats().SizeBytes; got != stats.SizeBytes {
		t.Errorf("size after recovery = %d, want %d (tail truncated)", got, stats.SizeBytes)
	}
	if _, _, err := reopened.Get(context.Background(), uri, GetOptions{}); err != nil {
		t.Errorf("committed record lost during recovery: %v", err)
	}
	mustPut(t, reopened, PutOptions{Name: "after-recovery"}, "ok")
}

func TestIterateFilters(t *testing.T) {
	handle, _, _ := newTestCapsule(t)
	ctx := context.Background()

	mustPut(t, handle, PutOptions{Scope: []string{"intake"}, Name: "spec", Tags: []string{"keep"}}, "a")
	mustPut(t, handle, PutOptions{Scope: []string{"design"}, Name: "plan"}, "b")
	event, err := NewEnvelope(string(EventToolCall), 1, 0, ToolCallPayload{Name: "grep"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := handle.PutEvent(ctx, EventOptions{Type: EventToolCall}, event); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}

	collect := func(opts IterateOptions) []LogicalUri {
		var uris []LogicalUri
		err := handle.Iterate(ctx, opts, func(record IteratedRecord) error {
			uris = append(uris, record.URI)
			return nil
		})
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		return uris
	}

	if got := collect(IterateOptions{}); len(got) != 3 {
		t.Errorf("unfiltered = %v, want 3 records", got)
	}
	if got := collect(IterateOptions{ScopePrefix: []string{"intake"}}); len(got) != 1 || got[0] != "mv2://ws/intake/artifact/spec" {
		t.Errorf("scope filter = %v", got)
	}
	if got := collect(IterateOptions{Kinds: []ObjectType{ObjectEvent}}); len(got) != 1 {
		t.Errorf("kind filter = %v", got)
	}
	if got := collect(IterateOptions{Tag: "keep"}); len(got) != 1 || got[0] != "mv2://ws/intake/artifact/spec" {
		t.Errorf("tag filter = %v", got)
	}

	// Insertion order is preserved.
	all := collect(IterateOptions{})
	if all[0] != "mv2://ws/intake/artifact/spec" || all[1] != "mv2://ws/design/artifact/plan" {
		t.Errorf("iteration order = %v", all)
	}
}

func TestStatsCounters(t *testing.T) {
	handle, _, _ := newTestCapsule(t)
	ctx := context.Background()

	mustPut(t, handle, PutOptions{Name: "one"}, "payload")
	mustPut(t, handle, PutOptions{Name: "two"}, "payload") // duplicate content
	event, err := NewEnvelope(string(EventToolCall), 1, 0, ToolCallPayload{Name: "grep"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := handle.PutEvent(ctx, EventOptions{Type: EventToolCall}, event); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}

	stats := handle.Stats()
	if stats.Artifacts != 2 || stats.Events != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Uncommitted != 3 {
		t.Errorf("uncommitted = %d, want 3", stats.Uncommitted)
	}
	if stats.DedupRatio <= 1.0 {
		t.Errorf("dedup ratio = %v, want > 1 for duplicate payloads", stats.DedupRatio)
	}
	if stats.LatestCheckpoint != nil {
		t.Error("latest checkpoint set before any commit")
	}

	mustCommit(t, handle, "")
	stats = handle.Stats()
	if stats.Uncommitted != 0 {
		t.Errorf("uncommitted after commit = %d", stats.Uncommitted)
	}
	if stats.LatestCheckpoint == nil {
		t.Error("latest checkpoint missing after commit")
	}
}
