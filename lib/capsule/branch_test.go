// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBranchForkIsolatesWrites(t *testing.T) {
	handle, _, clk := newTestCapsule(t)
	ctx := context.Background()

	base := mustPut(t, handle, PutOptions{Name: "base"}, "shared history")
	cp := mustCommit(t, handle, "fork-point")

	if err := handle.Branch(ctx, "run/1", ""); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if err := handle.Branch(ctx, "run/1", ""); !errors.Is(err, ErrDuplicateBranch) {
		t.Errorf("duplicate fork: err = %v, want ErrDuplicateBranch", err)
	}
	if err := handle.Branch(ctx, "bad name", ""); err == nil {
		t.Error("invalid branch name accepted")
	}

	clk.Advance(time.Second)
	branched, err := handle.Put(ctx, PutOptions{Branch: "run/1", Name: "feature"}, []byte("run work"))
	if err != nil {
		t.Fatalf("Put on branch: %v", err)
	}

	// The branch sees its fork base and its own writes.
	if _, _, err := handle.Get(ctx, base, GetOptions{Branch: "run/1"}); err != nil {
		t.Errorf("fork base invisible on branch: %v", err)
	}
	if _, _, err := handle.Get(ctx, branched, GetOptions{Branch: "run/1"}); err != nil {
		t.Errorf("branch write invisible on branch: %v", err)
	}
	// Main does not see branch writes.
	if _, _, err := handle.Get(ctx, branched, GetOptions{Branch: MainBranch}); !errors.Is(err, ErrNotFound) {
		t.Errorf("branch write on main: err = %v, want ErrNotFound", err)
	}

	// Same name is free on the other branch.
	if _, err := handle.Put(ctx, PutOptions{Branch: MainBranch, Name: "feature"}, []byte("main's own")); err != nil {
		t.Errorf("name taken across branches: %v", err)
	}

	_ = cp
}

func TestBranchDoesNotSeePostForkParentWrites(t *testing.T) {
	handle, _, clk := newTestCapsule(t)
	ctx := context.Background()

	mustPut(t, handle, PutOptions{Name: "base"}, "shared history")
	mustCommit(t, handle, "fork-point")
	if err := handle.Branch(ctx, "run/1", ""); err != nil {
		t.Fatalf("Branch: %v", err)
	}

	// Main claims a name after the fork; the branch's view is frozen at
	// the fork base, so the same name is still free there.
	clk.Advance(time.Second)
	mainURI := mustPut(t, handle, PutOptions{Branch: MainBranch, Name: "claimed"}, "main version")
	if _, _, err := handle.Get(ctx, mainURI, GetOptions{Branch: "run/1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("post-fork main write on branch: err = %v, want ErrNotFound", err)
	}
	clk.Advance(time.Second)
	if _, err := handle.Put(ctx, PutOptions{Branch: "run/1", Name: "claimed"}, []byte("run version")); err != nil {
		t.Fatalf("Put of a name main claimed post-fork: %v", err)
	}

	payload, _, err := handle.Get(ctx, mainURI, GetOptions{Branch: "run/1"})
	if err != nil {
		t.Fatalf("Get on branch: %v", err)
	}
	if string(payload) != "run version" {
		t.Errorf("branch payload = %q, want the branch's own write", payload)
	}
}

func TestBranchForkSurvivesReopen(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	ctx := context.Background()

	base := mustPut(t, handle, PutOptions{Name: "base"}, "shared history")
	mustCommit(t, handle, "fork-point")
	if err := handle.Branch(ctx, "run/1", ""); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	branched, err := handle.Put(ctx, PutOptions{Branch: "run/1", Name: "feature"}, []byte("run work"))
	if err != nil {
		t.Fatalf("Put on branch: %v", err)
	}
	if err := handle.Checkout("run/1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	mustCommit(t, handle, "run-done")
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, ModeWrite, Config{
		Workspace: "ws", Branch: "run/1", Clock: clk, Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("reopen on branch: %v", err)
	}
	defer reopened.Close()

	if _, _, err := reopened.Get(ctx, base, GetOptions{}); err != nil {
		t.Errorf("fork base lost across reopen: %v", err)
	}
	if _, _, err := reopened.Get(ctx, branched, GetOptions{}); err != nil {
		t.Errorf("branch write lost across reopen: %v", err)
	}
	if got := reopened.CurrentBranch(); got != "run/1" {
		t.Errorf("current branch = %q", got)
	}
}

func TestAsOfReads(t *testing.T) {
	handle, _, clk := newTestCapsule(t)
	ctx := context.Background()

	first := mustPut(t, handle, PutOptions{Name: "first"}, "v1")
	cp1 := mustCommit(t, handle, "one")
	clk.Advance(time.Second)
	second := mustPut(t, handle, PutOptions{Name: "second"}, "v2")
	cp2 := mustCommit(t, handle, "two")

	// At cp1, only the first artifact exists.
	if _, _, err := handle.Get(ctx, first, GetOptions{AsOf: cp1.ID}); err != nil {
		t.Errorf("first at cp1: %v", err)
	}
	if _, _, err := handle.Get(ctx, second, GetOptions{AsOf: cp1.ID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second at cp1: err = %v, want ErrNotFound", err)
	}
	// At cp2 both exist.
	if _, _, err := handle.Get(ctx, second, GetOptions{AsOf: cp2.ID}); err != nil {
		t.Errorf("second at cp2: %v", err)
	}
	if _, _, err := handle.Get(ctx, first, GetOptions{AsOf: "01UNKNOWN"}); !errors.Is(err, ErrUnknownCheckpoint) {
		t.Errorf("unknown checkpoint: err = %v, want ErrUnknownCheckpoint", err)
	}
}

func TestMergeFastForward(t *testing.T) {
	handle, _, clk := newTestCapsule(t)
	ctx := context.Background()

	mustPut(t, handle, PutOptions{Name: "base"}, "shared")
	mustCommit(t, handle, "fork-point")
	if err := handle.Branch(ctx, "run/1", ""); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if err := handle.Checkout("run/1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	clk.Advance(time.Second)
	feature, err := handle.Put(ctx, PutOptions{Name: "feature"}, []byte("run work"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	mustCommit(t, handle, "run-done")

	if err := handle.Checkout(MainBranch); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}
	meta, err := handle.Merge(ctx, "run/1", MergeFastForward, "landed")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if meta.Branch != MainBranch || meta.Label != "landed" {
		t.Errorf("merge checkpoint = %+v", meta)
	}
	if _, _, err := handle.Get(ctx, feature, GetOptions{Branch: MainBranch}); err != nil {
		t.Errorf("merged artifact invisible on main: %v", err)
	}
}

func TestMergeFastForwardRejectsDivergence(t *testing.T) {
	handle, _, clk := newTestCapsule(t)
	ctx := context.Background()

	mustPut(t, handle, PutOptions{Name: "base"}, "shared")
	mustCommit(t, handle, "fork-point")
	if err := handle.Branch(ctx, "run/1", ""); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if err := handle.Checkout("run/1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := handle.Put(ctx, PutOptions{Name: "feature"}, []byte("run work")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mustCommit(t, handle, "run-done")

	// Diverge main after the fork.
	if err := handle.Checkout(MainBranch); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}
	clk.Advance(time.Second)
	mustPut(t, handle, PutOptions{Name: "mainline"}, "diverged")
	mustCommit(t, handle, "diverged")

	if _, err := handle.Merge(ctx, "run/1", MergeFastForward, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("diverged fast-forward: err = %v, want ErrConflict", err)
	}

	// Uncommitted records also block a fast-forward.
	// (Union merge still works on the diverged history.)
	if _, err := handle.Merge(ctx, "run/1", MergeUnionNewerWins, ""); err != nil {
		t.Errorf("union merge on diverged history: %v", err)
	}
}

func TestMergeUnionNewerWins(t *testing.T) {
	handle, _, clk := newTestCapsule(t)
	ctx := context.Background()

	mustPut(t, handle, PutOptions{Name: "base"}, "shared")
	mustCommit(t, handle, "fork-point")
	if err := handle.Branch(ctx, "run/1", ""); err != nil {
		t.Fatalf("Branch: %v", err)
	}

	// Both branches claim the same name with different content; the
	// branch writes later.
	clk.Advance(time.Second)
	mustPut(t, handle, PutOptions{Branch: MainBranch, Name: "contested"}, "main version")
	clk.Advance(time.Second)
	if _, err := handle.Put(ctx, PutOptions{Branch: "run/1", Name: "contested"}, []byte("run version")); err != nil {
		t.Fatalf("Put on branch: %v", err)
	}
	if err := handle.Checkout("run/1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	mustCommit(t, handle, "run-done")
	if err := handle.Checkout(MainBranch); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}
	mustCommit(t, handle, "main-done")

	if _, err := handle.Merge(ctx, "run/1", MergeStrict, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("strict merge of divergent content: err = %v, want ErrConflict", err)
	}

	if _, err := handle.Merge(ctx, "run/1", MergeUnionNewerWins, "union"); err != nil {
		t.Fatalf("union merge: %v", err)
	}
	payload, _, err := handle.Get(ctx, "mv2://ws/artifact/contested", GetOptions{Branch: MainBranch})
	if err != nil {
		t.Fatalf("Get after union: %v", err)
	}
	if string(payload) != "run version" {
		t.Errorf("contested payload = %q, newer content did not win", payload)
	}
}

func TestDiffBetweenCheckpoints(t *testing.T) {
	handle, _, clk := newTestCapsule(t)

	mustPut(t, handle, PutOptions{Name: "stable"}, "unchanged")
	cp1 := mustCommit(t, handle, "one")
	clk.Advance(time.Second)
	added := mustPut(t, handle, PutOptions{Name: "added"}, "new")
	cp2 := mustCommit(t, handle, "two")

	result, err := handle.Diff(MainBranch, cp1.ID, cp2.ID)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	// cp2 adds the new artifact plus cp1's own checkpoint record URI.
	foundAdded := false
	for _, uri := range result.Added {
		if uri == added {
			foundAdded = true
		}
	}
	if !foundAdded {
		t.Errorf("added = %v, missing %s", result.Added, added)
	}
	if len(result.Removed) != 0 || len(result.Changed) != 0 {
		t.Errorf("unexpected removed/changed: %+v", result)
	}

	same, err := handle.Diff(MainBranch, cp2.ID, cp2.ID)
	if err != nil {
		t.Fatalf("self diff: %v", err)
	}
	if !same.Empty() {
		t.Errorf("self diff not empty: %+v", same)
	}
}

func TestReaderSeesForkedBranches(t *testing.T) {
	handle, path, clk := newTestCapsule(t)
	ctx := context.Background()

	base := mustPut(t, handle, PutOptions{Name: "base"}, "shared")
	mustCommit(t, handle, "fork-point")
	if err := handle.Branch(ctx, "run/1", ""); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if err := handle.Checkout("run/1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	mustPut(t, handle, PutOptions{Name: "feature"}, "run work")
	mustCommit(t, handle, "run-done")

	reader, err := Open(path, ModeRead, Config{
		Workspace: "ws", Branch: "run/1", Clock: clk, Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("open reader on branch: %v", err)
	}
	defer reader.Close()
	if _, _, err := reader.Get(ctx, base, GetOptions{}); err != nil {
		t.Errorf("reader missing fork base: %v", err)
	}
	if _, _, err := reader.Get(ctx, "mv2://ws/artifact/feature", GetOptions{}); err != nil {
		t.Errorf("reader missing branch artifact: %v", err)
	}
}
