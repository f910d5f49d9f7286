// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

// Package capsule implements the Memvid capsule: a single-writer,
// append-only, content-addressed object store with stable logical
// URIs, stage-boundary checkpoints, per-run branches, time-travel
// reads, and crash-safe durability.
//
// A capsule is a single data file (header + length-prefixed records)
// plus two sidecars: a lock file holding writer metadata and a
// "latest" pointer naming the most recent durable checkpoint. The
// capsule is a library — there is no server process. Writers embed a
// [Handle] opened in [ModeWrite]; any number of readers may open the
// same file in [ModeRead] concurrently.
//
// Every artifact put returns a stable mv2:// URI that resolves to
// identical bytes forever on the branch it was written to. Records
// are never rewritten; the file grows only by full-record appends.
// Commit is all-or-nothing: either the sidecar pointer advances past
// fully fsynced records, or a torn tail is truncated on the next
// open.
package capsule
