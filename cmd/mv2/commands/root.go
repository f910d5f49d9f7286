// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the mv2 CLI command tree.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/memvid-foundation/memvid/cmd/mv2/cli"
	"github.com/memvid-foundation/memvid/lib/capsule"
)

// Root builds and returns the complete mv2 command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "mv2",
		Description: `mv2: single-writer capsule store for agent pipelines.

A capsule is one append-only file holding artifacts, events, and
checkpoints, addressed by stable mv2:// URIs with branch and
time-travel semantics.`,
		Subcommands: []*cli.Command{
			createCommand(),
			putCommand(),
			getCommand(),
			lsCommand(),
			commitCommand(),
			checkpointsCommand(),
			branchCommand(),
			mergeCommand(),
			timelineCommand(),
			diffCommand(),
			searchCommand(),
			doctorCommand(),
			statsCommand(),
			lockCommand(),
			exportCommand(),
			importCommand(),
			keygenCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Check the health of a capsule (start here when lost)",
				Command:     "mv2 doctor run.mv2",
			},
			{
				Description: "Store an artifact under a scope",
				Command:     "mv2 put run.mv2 spec-v1 --scope intake --file spec.md",
			},
			{
				Description: "Checkpoint the current stage",
				Command:     "mv2 commit run.mv2 --label post-intake --stage intake",
			},
			{
				Description: "Search artifacts with ranking explanation",
				Command:     "mv2 search run.mv2 'token budget policy' --explain",
			},
		},
	}
}

// newLogger builds the CLI logger: silent by default, text to stderr
// at info level with --verbose.
func newLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// handleConfig translates CLI configuration into a capsule config.
func handleConfig(config cli.Config, verbose bool, lockContext string) capsule.Config {
	return capsule.Config{
		Workspace:   config.Workspace,
		Branch:      capsule.BranchId(config.Branch),
		LockContext: lockContext,
		Logger:      newLogger(verbose),
	}
}
