// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/memvid-foundation/memvid/cmd/mv2/cli"
	"github.com/memvid-foundation/memvid/lib/capsule"
)

func branchCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		from       string
	)
	return &cli.Command{
		Name:    "branch",
		Summary: "Fork a new branch at a checkpoint",
		Usage:   "mv2 branch <capsule> <name> [flags]",
		Description: `Fork a copy-on-write branch. The new branch starts from the given
checkpoint (default: the current branch's tip) and isolates all
subsequent writes from its parent.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("branch", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&from, "from", "", "base checkpoint id or label (default: current tip)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mv2 branch <capsule> <name>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			handle, err := capsule.Open(args[0], capsule.ModeWrite, handleConfig(config, verbose, "cli:branch"))
			if err != nil {
				return err
			}
			defer handle.Close()

			var base capsule.CheckpointId
			if from != "" {
				meta, err := handle.ResolveCheckpoint("", from)
				if err != nil {
					return err
				}
				base = meta.ID
			}
			if err := handle.Branch(context.Background(), capsule.BranchId(args[1]), base); err != nil {
				return err
			}
			fmt.Printf("branch %s forked\n", args[1])
			return nil
		},
	}
}

func mergeCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		into       string
		mode       string
		label      string
	)
	return &cli.Command{
		Name:    "merge",
		Summary: "Merge a branch into another",
		Usage:   "mv2 merge <capsule> <src-branch> [flags]",
		Description: `Merge the source branch into the destination (default: the config
branch). Modes:

  fast-forward     destination adopts the source state; fails if the
                   destination has diverged
  union-newer-wins union of both branches; newer content wins on
                   conflicting URIs
  strict           fails on any overlap that is not content-identical`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("merge", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&into, "into", "", "destination branch (default from config)")
			flags.StringVar(&mode, "mode", "fast-forward", "merge mode: fast-forward, union-newer-wins, strict")
			flags.StringVar(&label, "label", "", "label for the merge checkpoint")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mv2 merge <capsule> <src-branch>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			mergeMode, err := parseMergeMode(mode)
			if err != nil {
				return err
			}
			handle, err := capsule.Open(args[0], capsule.ModeWrite, handleConfig(config, verbose, "cli:merge"))
			if err != nil {
				return err
			}
			defer handle.Close()

			if into != "" {
				if err := handle.Checkout(capsule.BranchId(into)); err != nil {
					return err
				}
			}
			meta, err := handle.Merge(context.Background(), capsule.BranchId(args[1]), mergeMode, label)
			if err != nil {
				return err
			}
			fmt.Printf("merged %s into %s at checkpoint %s\n", args[1], meta.Branch, meta.ID)
			return nil
		},
	}
}

func parseMergeMode(mode string) (capsule.MergeMode, error) {
	switch mode {
	case "fast-forward", "ff":
		return capsule.MergeFastForward, nil
	case "union-newer-wins", "union":
		return capsule.MergeUnionNewerWins, nil
	case "strict":
		return capsule.MergeStrict, nil
	default:
		return 0, fmt.Errorf("unknown merge mode %q (want fast-forward, union-newer-wins, or strict)", mode)
	}
}

func checkpointsCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		branch     string
		asJSON     bool
	)
	return &cli.Command{
		Name:    "checkpoints",
		Summary: "List a branch's checkpoints",
		Usage:   "mv2 checkpoints <capsule> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("checkpoints", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&branch, "branch", "", "branch to list (default from config)")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 checkpoints <capsule>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			handle, err := capsule.Open(args[0], capsule.ModeRead, handleConfig(config, verbose, ""))
			if err != nil {
				return err
			}
			defer handle.Close()

			checkpoints := handle.Checkpoints(capsule.BranchId(branch))
			if asJSON {
				return cli.WriteJSON(checkpoints)
			}
			for _, meta := range checkpoints {
				line := fmt.Sprintf("%s  %s", meta.ID, meta.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
				if meta.Label != "" {
					line += "  " + meta.Label
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func timelineCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		branch     string
		asOf       string
		asJSON     bool
	)
	return &cli.Command{
		Name:    "timeline",
		Summary: "Show the event track of a branch",
		Usage:   "mv2 timeline <capsule> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("timeline", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&branch, "branch", "", "branch to show (default from config)")
			flags.StringVar(&asOf, "as-of", "", "checkpoint id or label to show at")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 timeline <capsule>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			handle, err := capsule.Open(args[0], capsule.ModeRead, handleConfig(config, verbose, ""))
			if err != nil {
				return err
			}
			defer handle.Close()

			opts := capsule.IterateOptions{
				Branch: capsule.BranchId(branch),
				Kinds:  []capsule.ObjectType{capsule.ObjectEvent},
			}
			if asOf != "" {
				meta, err := handle.ResolveCheckpoint(opts.Branch, asOf)
				if err != nil {
					return err
				}
				opts.AsOf = meta.ID
			}

			type row struct {
				At   string             `json:"at"`
				Type capsule.EventType  `json:"type"`
				URI  capsule.LogicalUri `json:"uri"`
			}
			var rows []row
			err = handle.Iterate(context.Background(), opts, func(record capsule.IteratedRecord) error {
				rows = append(rows, row{
					At:   record.Meta.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
					Type: record.Meta.EventType,
					URI:  record.URI,
				})
				return nil
			})
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(rows)
			}
			for _, r := range rows {
				fmt.Printf("%s  %-20s  %s\n", r.At, r.Type, r.URI)
			}
			return nil
		},
	}
}

func diffCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		branch     string
		asJSON     bool
	)
	return &cli.Command{
		Name:    "diff",
		Summary: "Compare a branch's state at two checkpoints",
		Usage:   "mv2 diff <capsule> <from> [<to>] [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("diff", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&branch, "branch", "", "branch to compare (default from config)")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) < 2 || len(args) > 3 {
				return fmt.Errorf("usage: mv2 diff <capsule> <from> [<to>]")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			handle, err := capsule.Open(args[0], capsule.ModeRead, handleConfig(config, verbose, ""))
			if err != nil {
				return err
			}
			defer handle.Close()

			branchID := capsule.BranchId(branch)
			fromMeta, err := handle.ResolveCheckpoint(branchID, args[1])
			if err != nil {
				return err
			}
			var to capsule.CheckpointId
			if len(args) == 3 {
				toMeta, err := handle.ResolveCheckpoint(branchID, args[2])
				if err != nil {
					return err
				}
				to = toMeta.ID
			}
			result, err := handle.Diff(branchID, fromMeta.ID, to)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(result)
			}
			for _, uri := range result.Added {
				fmt.Printf("+ %s\n", uri)
			}
			for _, uri := range result.Removed {
				fmt.Printf("- %s\n", uri)
			}
			for _, uri := range result.Changed {
				fmt.Printf("~ %s\n", uri)
			}
			return nil
		},
	}
}
