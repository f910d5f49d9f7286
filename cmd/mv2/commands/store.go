// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/memvid-foundation/memvid/cmd/mv2/cli"
	"github.com/memvid-foundation/memvid/lib/capsule"
)

// splitScope parses a /-separated scope flag into segments.
func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Split(scope, "/")
}

func createCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
	)
	return &cli.Command{
		Name:    "create",
		Summary: "Create a new empty capsule",
		Usage:   "mv2 create <capsule> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 create <capsule>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			handle, err := capsule.Create(args[0], handleConfig(config, verbose, "cli:create"))
			if err != nil {
				return err
			}
			defer handle.Close()
			fmt.Printf("created %s (workspace %s)\n", args[0], handle.Workspace())
			return nil
		},
	}
}

func putCommand() *cli.Command {
	var (
		configPath     string
		verbose        bool
		scope          string
		file           string
		contentType    string
		tags           []string
		creator        string
		parentURI      string
		policyID       string
		idempotencyKey string
		branch         string
	)
	return &cli.Command{
		Name:    "put",
		Summary: "Store an artifact and print its URI",
		Usage:   "mv2 put <capsule> <name> [flags]",
		Description: `Store an artifact under a stable mv2:// URI. The payload comes from
--file, or from stdin when --file is "-" or omitted.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("put", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&scope, "scope", "", "scope segments, /-separated (e.g. intake/raw)")
			flags.StringVarP(&file, "file", "f", "-", "payload file, - for stdin")
			flags.StringVar(&contentType, "content-type", "", "MIME type of the payload")
			flags.StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
			flags.StringVar(&creator, "creator", "", "creator identity recorded in metadata")
			flags.StringVar(&parentURI, "parent", "", "parent artifact URI for lineage")
			flags.StringVar(&policyID, "policy", "", "policy id recorded in metadata")
			flags.StringVar(&idempotencyKey, "idempotency-key", "", "key making content-identical retries succeed")
			flags.StringVar(&branch, "branch", "", "target branch (default from config)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mv2 put <capsule> <name>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			payload, err := readPayload(file)
			if err != nil {
				return err
			}

			handle, err := capsule.Open(args[0], capsule.ModeWrite, handleConfig(config, verbose, "cli:put"))
			if err != nil {
				return err
			}
			defer handle.Close()

			var parent capsule.LogicalUri
			if parentURI != "" {
				parent, err = capsule.ParseURI(parentURI)
				if err != nil {
					return err
				}
			}
			uri, err := handle.Put(context.Background(), capsule.PutOptions{
				Branch:         capsule.BranchId(branch),
				Scope:          splitScope(scope),
				Name:           args[1],
				ContentType:    contentType,
				Tags:           tags,
				Creator:        creator,
				ParentURI:      parent,
				PolicyID:       policyID,
				IdempotencyKey: idempotencyKey,
			}, payload)
			if err != nil {
				return err
			}
			fmt.Println(uri)
			return nil
		},
	}
}

func readPayload(file string) ([]byte, error) {
	if file == "" || file == "-" {
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		return payload, nil
	}
	payload, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}

func getCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		branch     string
		asOf       string
		showMeta   bool
	)
	return &cli.Command{
		Name:    "get",
		Summary: "Print an artifact's payload by URI",
		Usage:   "mv2 get <capsule> <uri> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("get", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&branch, "branch", "", "branch to resolve on (default from config)")
			flags.StringVar(&asOf, "as-of", "", "checkpoint id or label to read at")
			flags.BoolVar(&showMeta, "meta", false, "print record metadata as JSON instead of the payload")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mv2 get <capsule> <uri>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			uri, err := capsule.ParseURI(args[1])
			if err != nil {
				return err
			}
			handle, err := capsule.Open(args[0], capsule.ModeRead, handleConfig(config, verbose, ""))
			if err != nil {
				return err
			}
			defer handle.Close()

			opts := capsule.GetOptions{Branch: capsule.BranchId(branch)}
			if asOf != "" {
				meta, err := handle.ResolveCheckpoint(opts.Branch, asOf)
				if err != nil {
					return err
				}
				opts.AsOf = meta.ID
			}
			payload, meta, err := handle.Get(context.Background(), uri, opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return &cli.ExitError{Code: 1}
			}
			if showMeta {
				return cli.WriteJSON(meta)
			}
			_, err = os.Stdout.Write(payload)
			return err
		},
	}
}

func lsCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		branch     string
		asOf       string
		scope      string
		kind       string
		tag        string
		asJSON     bool
	)
	return &cli.Command{
		Name:    "ls",
		Summary: "List the URIs visible on a branch",
		Usage:   "mv2 ls <capsule> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("ls", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&branch, "branch", "", "branch to list (default from config)")
			flags.StringVar(&asOf, "as-of", "", "checkpoint id or label to list at")
			flags.StringVar(&scope, "scope", "", "restrict to a scope prefix, /-separated")
			flags.StringVar(&kind, "kind", "", "restrict to a record kind (artifact, event, checkpoint)")
			flags.StringVar(&tag, "tag", "", "restrict to records carrying a tag")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 ls <capsule>")
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

			opts := capsule.IterateOptions{Branch: capsule.BranchId(branch)}
			if asOf != "" {
				meta, err := handle.ResolveCheckpoint(opts.Branch, asOf)
				if err != nil {
					return err
				}
				opts.AsOf = meta.ID
			}
			if scope != "" {
				opts.ScopePrefix = splitScope(scope)
			}
			if kind != "" {
				objectType, err := capsule.ObjectTypeFromSegment(kind)
				if err != nil {
					return err
				}
				opts.Kinds = []capsule.ObjectType{objectType}
			}
			opts.Tag = tag

			type row struct {
				URI         capsule.LogicalUri `json:"uri"`
				ContentType string             `json:"content_type,omitempty"`
				CreatedAt   string             `json:"created_at"`
				Tags        []string           `json:"tags,omitempty"`
			}
			var rows []row
			err = handle.Iterate(context.Background(), opts, func(record capsule.IteratedRecord) error {
				rows = append(rows, row{
					URI:         record.URI,
					ContentType: record.Meta.ContentType,
					CreatedAt:   record.Meta.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
					Tags:        record.Meta.Tags,
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
				fmt.Println(r.URI)
			}
			return nil
		},
	}
}

func commitCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		label      string
		stage      string
	)
	return &cli.Command{
		Name:    "commit",
		Summary: "Checkpoint everything written since the last commit",
		Usage:   "mv2 commit <capsule> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("commit", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&label, "label", "", "human label, unique per branch")
			flags.StringVar(&stage, "stage", "", "record a StageTransition event naming this checkpoint")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 commit <capsule>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			handle, err := capsule.Open(args[0], capsule.ModeWrite, handleConfig(config, verbose, "cli:commit"))
			if err != nil {
				return err
			}
			defer handle.Close()

			meta, err := handle.Commit(context.Background(), capsule.CommitOptions{Label: label, Stage: stage})
			if err != nil {
				return err
			}
			fmt.Printf("checkpoint %s on %s", meta.ID, meta.Branch)
			if meta.Label != "" {
				fmt.Printf(" (%s)", meta.Label)
			}
			fmt.Println()
			return nil
		},
	}
}
