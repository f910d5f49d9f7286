// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/pflag"

	"github.com/memvid-foundation/memvid/cmd/mv2/cli"
	"github.com/memvid-foundation/memvid/lib/capsule"
	"github.com/memvid-foundation/memvid/lib/clock"
	"github.com/memvid-foundation/memvid/lib/retrieval"
)

// importanceTagPrefix marks the tag that declares an artifact's
// importance, e.g. "importance=7".
const importanceTagPrefix = "importance="

func searchCommand() *cli.Command {
	var (
		configPath    string
		verbose       bool
		branch        string
		asOf          string
		k             int
		domain        string
		requiredTags  []string
		preferredTags []string
		minImportance float64
		explain       bool
		asJSON        bool
	)
	return &cli.Command{
		Name:    "search",
		Summary: "Rank artifacts against a query",
		Usage:   "mv2 search <capsule> <query> [flags]",
		Description: `Hybrid retrieval over the artifacts visible on a branch. The score
fuses a lexical match over artifact names and text payloads with tag
overlap, domain match, declared importance (an "importance=N" tag,
0-10), and recency. Fusion weights come from the retrieval section of
the config file.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("search", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&branch, "branch", "", "branch to search (default from config)")
			flags.StringVar(&asOf, "as-of", "", "checkpoint id or label to search at")
			flags.IntVarP(&k, "k", "k", 10, "maximum results")
			flags.StringVar(&domain, "domain", "", "boost artifacts whose top scope segment matches")
			flags.StringSliceVar(&requiredTags, "tag", nil, "required tag, excludes non-matches (repeatable)")
			flags.StringSliceVar(&preferredTags, "prefer-tag", nil, "preferred tag, boosts matches (repeatable)")
			flags.Float64Var(&minImportance, "min-importance", 0, "exclude artifacts below this importance")
			flags.BoolVar(&explain, "explain", false, "show the per-signal scores behind each hit")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mv2 search <capsule> <query>")
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
				Kinds:  []capsule.ObjectType{capsule.ObjectArtifact},
			}
			getOpts := capsule.GetOptions{Branch: opts.Branch}
			if asOf != "" {
				meta, err := handle.ResolveCheckpoint(opts.Branch, asOf)
				if err != nil {
					return err
				}
				opts.AsOf = meta.ID
				getOpts.AsOf = meta.ID
			}

			engine := retrieval.NewEngine(config.Retrieval, clock.Real())
			err = handle.Iterate(context.Background(), opts, func(record capsule.IteratedRecord) error {
				payload, _, err := handle.Get(context.Background(), record.URI, getOpts)
				if err != nil {
					return err
				}
				engine.Add(documentFor(record, payload))
				return nil
			})
			if err != nil {
				return err
			}

			results := engine.Search(retrieval.Query{
				Text:          args[1],
				Domain:        domain,
				PreferredTags: preferredTags,
				RequiredTags:  requiredTags,
				MinImportance: minImportance,
				K:             k,
			})
			if asJSON {
				return cli.WriteJSON(results)
			}
			for i, result := range results {
				fmt.Printf("%2d. %.4f  %s\n", i+1, result.Score, result.URI)
				if explain {
					s := result.Signals
					fmt.Printf("    lexical=%.3f tag=%.3f domain=%.3f importance=%.3f recency=%.3f\n",
						s.Lexical, s.Tag, s.Domain, s.Importance, s.Recency)
				}
			}
			return nil
		},
	}
}

// documentFor maps a capsule artifact onto a retrieval document. The
// name feeds the title field; text payloads feed the body; the top
// scope segment is the domain.
func documentFor(record capsule.IteratedRecord, payload []byte) retrieval.Document {
	doc := retrieval.Document{
		URI:        record.URI.String(),
		Tags:       record.Meta.Tags,
		Importance: importanceFromTags(record.Meta.Tags),
		CreatedAt:  record.Meta.CreatedAt,
	}
	if _, scope, _, name, err := record.URI.Split(); err == nil {
		doc.Title = name
		if len(scope) > 0 {
			doc.Domain = scope[0]
		}
	}
	if textPayload(record.Meta.ContentType, payload) {
		doc.Body = string(payload)
	}
	return doc
}

// importanceFromTags extracts the declared importance, 0 when absent
// or malformed.
func importanceFromTags(tags []string) float64 {
	for _, tag := range tags {
		if !strings.HasPrefix(tag, importanceTagPrefix) {
			continue
		}
		value, err := strconv.ParseFloat(tag[len(importanceTagPrefix):], 64)
		if err != nil {
			return 0
		}
		return value
	}
	return 0
}

// textPayload reports whether a payload should feed the lexical index:
// a declared text type, or valid UTF-8 when the type is unknown.
func textPayload(contentType string, payload []byte) bool {
	switch {
	case strings.HasPrefix(contentType, "text/"):
		return true
	case contentType == "application/json" || contentType == "application/yaml":
		return true
	case contentType == "":
		return utf8.Valid(payload)
	default:
		return false
	}
}
