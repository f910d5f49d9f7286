// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/memvid-foundation/memvid/cmd/mv2/cli"
	"github.com/memvid-foundation/memvid/lib/capsule"
	"github.com/memvid-foundation/memvid/lib/clock"
)

func doctorCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		asJSON     bool
	)
	return &cli.Command{
		Name:    "doctor",
		Summary: "Diagnose a capsule file",
		Usage:   "mv2 doctor <capsule> [flags]",
		Description: `Inspect a capsule without opening it for writing: header, record
chain, checkpoint coverage, sidecar, and writer lock. Never modifies
the file. Exits non-zero when the capsule is unhealthy, with a
concrete fix suggestion where one exists.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("doctor", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 doctor <capsule>")
			}
			diagnosis := capsule.Doctor(args[0], clock.Real())
			if asJSON {
				if err := cli.WriteJSON(diagnosis); err != nil {
					return err
				}
			} else {
				printDiagnosis(diagnosis)
			}
			if code := diagnosisExitCode(diagnosis.Status); code != 0 {
				return &cli.ExitError{Code: code}
			}
			return nil
		},
	}
}

// diagnosisExitCode maps a doctor status to the process exit code:
// 0 healthy (a live writer lock is transient), 1 integrity failure,
// 2 misconfiguration.
func diagnosisExitCode(status capsule.DoctorStatus) int {
	switch status {
	case capsule.DoctorOk, capsule.DoctorLockedByWriter:
		return 0
	case capsule.DoctorMissing, capsule.DoctorNotACapsule, capsule.DoctorVersionMismatch:
		return 2
	default:
		return 1
	}
}

func printDiagnosis(diagnosis capsule.Diagnosis) {
	fmt.Printf("status: %s\n", diagnosis.Status)
	if diagnosis.Detail != "" {
		fmt.Printf("detail: %s\n", diagnosis.Detail)
	}
	if diagnosis.Offset > 0 {
		fmt.Printf("offset: %d\n", diagnosis.Offset)
	}
	if diagnosis.FixIt != "" {
		fmt.Printf("fix:    %s\n", diagnosis.FixIt)
	}
	if diagnosis.Lock != nil {
		fmt.Printf("lock:   %s\n", diagnosis.Lock.Summary())
	}
	for _, warning := range diagnosis.Warnings {
		fmt.Printf("warn:   %s\n", warning)
	}
	if stats := diagnosis.Stats; stats != nil {
		fmt.Printf("stats:  %d records, %d artifacts, %d events, %d checkpoints, %d bytes\n",
			stats.Records, stats.Artifacts, stats.Events, stats.Checkpoints, stats.SizeBytes)
	}
}

func statsCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		asJSON     bool
	)
	return &cli.Command{
		Name:    "stats",
		Summary: "Show capsule counters and dedup ratio",
		Usage:   "mv2 stats <capsule> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("stats", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 stats <capsule>")
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

			stats := handle.Stats()
			if asJSON {
				return cli.WriteJSON(stats)
			}
			fmt.Printf("path:         %s\n", stats.Path)
			fmt.Printf("size:         %d bytes\n", stats.SizeBytes)
			fmt.Printf("records:      %d\n", stats.Records)
			fmt.Printf("artifacts:    %d\n", stats.Artifacts)
			fmt.Printf("events:       %d\n", stats.Events)
			fmt.Printf("uris:         %d\n", stats.URIs)
			fmt.Printf("branches:     %d\n", stats.Branches)
			fmt.Printf("checkpoints:  %d\n", stats.Checkpoints)
			fmt.Printf("uncommitted:  %d\n", stats.Uncommitted)
			fmt.Printf("dedup ratio:  %.2f\n", stats.DedupRatio)
			return nil
		},
	}
}

func lockCommand() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:    "lock",
		Summary: "Show the writer lock holder, if any",
		Usage:   "mv2 lock <capsule> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("lock", pflag.ContinueOnError)
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mv2 lock <capsule>")
			}
			metadata, held, err := capsule.InspectLock(args[0])
			if err != nil {
				return err
			}
			if !held {
				fmt.Println("unlocked")
				return nil
			}
			if asJSON {
				return cli.WriteJSON(metadata)
			}
			fmt.Println(metadata.Summary())
			return nil
		},
	}
}
