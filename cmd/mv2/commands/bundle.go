// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/memvid-foundation/memvid/cmd/mv2/cli"
	"github.com/memvid-foundation/memvid/lib/capsule"
	"github.com/memvid-foundation/memvid/lib/sealed"
)

func exportCommand() *cli.Command {
	var (
		configPath    string
		verbose       bool
		safe          bool
		compress      bool
		passphraseEnv string
		recipients    []string
	)
	return &cli.Command{
		Name:    "export",
		Summary: "Write the committed history to a portable bundle",
		Usage:   "mv2 export <capsule> <bundle> [flags]",
		Description: `Export everything up to the last checkpoint. Uncommitted records are
left behind. With --safe, private_scratch event payloads are redacted
before the bundle digest is computed, so the bundle still verifies on
import. The body can be zstd-compressed and sealed with age: pass a
passphrase via --passphrase-env, age recipients via --recipient, or
both.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("export", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.BoolVar(&safe, "safe", false, "redact private_scratch event payloads")
			flags.BoolVar(&compress, "compress", false, "zstd-compress the bundle body")
			flags.StringVar(&passphraseEnv, "passphrase-env", "", "environment variable holding the sealing passphrase")
			flags.StringSliceVar(&recipients, "recipient", nil, "age recipient public key (repeatable)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mv2 export <capsule> <bundle>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			passphrase, err := passphraseFromEnv(passphraseEnv)
			if err != nil {
				return err
			}
			for _, recipient := range recipients {
				if err := sealed.ValidatePublicKey(recipient); err != nil {
					return err
				}
			}
			handle, err := capsule.Open(args[0], capsule.ModeWrite, handleConfig(config, verbose, "cli:export"))
			if err != nil {
				return err
			}
			defer handle.Close()

			manifest, err := handle.ExportFile(context.Background(), args[1], capsule.ExportOptions{
				Safe:          safe,
				Compress:      compress,
				Passphrase:    passphrase,
				RecipientKeys: recipients,
			})
			if err != nil {
				return err
			}
			fmt.Printf("exported %d records (%d artifacts, %d events, %d checkpoints) to %s\n",
				manifest.Records, manifest.Artifacts, manifest.Events, manifest.Checkpoints, args[1])
			if manifest.Safe {
				fmt.Printf("redacted %d private payloads\n", manifest.Redacted)
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	var (
		configPath    string
		verbose       bool
		passphraseEnv string
		identities    []string
	)
	return &cli.Command{
		Name:    "import",
		Summary: "Create a capsule from a bundle",
		Usage:   "mv2 import <bundle> <capsule> [flags]",
		Description: `Verify a bundle's digest and rebuild it as a fresh capsule. Checkpoint
ids and labels are preserved. Sealed bundles need the passphrase
(--passphrase-env) or an age identity (--identity) used at export
time.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("import", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path")
			flags.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
			flags.StringVar(&passphraseEnv, "passphrase-env", "", "environment variable holding the unsealing passphrase")
			flags.StringSliceVar(&identities, "identity", nil, "age identity private key (repeatable)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mv2 import <bundle> <capsule>")
			}
			config, err := cli.LoadConfig(configPath)
			if err != nil {
				return err
			}
			passphrase, err := passphraseFromEnv(passphraseEnv)
			if err != nil {
				return err
			}
			handle, manifest, err := capsule.Import(context.Background(), args[0], args[1], capsule.ImportOptions{
				Passphrase:  passphrase,
				PrivateKeys: identities,
				Config:      handleConfig(config, verbose, "cli:import"),
			})
			if err != nil {
				return err
			}
			defer handle.Close()
			fmt.Printf("imported %d records (%d artifacts, %d events, %d checkpoints) into %s\n",
				manifest.Records, manifest.Artifacts, manifest.Events, manifest.Checkpoints, args[1])
			return nil
		},
	}
}

// passphraseFromEnv resolves a passphrase indirected through an
// environment variable. Passphrases never appear on the command line,
// where process listings would expose them.
func passphraseFromEnv(envVar string) (string, error) {
	if envVar == "" {
		return "", nil
	}
	passphrase := os.Getenv(envVar)
	if passphrase == "" {
		return "", fmt.Errorf("environment variable %s is empty or unset", envVar)
	}
	return passphrase, nil
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate an age keypair for sealed bundles",
		Usage:   "mv2 keygen",
		Description: `Generate an x25519 keypair. The public key goes to stdout for use
with export --recipient; the private key goes to stderr so redirecting
stdout does not capture it.`,
		Flags: func() *pflag.FlagSet {
			return pflag.NewFlagSet("keygen", pflag.ContinueOnError)
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("usage: mv2 keygen")
			}
			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			fmt.Println(keypair.PublicKey)
			fmt.Fprintf(os.Stderr, "private key: %s\n", keypair.PrivateKey)
			return nil
		},
	}
}
