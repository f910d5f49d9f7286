// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/memvid-foundation/memvid/lib/retrieval"
)

// ConfigEnvVar names the environment variable that points at the mv2
// config file. The --config flag takes precedence when both are set.
// There is no automatic discovery: configuration is deterministic and
// auditable, with no hidden overrides.
const ConfigEnvVar = "MV2_CONFIG"

// Config is the mv2 CLI configuration.
type Config struct {
	// Workspace is the default workspace segment for new writes.
	Workspace string `yaml:"workspace"`

	// Branch is the default branch commands operate on.
	Branch string `yaml:"branch"`

	// Retrieval tunes the hybrid search fusion weights.
	Retrieval retrieval.Weights `yaml:"retrieval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Workspace: "default",
		Branch:    "main",
		Retrieval: retrieval.DefaultWeights(),
	}
}

// LoadConfig resolves the configuration: the explicit path if
// non-empty, else $MV2_CONFIG, else defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s does not exist", path)
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if config.Workspace == "" {
		config.Workspace = "default"
	}
	if config.Branch == "" {
		config.Branch = "main"
	}
	return config, nil
}
