// Package config aggregates the per-package configuration for the forge CLI.
//
// Each library package owns its Config struct and defaults; this package
// layers an optional YAML file and FORGE_* environment variables on top and
// validates the merged result. There is no global config value: callers pass
// the pieces to the constructors that need them.
package config

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/telemetry"
	"github.com/fyrsmithlabs/forge/pkg/pipeline"
	"github.com/fyrsmithlabs/forge/pkg/txn"
)

// Config is the root of the forge configuration tree.
type Config struct {
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
	Pipeline  pipeline.Config  `koanf:"pipeline"`
}

// NewDefaultConfig assembles the package defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
	}
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	if c.Pipeline.ProjectsDir == "" {
		return errors.New("pipeline: projects_dir is required")
	}
	if c.Pipeline.Checkpoint.BaseDir == "" {
		return errors.New("pipeline: checkpoint.base_dir is required")
	}
	if c.Pipeline.Checkpoint.Keep < 1 {
		return fmt.Errorf("pipeline: checkpoint.keep must be >= 1, got %d", c.Pipeline.Checkpoint.Keep)
	}
	if c.Pipeline.Write.StagingDir == "" {
		return errors.New("pipeline: write.staging_dir is required")
	}
	switch c.Pipeline.Write.Mode {
	case "", txn.ModeStaged, txn.ModeDirect:
	default:
		return fmt.Errorf("pipeline: write.mode must be %q or %q, got %q",
			txn.ModeStaged, txn.ModeDirect, c.Pipeline.Write.Mode)
	}

	return nil
}
