package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file consulted when no --config flag is given.
const DefaultPath = "forge.yaml"

const maxConfigFileSize = 1 << 20 // 1MB

// Load reads configuration from an optional YAML file and FORGE_* environment
// variables, layered over package defaults.
//
// Precedence (highest to lowest):
//  1. Environment variables (FORGE_PIPELINE_PROJECTS_DIR, FORGE_LOGGING_LEVEL, ...)
//  2. YAML config file
//  3. Package defaults
//
// An explicitly given path must exist; the default path is used only when
// present. Environment keys map section-first on the first underscore:
// FORGE_PIPELINE_DEFAULT_TIMEOUT becomes pipeline.default_timeout. Deeper
// keys (telemetry.sampling.rate, pipeline.checkpoint.keep) are reachable
// through the file only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(content) > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s too large: %d bytes (max %d)", path, len(content), maxConfigFileSize)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// No file; defaults and environment apply.
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider("FORGE_", ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Unmarshal over the defaults so absent keys keep their default values
	// and maps (stage_timeouts, logging fields) merge per key.
	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envKeyToPath maps FORGE_SECTION_FIELD_NAME to section.field_name. The
// first underscore after the prefix separates the section; the rest stays a
// single field key.
func envKeyToPath(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "FORGE_"))
	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}
