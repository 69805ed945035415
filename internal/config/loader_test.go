package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/forge/pkg/txn"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./projects", cfg.Pipeline.ProjectsDir)
	assert.Equal(t, zapcore.InfoLevel, cfg.Logging.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
  format: console
pipeline:
  projects_dir: /tmp/forge-projects
  default_timeout: 1m
  enable_advisory: false
  write:
    mode: direct
telemetry:
  endpoint: localhost:4318
  protocol: http/protobuf
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "/tmp/forge-projects", cfg.Pipeline.ProjectsDir)
	assert.Equal(t, time.Minute, cfg.Pipeline.DefaultTimeout)
	assert.False(t, cfg.Pipeline.EnableAdvisory)
	assert.Equal(t, txn.ModeDirect, cfg.Pipeline.Write.Mode)
	assert.Equal(t, "localhost:4318", cfg.Telemetry.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Telemetry.Protocol)
}

func TestLoad_AbsentKeysKeepDefaults(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  projects_dir: /tmp/elsewhere
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/elsewhere", cfg.Pipeline.ProjectsDir)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.DefaultTimeout)
	assert.True(t, cfg.Pipeline.EnableAdvisory)
	assert.Equal(t, "./checkpoints", cfg.Pipeline.Checkpoint.BaseDir)
}

func TestLoad_StageTimeoutsMergePerKey(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  stage_timeouts:
    plan: 10s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Pipeline.StageTimeouts["plan"])
	// Untouched keys keep their defaults
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.StageTimeouts["design"])
	assert.Equal(t, 30*time.Second, cfg.Pipeline.StageTimeouts["safety-check"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FORGE_PIPELINE_PROJECTS_DIR", "/tmp/from-env")
	t.Setenv("FORGE_LOGGING_LEVEL", "warn")
	t.Setenv("FORGE_TELEMETRY_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env", cfg.Pipeline.ProjectsDir)
	assert.Equal(t, zapcore.WarnLevel, cfg.Logging.Level)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  projects_dir: /tmp/from-file
`)
	t.Setenv("FORGE_PIPELINE_PROJECTS_DIR", "/tmp/from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env", cfg.Pipeline.ProjectsDir)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "pipeline: [not: a: mapping")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoad_FileTooLarge(t *testing.T) {
	big := "# padding\n" + strings.Repeat("x", maxConfigFileSize)
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(big), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  format: xml
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestEnvKeyToPath(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"FORGE_PIPELINE_DEFAULT_TIMEOUT", "pipeline.default_timeout"},
		{"FORGE_LOGGING_LEVEL", "logging.level"},
		{"FORGE_TELEMETRY_SERVICE_NAME", "telemetry.service_name"},
		{"FORGE_TELEMETRY", "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, envKeyToPath(tt.key))
		})
	}
}
