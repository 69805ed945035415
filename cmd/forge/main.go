// Package main implements the forge CLI for operating pipeline checkpoint
// stores. Pipelines themselves are embedded in Go programs; this tool works
// on the saved state they leave behind.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/logging"
)

var (
	// root flags
	configPath    string
	checkpointDir string
	verbose       bool

	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Operator tooling for forge checkpoint stores",
	Long: `forge inspects and maintains the checkpoint stores that pipeline runs
leave behind.

Configuration is resolved from FORGE_* environment variables, an optional
forge.yaml file, and built-in defaults, in that order of precedence. A .env
file in the working directory is loaded first when present.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default forge.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&checkpointDir, "checkpoint-dir", "", "Override the checkpoint base directory")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("forge by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// setup loads .env, resolves configuration, and builds the logger shared by
// every command. Flags win over environment and file values.
func setup() (*config.Config, *zap.Logger, error) {
	// A missing .env is fine; values already in the environment win.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if checkpointDir != "" {
		cfg.Pipeline.Checkpoint.BaseDir = checkpointDir
	}
	if verbose {
		cfg.Logging.Level = zapcore.DebugLevel
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, logger, nil
}
