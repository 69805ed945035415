package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/pkg/checkpoint"
)

var (
	// checkpoints command flags
	cpProject    string
	cpKeep       int
	cpOutputJSON bool
)

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsDeleteCmd)
	checkpointsCmd.AddCommand(checkpointsPruneCmd)
	checkpointsCmd.AddCommand(checkpointsClearCmd)
	checkpointsCmd.AddCommand(checkpointsWatchCmd)

	// Common flags for all checkpoints commands
	checkpointsCmd.PersistentFlags().StringVar(&cpProject, "project", "", "Project name (required)")
	_ = checkpointsCmd.MarkPersistentFlagRequired("project")

	// List-specific flags
	checkpointsListCmd.Flags().BoolVar(&cpOutputJSON, "json", false, "Output results as JSON")

	// Prune-specific flags
	checkpointsPruneCmd.Flags().IntVar(&cpKeep, "keep", 0, "How many checkpoints to retain (defaults to checkpoint.keep)")
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and maintain a project's checkpoint store",
	Long: `Inspect and maintain the checkpoint store of a single project.

Every pipeline run with checkpointing enabled leaves one record per completed
stage plus a latest pointer. These commands operate on those records; they
never start or resume pipelines.

Examples:
  # List all checkpoints for a project
  forge checkpoints list --project demo-app

  # Show the latest checkpoint
  forge checkpoints show --project demo-app

  # Keep only the five newest records
  forge checkpoints prune --project demo-app --keep 5`,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	Long: `List all checkpoints for a project, newest first.

Examples:
  # Human-readable table
  forge checkpoints list --project demo-app

  # JSON for scripting
  forge checkpoints list --project demo-app --json`,
	RunE: runCheckpointsList,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show [checkpoint-id]",
	Short: "Show one checkpoint",
	Long: `Show a single checkpoint. Without an ID the latest record is shown.

Examples:
  # Show the latest checkpoint
  forge checkpoints show --project demo-app

  # Show a specific record
  forge checkpoints show --project demo-app plan_20240101_120000`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckpointsShow,
}

var checkpointsDeleteCmd = &cobra.Command{
	Use:   "delete <checkpoint-id>",
	Short: "Delete one checkpoint",
	Long: `Delete a single checkpoint record by ID.

The latest pointer is left alone; it is a snapshot of the newest save, not a
reference to it.

Examples:
  forge checkpoints delete --project demo-app plan_20240101_120000`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointsDelete,
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old checkpoints",
	Long: `Remove all but the newest checkpoints.

Without --keep the retention count from the configuration is used.

Examples:
  # Keep the configured number of records
  forge checkpoints prune --project demo-app

  # Keep exactly three
  forge checkpoints prune --project demo-app --keep 3`,
	RunE: runCheckpointsPrune,
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the project's entire checkpoint store",
	Long: `Remove every checkpoint record and the latest pointer for a project.

Examples:
  forge checkpoints clear --project demo-app`,
	RunE: runCheckpointsClear,
}

var checkpointsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print new checkpoints as they are saved",
	Long: `Watch the project's checkpoint directory and print a line for every
new save until interrupted. Useful alongside a running pipeline to follow
its progress.

Examples:
  forge checkpoints watch --project demo-app`,
	RunE: runCheckpointsWatch,
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	m, logger, err := newManager()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	checkpoints, err := m.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if cpOutputJSON {
		return outputJSON(checkpoints)
	}

	if len(checkpoints) == 0 {
		fmt.Println("No checkpoints found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tCREATED\tDONE\tRUNS")
	for _, cp := range checkpoints {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			truncate(cp.ID, 36),
			truncate(cp.Stage, 20),
			cp.CreatedAt.Format("2006-01-02 15:04"),
			len(cp.CompletedStages),
			len(cp.Runs),
		)
	}
	w.Flush()

	return nil
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	id := ""
	if len(args) == 1 {
		id = args[0]
	}

	m, logger, err := newManager()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	cp, err := m.Load(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Printf("ID: %s\n", cp.ID)
	fmt.Printf("Stage: %s\n", cp.Stage)
	fmt.Printf("Created: %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Idea: %s\n", firstLine(cp.Idea.Description))
	if cp.Spec != nil && cp.Spec.Name != "" {
		fmt.Printf("Spec: %s\n", cp.Spec.Name)
	}
	if cp.ProjectPath != "" {
		fmt.Printf("Project Path: %s\n", cp.ProjectPath)
	}
	if cp.Branch != "" {
		fmt.Printf("Branch: %s\n", cp.Branch)
	}
	if len(cp.CompletedStages) > 0 {
		fmt.Printf("Completed Stages: %s\n", strings.Join(cp.CompletedStages, ", "))
	}
	fmt.Printf("Runs: %d\n", len(cp.Runs))

	return nil
}

func runCheckpointsDelete(cmd *cobra.Command, args []string) error {
	id := args[0]

	m, logger, err := newManager()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	removed, err := m.Delete(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if !removed {
		return fmt.Errorf("checkpoint %q not found", id)
	}

	fmt.Printf("Deleted checkpoint %s\n", id)
	return nil
}

func runCheckpointsPrune(cmd *cobra.Command, args []string) error {
	m, logger, err := newManager()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	keep := m.Keep()
	if cmd.Flags().Changed("keep") {
		keep = cpKeep
	}

	removed, err := m.Prune(context.Background(), keep)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}

	fmt.Printf("Removed %d checkpoint(s), keeping the newest %d\n", removed, keep)
	return nil
}

func runCheckpointsClear(cmd *cobra.Command, args []string) error {
	m, logger, err := newManager()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	if err := m.Clear(context.Background()); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}

	fmt.Printf("Cleared all checkpoints for project %s\n", m.Project())
	return nil
}

func runCheckpointsWatch(cmd *cobra.Command, args []string) error {
	m, logger, err := newManager()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	// The directory must exist before a watcher can attach; a project that
	// has never saved will not have one yet.
	if err := os.MkdirAll(m.Dir(), 0o700); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.Dir(), err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	fmt.Fprintf(os.Stderr, "Watching %s for new checkpoints (ctrl-c to stop)\n", m.Dir())
	return watchSaves(ctx, m, watcher)
}

// watchSaves prints one line per completed save until ctx is cancelled.
// Records land via rename, so a Create event on a .json file is a whole
// checkpoint; rewrites of the latest pointer are skipped to avoid doubles.
func watchSaves(ctx context.Context, m *checkpoint.Manager, watcher *fsnotify.Watcher) error {
	logger := logging.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != fsnotify.Create {
				continue
			}
			name := filepath.Base(event.Name)
			if name == checkpoint.LatestFile || !strings.HasSuffix(name, ".json") {
				continue
			}
			cp, err := m.Load(ctx, strings.TrimSuffix(name, ".json"))
			if err != nil {
				logger.Warn("skipping unreadable save", zap.String("file", name), zap.Error(err))
				continue
			}
			fmt.Printf("%s  %s  stage=%s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.ID, cp.Stage)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		}
	}
}

// Helper functions

// newManager resolves configuration and builds the checkpoint manager for
// the --project flag.
func newManager() (*checkpoint.Manager, *zap.Logger, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}

	m, err := checkpoint.NewManager(cpProject, cfg.Pipeline.Checkpoint, logger)
	if err != nil {
		return nil, nil, err
	}
	return m, logger, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 80)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
