package pipeline

import (
	"time"

	"github.com/fyrsmithlabs/forge/pkg/agent"
	"github.com/fyrsmithlabs/forge/pkg/blueprint"
	"github.com/fyrsmithlabs/forge/pkg/checkpoint"
	"github.com/fyrsmithlabs/forge/pkg/txn"
)

// Config controls pipeline behavior.
type Config struct {
	// ProjectsDir is the directory project trees are created under.
	ProjectsDir string `koanf:"projects_dir"`

	// DefaultTimeout bounds agent executions with no per-stage override.
	// Zero or negative means wait indefinitely.
	DefaultTimeout time.Duration `koanf:"default_timeout"`

	// StageTimeouts overrides DefaultTimeout for individual stages, keyed
	// by stage name.
	StageTimeouts map[string]time.Duration `koanf:"stage_timeouts"`

	// EnableAdvisory includes the advise stage in the default sequence.
	EnableAdvisory bool `koanf:"enable_advisory"`

	// EnableRepoInit includes the init-repo stage in the default sequence.
	EnableRepoInit bool `koanf:"enable_repo_init"`

	// EnableCheckpoints persists a checkpoint after each critical stage.
	EnableCheckpoints bool `koanf:"enable_checkpoints"`

	Checkpoint checkpoint.Config `koanf:"checkpoint"`
	Write      txn.Config        `koanf:"write"`
}

// DefaultConfig returns the pipeline defaults: five minute agent timeout,
// short leash for the safety check, two minutes for generation stages, and
// all optional stages enabled.
func DefaultConfig() Config {
	return Config{
		ProjectsDir:    "./projects",
		DefaultTimeout: 5 * time.Minute,
		StageTimeouts: map[string]time.Duration{
			StageSafetyCheck:   30 * time.Second,
			StagePlan:          2 * time.Minute,
			StageDesign:        2 * time.Minute,
			StageAdvise:        2 * time.Minute,
			StageGenerateCode:  2 * time.Minute,
			StageGenerateTests: 2 * time.Minute,
			StageGenerateDocs:  2 * time.Minute,
		},
		EnableAdvisory:    true,
		EnableRepoInit:    true,
		EnableCheckpoints: true,
		Checkpoint:        checkpoint.DefaultConfig(),
		Write:             txn.DefaultConfig(),
	}
}

// State is the evolving context a run threads through its stages. Stage
// input builders read it and appliers fold agent output back into it.
type State struct {
	Idea        blueprint.Idea
	Spec        *blueprint.ProjectSpec
	Safety      *blueprint.SafetyCheck
	Advisory    *blueprint.AdvisoryReport
	ProjectPath string

	// Pending holds generated files that have not been written yet.
	Pending blueprint.FileSet

	// Written maps project-relative paths to the content read back from
	// disk after a write.
	Written map[string]string

	// Completed lists the names of stages that finished successfully, in
	// order.
	Completed []string
}

// completed reports whether the named stage already finished.
func (s *State) completed(stage string) bool {
	for _, name := range s.Completed {
		if name == stage {
			return true
		}
	}
	return false
}

// ProjectResult is the final outcome of a pipeline run.
type ProjectResult struct {
	Success         bool                      `json:"success"`
	ProjectPath     string                    `json:"project_path,omitempty"`
	Spec            *blueprint.ProjectSpec    `json:"spec,omitempty"`
	Safety          *blueprint.SafetyCheck    `json:"safety,omitempty"`
	Advisory        *blueprint.AdvisoryReport `json:"advisory,omitempty"`
	Error           string                    `json:"error,omitempty"`
	Recovery        *RecoveryInfo             `json:"recovery,omitempty"`
	DurationSeconds float64                   `json:"duration_seconds"`
	Runs            []agent.ExecutionRecord   `json:"runs,omitempty"`
}

// Status is a point-in-time diagnostic snapshot of the orchestrator.
type Status struct {
	Project            string               `json:"project"`
	Running            bool                 `json:"running"`
	CurrentStage       string               `json:"current_stage,omitempty"`
	CompletedStages    []string             `json:"completed_stages,omitempty"`
	RunCounts          map[agent.Status]int `json:"run_counts,omitempty"`
	LastCheckpointID   string               `json:"last_checkpoint_id,omitempty"`
	CheckpointFailures int                  `json:"checkpoint_failures"`
	StartedAt          time.Time            `json:"started_at,omitzero"`
}

// DesignInput is what the architect receives: the original idea plus the
// planner's spec.
type DesignInput struct {
	Idea blueprint.Idea        `json:"idea"`
	Spec blueprint.ProjectSpec `json:"spec"`
}

// AdviseInput is what the advisor receives.
type AdviseInput struct {
	Idea blueprint.Idea        `json:"idea"`
	Spec blueprint.ProjectSpec `json:"spec"`
}

// GenerateInput is what the implementer receives. The implementer is
// expected to return a JSON array of {path, content} objects.
type GenerateInput struct {
	Spec     blueprint.ProjectSpec     `json:"spec"`
	Advisory *blueprint.AdvisoryReport `json:"advisory,omitempty"`
}

// WriteRequest is the writer agent's input: files to place under Root.
type WriteRequest struct {
	Root  string            `json:"root"`
	Files blueprint.FileSet `json:"files"`
	Mode  txn.Mode          `json:"mode,omitempty"`
}

// WriteResult is the writer agent's output.
type WriteResult struct {
	Root    string   `json:"root"`
	Mode    txn.Mode `json:"mode"`
	Written []string `json:"written"`
}

// TestInput is what the tester receives: the spec plus the files actually
// on disk. The tester may return a file set of additional test files, or an
// arbitrary report; both are accepted.
type TestInput struct {
	Spec  blueprint.ProjectSpec `json:"spec"`
	Files map[string]string     `json:"files,omitempty"`
}

// DocInput is what the doc writer receives.
type DocInput struct {
	Idea  blueprint.Idea        `json:"idea"`
	Spec  blueprint.ProjectSpec `json:"spec"`
	Files map[string]string     `json:"files,omitempty"`
}

// RepoInput is what the git-ops agent receives. An empty Message lets the
// agent pick its default.
type RepoInput struct {
	Root    string `json:"root"`
	Message string `json:"message,omitempty"`
}

// RepoResult is the built-in git-ops agent's output. Initialized is false
// when the project root was already a repository, and Commit is empty when
// the tree had nothing new to commit.
type RepoResult struct {
	Root        string `json:"root"`
	Initialized bool   `json:"initialized"`
	Branch      string `json:"branch,omitempty"`
	Commit      string `json:"commit,omitempty"`
}
