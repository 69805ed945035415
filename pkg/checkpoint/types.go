package checkpoint

import (
	"time"

	"github.com/fyrsmithlabs/forge/pkg/agent"
	"github.com/fyrsmithlabs/forge/pkg/blueprint"
)

// Checkpoint is a full snapshot of pipeline state after a completed stage,
// sufficient to resume the run from the following stage. Runs carries the
// entire execution ledger up to the snapshot.
type Checkpoint struct {
	ID              string                    `json:"id"`
	Stage           string                    `json:"stage"`
	Idea            blueprint.Idea            `json:"idea"`
	Spec            *blueprint.ProjectSpec    `json:"spec,omitempty"`
	Safety          *blueprint.SafetyCheck    `json:"safety,omitempty"`
	Advisory        *blueprint.AdvisoryReport `json:"advisory,omitempty"`
	CompletedStages []string                  `json:"completed_stages,omitempty"`
	Runs            []agent.ExecutionRecord   `json:"runs,omitempty"`
	ProjectPath     string                    `json:"project_path,omitempty"`
	Branch          string                    `json:"branch,omitempty"`
	Metadata        map[string]string         `json:"metadata,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// Config configures a Manager.
type Config struct {
	// BaseDir is the root under which each project gets its own directory.
	BaseDir string `koanf:"base_dir"`

	// Keep bounds how many records Prune retains by default.
	Keep int `koanf:"keep"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDir: "./checkpoints",
		Keep:    10,
	}
}
