package pipeline

import "fmt"

// StageFailedError reports a stage that did not complete, either because the
// agent run failed or because its output could not be applied.
type StageFailedError struct {
	Stage    string
	Agent    string
	Critical bool
	Err      error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s (agent %s) failed: %v", e.Stage, e.Agent, e.Err)
}

func (e *StageFailedError) Unwrap() error { return e.Err }

// RecoveryOption is an action the caller can take after a critical failure.
// The orchestrator only reports options; it never retries on its own.
type RecoveryOption string

const (
	// RecoveryResume re-runs the pipeline from the latest checkpoint.
	RecoveryResume RecoveryOption = "resume-from-checkpoint"
	// RecoveryRetry re-runs the pipeline from the start.
	RecoveryRetry RecoveryOption = "retry"
	// RecoverySkip moves past the failed stage. Skipping a critical stage
	// usually leaves later stages without their inputs.
	RecoverySkip RecoveryOption = "skip"
	// RecoveryAbort gives up on the run.
	RecoveryAbort RecoveryOption = "abort"
)

// RecoveryInfo describes a stage failure and what the caller can do next.
type RecoveryInfo struct {
	FailedStage   string           `json:"failed_stage"`
	FailedAgent   string           `json:"failed_agent,omitempty"`
	Reason        string           `json:"reason"`
	HasCheckpoint bool             `json:"has_checkpoint"`
	CheckpointID  string           `json:"checkpoint_id,omitempty"`
	Options       []RecoveryOption `json:"options"`
}
