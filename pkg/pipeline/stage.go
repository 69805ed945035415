package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/pkg/agent"
	"github.com/fyrsmithlabs/forge/pkg/blueprint"
)

// Stage names, in default execution order.
const (
	StageSafetyCheck   = "safety-check"
	StagePlan          = "plan"
	StageDesign        = "design"
	StageAdvise        = "advise"
	StageGenerateCode  = "generate-code"
	StageWriteFiles    = "write-files"
	StageGenerateTests = "generate-tests"
	StageGenerateDocs  = "generate-docs"
	StageInitRepo      = "init-repo"
)

// Agent names the default stages dispatch to. AgentWriter and AgentGitOps
// have built-in implementations; the rest must be registered by the caller
// before the pipeline runs.
const (
	AgentSafetyGuard = "safety-guard"
	AgentPlanner     = "planner"
	AgentArchitect   = "architect"
	AgentAdvisor     = "advisor"
	AgentImplementer = "implementer"
	AgentWriter      = "writer"
	AgentTester      = "tester"
	AgentDocWriter   = "doc-writer"
	AgentGitOps      = "git-ops"
)

// Stage is one step of a pipeline: a named agent invocation with an input
// builder and an output applier.
type Stage struct {
	Name  string
	Agent string

	// Critical stages stop the pipeline when they fail. Non-critical
	// failures are logged and skipped.
	Critical bool

	// Timeout overrides the configured stage timeout when positive.
	Timeout time.Duration

	// Input builds the agent input from the current state.
	Input func(s *State) (any, error)

	// Apply folds a successful record's output back into the state.
	// Returning an error fails the stage even though the agent succeeded.
	Apply func(ctx context.Context, s *State, rec agent.ExecutionRecord) error
}

// defaultStages assembles the standard sequence. Stages disabled by
// configuration are omitted entirely.
func (o *Orchestrator) defaultStages() []Stage {
	stages := []Stage{
		{
			Name:     StageSafetyCheck,
			Agent:    AgentSafetyGuard,
			Critical: true,
			Input: func(s *State) (any, error) {
				return s.Idea, nil
			},
			Apply: func(_ context.Context, s *State, rec agent.ExecutionRecord) error {
				var check blueprint.SafetyCheck
				if err := blueprint.As(rec.Output, &check); err != nil {
					return fmt.Errorf("decode safety check: %w", err)
				}
				s.Safety = &check
				if !check.Approved {
					return rejectionError(&check)
				}
				if len(check.Warnings) > 0 {
					o.logger.Warn("idea approved with warnings",
						zap.Strings("warnings", check.Warnings))
				}
				return nil
			},
		},
		{
			Name:     StagePlan,
			Agent:    AgentPlanner,
			Critical: true,
			Input: func(s *State) (any, error) {
				return s.Idea, nil
			},
			Apply: func(_ context.Context, s *State, rec agent.ExecutionRecord) error {
				var spec blueprint.ProjectSpec
				if err := blueprint.As(rec.Output, &spec); err != nil {
					return fmt.Errorf("decode project spec: %w", err)
				}
				if spec.Name == "" && spec.EntryPoint == "" && len(spec.TechStack) == 0 {
					return errors.New("planner output does not look like a project spec")
				}
				if spec.Name == "" {
					spec.Name = o.project
				}
				s.Spec = &spec
				return nil
			},
		},
		{
			Name:     StageDesign,
			Agent:    AgentArchitect,
			Critical: true,
			Input: func(s *State) (any, error) {
				if s.Spec == nil {
					return nil, errors.New("no project spec to refine")
				}
				return DesignInput{Idea: s.Idea, Spec: *s.Spec}, nil
			},
			Apply: func(_ context.Context, s *State, rec agent.ExecutionRecord) error {
				var refined blueprint.ProjectSpec
				if err := blueprint.As(rec.Output, &refined); err != nil {
					return fmt.Errorf("decode refined spec: %w", err)
				}
				if refined.Name == "" {
					refined.Name = s.Spec.Name
				}
				s.Spec = &refined
				return nil
			},
		},
	}

	if o.cfg.EnableAdvisory {
		stages = append(stages, Stage{
			Name:  StageAdvise,
			Agent: AgentAdvisor,
			Input: func(s *State) (any, error) {
				if s.Spec == nil {
					return nil, errors.New("no project spec to review")
				}
				return AdviseInput{Idea: s.Idea, Spec: *s.Spec}, nil
			},
			Apply: func(_ context.Context, s *State, rec agent.ExecutionRecord) error {
				var report blueprint.AdvisoryReport
				if err := blueprint.As(rec.Output, &report); err != nil {
					return fmt.Errorf("decode advisory report: %w", err)
				}
				s.Advisory = &report
				return nil
			},
		})
	}

	stages = append(stages,
		Stage{
			Name:     StageGenerateCode,
			Agent:    AgentImplementer,
			Critical: true,
			Input: func(s *State) (any, error) {
				if s.Spec == nil {
					return nil, errors.New("no project spec to implement")
				}
				return GenerateInput{Spec: *s.Spec, Advisory: s.Advisory}, nil
			},
			Apply: func(_ context.Context, s *State, rec agent.ExecutionRecord) error {
				var files blueprint.FileSet
				if err := blueprint.As(rec.Output, &files); err != nil {
					return fmt.Errorf("decode generated files: %w", err)
				}
				if len(files) == 0 {
					return errors.New("implementer produced no files")
				}
				s.Pending = files
				return nil
			},
		},
		Stage{
			Name:     StageWriteFiles,
			Agent:    AgentWriter,
			Critical: true,
			Input: func(s *State) (any, error) {
				if len(s.Pending) == 0 {
					return nil, errors.New("no generated files to write")
				}
				return WriteRequest{Root: s.ProjectPath, Files: s.Pending}, nil
			},
			Apply: func(_ context.Context, s *State, rec agent.ExecutionRecord) error {
				var result WriteResult
				if err := blueprint.As(rec.Output, &result); err != nil {
					return fmt.Errorf("decode write result: %w", err)
				}
				s.Written = o.readBack(s.ProjectPath, result.Written)
				s.Pending = nil
				return nil
			},
		},
		Stage{
			Name:  StageGenerateTests,
			Agent: AgentTester,
			Input: func(s *State) (any, error) {
				if s.Spec == nil {
					return nil, errors.New("no project spec to test against")
				}
				return TestInput{Spec: *s.Spec, Files: s.Written}, nil
			},
			Apply: o.applyExtraFiles,
		},
		Stage{
			Name:  StageGenerateDocs,
			Agent: AgentDocWriter,
			Input: func(s *State) (any, error) {
				if s.Spec == nil {
					return nil, errors.New("no project spec to document")
				}
				return DocInput{Idea: s.Idea, Spec: *s.Spec, Files: s.Written}, nil
			},
			Apply: o.applyExtraFiles,
		},
	)

	if o.cfg.EnableRepoInit {
		stages = append(stages, Stage{
			Name:  StageInitRepo,
			Agent: AgentGitOps,
			Input: func(s *State) (any, error) {
				return RepoInput{Root: s.ProjectPath}, nil
			},
			// The repo result stays in the execution record.
			Apply: nil,
		})
	}

	return stages
}

// applyExtraFiles handles stages whose agents may return additional files.
// Output that is not a file set is treated as an informational report and
// left in the execution record.
func (o *Orchestrator) applyExtraFiles(ctx context.Context, s *State, rec agent.ExecutionRecord) error {
	var files blueprint.FileSet
	if err := blueprint.As(rec.Output, &files); err != nil || len(files) == 0 {
		return nil
	}
	written, err := o.writer.writeSet(ctx, s.ProjectPath, files, "")
	if err != nil {
		return fmt.Errorf("write %s output: %w", rec.Agent, err)
	}
	if s.Written == nil {
		s.Written = make(map[string]string, len(written))
	}
	for path, content := range o.readBack(s.ProjectPath, written) {
		s.Written[path] = content
	}
	return nil
}

// rejectionError turns a disapproving safety check into a stage error that
// carries the reviewer's reasons.
func rejectionError(check *blueprint.SafetyCheck) error {
	reasons := make([]string, 0, len(check.Warnings)+len(check.BlockedKeywords))
	reasons = append(reasons, check.Warnings...)
	for _, kw := range check.BlockedKeywords {
		reasons = append(reasons, "blocked keyword: "+kw)
	}
	if len(reasons) == 0 {
		return errors.New("idea rejected by safety review")
	}
	return fmt.Errorf("idea rejected by safety review: %s", strings.Join(reasons, "; "))
}
