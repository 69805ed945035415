package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/pkg/agent"
	"github.com/fyrsmithlabs/forge/pkg/blueprint"
	"github.com/fyrsmithlabs/forge/pkg/checkpoint"
)

func sampleIdea() blueprint.Idea {
	return blueprint.Idea{
		Description: "a note-taking CLI for field technicians",
		TargetUsers: "field technicians",
		Environment: "offline laptop",
		Features:    []string{"offline sync", "fast search"},
	}
}

func approveAllAgent() agent.Agent {
	return agent.NewFunc(AgentSafetyGuard, "approves every idea", func(_ context.Context, _ any) (any, error) {
		return blueprint.SafetyCheck{Approved: true}, nil
	})
}

func plannerAgent() agent.Agent {
	return agent.NewFunc(AgentPlanner, "plans a fixed project", func(_ context.Context, _ any) (any, error) {
		return blueprint.ProjectSpec{
			Name:       "Field Notes",
			TechStack:  []string{"go"},
			EntryPoint: "main.go",
		}, nil
	})
}

func architectAgent() agent.Agent {
	return agent.NewFunc(AgentArchitect, "adds folder structure", func(_ context.Context, input any) (any, error) {
		var in DesignInput
		if err := blueprint.As(input, &in); err != nil {
			return nil, err
		}
		in.Spec.FolderStructure = []string{"cmd", "docs"}
		return in.Spec, nil
	})
}

func advisorAgent() agent.Agent {
	return agent.NewFunc(AgentAdvisor, "offers fixed advice", func(_ context.Context, _ any) (any, error) {
		return blueprint.AdvisoryReport{
			Recommendations:    []string{"keep the CLI flags minimal"},
			EnvironmentFit:     "good",
			AccessibilityScore: 9,
		}, nil
	})
}

func implementerAgent(files blueprint.FileSet) agent.Agent {
	return agent.NewFunc(AgentImplementer, "emits fixed files", func(_ context.Context, _ any) (any, error) {
		return files, nil
	})
}

func testerAgent() agent.Agent {
	return agent.NewFunc(AgentTester, "emits a test file", func(_ context.Context, _ any) (any, error) {
		return blueprint.FileSet{{Path: "main_test.go", Content: "package main\n"}}, nil
	})
}

func docWriterAgent() agent.Agent {
	return agent.NewFunc(AgentDocWriter, "emits a readme", func(_ context.Context, _ any) (any, error) {
		return blueprint.FileSet{{Path: "README.md", Content: "# Field Notes\n"}}, nil
	})
}

// happyAgents covers every stage that has no built-in implementation; the
// writer and git-ops agents come from the orchestrator itself.
func happyAgents() []agent.Agent {
	return []agent.Agent{
		approveAllAgent(),
		plannerAgent(),
		architectAgent(),
		advisorAgent(),
		implementerAgent(blueprint.FileSet{
			{Path: "main.go", Content: "package main\n"},
			{Path: "docs/usage.md", Content: "# Usage\n"},
		}),
		testerAgent(),
		docWriterAgent(),
	}
}

func registerAll(t *testing.T, rt *agent.Runtime, agents ...agent.Agent) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, rt.Register(a))
	}
}

func newTestOrchestrator(t *testing.T, rt *agent.Runtime, mutate func(*Config)) *Orchestrator {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ProjectsDir = t.TempDir()
	cfg.DefaultTimeout = 5 * time.Second
	cfg.Checkpoint.BaseDir = t.TempDir()
	cfg.Write.StagingDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New("Field Notes CLI", rt, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}

func agentSequence(runs []agent.ExecutionRecord) []string {
	names := make([]string, len(runs))
	for i, rec := range runs {
		names[i] = rec.Agent
	}
	return names
}

func TestNew_Validation(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))

	_, err := New("demo", nil, DefaultConfig(), zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "runtime")

	_, err = New("!!!", rt, DefaultConfig(), zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "usable characters")
}

func TestNew_RegistersBuiltinAgents(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))

	newTestOrchestrator(t, rt, nil)

	_, ok := rt.Lookup(AgentWriter)
	assert.True(t, ok)
	_, ok = rt.Lookup(AgentGitOps)
	assert.True(t, ok)
}

func TestNew_KeepsEmbedderAgents(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt,
		agent.NewFunc(AgentWriter, "custom writer", func(_ context.Context, _ any) (any, error) {
			return WriteResult{}, nil
		}),
		agent.NewFunc(AgentGitOps, "custom git-ops", func(_ context.Context, _ any) (any, error) {
			return RepoResult{}, nil
		}),
	)

	newTestOrchestrator(t, rt, nil)

	got, ok := rt.Lookup(AgentWriter)
	require.True(t, ok)
	assert.Equal(t, "custom writer", got.Description())
	got, ok = rt.Lookup(AgentGitOps)
	require.True(t, ok)
	assert.Equal(t, "custom git-ops", got.Description())
}

func TestRunPipeline_FullSequence(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt, happyAgents()...)
	o := newTestOrchestrator(t, rt, nil)

	result := o.RunPipeline(context.Background(), sampleIdea())

	require.True(t, result.Success, "pipeline failed: %s", result.Error)
	assert.Empty(t, result.Error)
	assert.Nil(t, result.Recovery)
	assert.Greater(t, result.DurationSeconds, 0.0)

	assert.Equal(t, []string{
		AgentSafetyGuard, AgentPlanner, AgentArchitect, AgentAdvisor,
		AgentImplementer, AgentWriter, AgentTester, AgentDocWriter, AgentGitOps,
	}, agentSequence(result.Runs))

	require.NotNil(t, result.Spec)
	assert.Equal(t, "Field Notes", result.Spec.Name)
	assert.Equal(t, []string{"cmd", "docs"}, result.Spec.FolderStructure)
	require.NotNil(t, result.Safety)
	assert.True(t, result.Safety.Approved)
	require.NotNil(t, result.Advisory)
	assert.Equal(t, 9, result.Advisory.AccessibilityScore)

	for path, want := range map[string]string{
		"main.go":       "package main\n",
		"docs/usage.md": "# Usage\n",
		"main_test.go":  "package main\n",
		"README.md":     "# Field Notes\n",
	} {
		data, err := os.ReadFile(filepath.Join(result.ProjectPath, path))
		require.NoError(t, err, path)
		assert.Equal(t, want, string(data), path)
	}

	// The built-in git-ops agent committed the tree.
	var repoRes RepoResult
	require.NoError(t, blueprint.As(result.Runs[8].Output, &repoRes))
	assert.True(t, repoRes.Initialized)
	assert.NotEmpty(t, repoRes.Commit)
	assert.Equal(t, "main", repoRes.Branch)
	info, err := os.Stat(filepath.Join(result.ProjectPath, ".git"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	st := o.Status()
	assert.False(t, st.Running)
	assert.Equal(t, o.StageNames(), st.CompletedStages)
	assert.Equal(t, 9, st.RunCounts[agent.StatusSuccess])
	assert.NotEmpty(t, st.LastCheckpointID)

	// One checkpoint per critical stage.
	records, err := o.Checkpoints().List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestRunPipeline_RejectsEmptyIdea(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	o := newTestOrchestrator(t, rt, nil)

	result := o.RunPipeline(context.Background(), blueprint.Idea{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "description")
	assert.Empty(t, result.Runs)
}

func TestRunPipeline_SingleCustomStage(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt, agent.NewFunc("echo", "echoes its input", func(_ context.Context, input any) (any, error) {
		return input, nil
	}))

	cfg := DefaultConfig()
	cfg.ProjectsDir = t.TempDir()
	cfg.Checkpoint.BaseDir = t.TempDir()
	cfg.Write.StagingDir = t.TempDir()

	o, err := New("echo only", rt, cfg, zaptest.NewLogger(t), WithStages([]Stage{{
		Name:  "echo",
		Agent: "echo",
		Input: func(s *State) (any, error) { return s.Idea, nil },
	}}))
	require.NoError(t, err)

	idea := sampleIdea()
	result := o.RunPipeline(context.Background(), idea)

	require.True(t, result.Success, result.Error)
	require.Len(t, result.Runs, 1)
	assert.Equal(t, "echo", result.Runs[0].Agent)

	var echoed blueprint.Idea
	require.NoError(t, blueprint.As(result.Runs[0].Output, &echoed))
	assert.Equal(t, idea, echoed)

	assert.Equal(t, []string{"echo"}, o.Status().CompletedStages)
}

func TestRunPipeline_CriticalFailureReportsRecovery(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt,
		approveAllAgent(),
		agent.NewFunc(AgentPlanner, "always fails", func(_ context.Context, _ any) (any, error) {
			return nil, errors.New("no plan today")
		}),
	)
	o := newTestOrchestrator(t, rt, nil)

	result := o.RunPipeline(context.Background(), sampleIdea())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "stage plan (agent planner) failed")
	assert.Contains(t, result.Error, "no plan today")

	// Later stages never ran.
	assert.Equal(t, []string{AgentSafetyGuard, AgentPlanner}, agentSequence(result.Runs))
	assert.Equal(t, []string{StageSafetyCheck}, o.Status().CompletedStages)

	require.NotNil(t, result.Recovery)
	info := result.Recovery
	assert.Equal(t, StagePlan, info.FailedStage)
	assert.Equal(t, AgentPlanner, info.FailedAgent)
	assert.Contains(t, info.Reason, "no plan today")
	assert.True(t, info.HasCheckpoint)
	assert.True(t, strings.HasPrefix(info.CheckpointID, "safety-check_"), info.CheckpointID)
	assert.Equal(t, []RecoveryOption{RecoveryResume, RecoveryRetry, RecoverySkip, RecoveryAbort}, info.Options)
}

func TestRunPipeline_SafetyRejectionStopsRun(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt, agent.NewFunc(AgentSafetyGuard, "rejects everything", func(_ context.Context, _ any) (any, error) {
		return blueprint.SafetyCheck{
			Approved: false,
			Warnings: []string{"asks for credential harvesting"},
		}, nil
	}))
	o := newTestOrchestrator(t, rt, nil)

	result := o.RunPipeline(context.Background(), sampleIdea())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "rejected by safety review")
	assert.Contains(t, result.Error, "credential harvesting")

	// The agent itself succeeded; the rejection is a verdict, not a crash.
	require.Len(t, result.Runs, 1)
	assert.Equal(t, agent.StatusSuccess, result.Runs[0].Status)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, StageSafetyCheck, result.Recovery.FailedStage)
	assert.Empty(t, o.Status().CompletedStages)
}

func TestRunPipeline_BestEffortFailureContinues(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt,
		approveAllAgent(),
		plannerAgent(),
		architectAgent(),
		advisorAgent(),
		implementerAgent(blueprint.FileSet{{Path: "main.go", Content: "package main\n"}}),
		agent.NewFunc(AgentTester, "always fails", func(_ context.Context, _ any) (any, error) {
			return nil, errors.New("coverage tool crashed")
		}),
		docWriterAgent(),
	)
	o := newTestOrchestrator(t, rt, nil)

	result := o.RunPipeline(context.Background(), sampleIdea())

	require.True(t, result.Success, result.Error)

	var testerRec *agent.ExecutionRecord
	for i := range result.Runs {
		if result.Runs[i].Agent == AgentTester {
			testerRec = &result.Runs[i]
		}
	}
	require.NotNil(t, testerRec)
	assert.Equal(t, agent.StatusFailed, testerRec.Status)

	completed := o.Status().CompletedStages
	assert.NotContains(t, completed, StageGenerateTests)
	assert.Contains(t, completed, StageGenerateDocs)
	assert.Contains(t, completed, StageInitRepo)

	// The doc writer still ran and its file landed.
	data, err := os.ReadFile(filepath.Join(result.ProjectPath, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Field Notes\n", string(data))

	_, err = os.Stat(filepath.Join(result.ProjectPath, "main_test.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunPipeline_StageTimeout(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt,
		approveAllAgent(),
		plannerAgent(),
		architectAgent(),
		advisorAgent(),
		agent.NewFunc(AgentImplementer, "sleeps past the deadline", func(ctx context.Context, _ any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return blueprint.FileSet{{Path: "late.go", Content: "//"}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	)
	o := newTestOrchestrator(t, rt, func(cfg *Config) {
		cfg.StageTimeouts = map[string]time.Duration{StageGenerateCode: 50 * time.Millisecond}
	})

	started := time.Now()
	result := o.RunPipeline(context.Background(), sampleIdea())

	assert.Less(t, time.Since(started), 2*time.Second, "run must not wait out the sleeping agent")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "did not finish within")

	last := result.Runs[len(result.Runs)-1]
	assert.Equal(t, agent.StatusTimedOut, last.Status)
	assert.Equal(t, 0.05, last.DurationSeconds)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, AgentImplementer, result.Recovery.FailedAgent)
}

func TestRunPipeline_PanicInStageApply(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt, agent.NewFunc("echo", "echoes", func(_ context.Context, input any) (any, error) {
		return input, nil
	}))

	cfg := DefaultConfig()
	cfg.ProjectsDir = t.TempDir()
	cfg.Checkpoint.BaseDir = t.TempDir()
	cfg.Write.StagingDir = t.TempDir()

	o, err := New("panicky", rt, cfg, zaptest.NewLogger(t), WithStages([]Stage{{
		Name:     "explode",
		Agent:    "echo",
		Critical: true,
		Input:    func(s *State) (any, error) { return s.Idea, nil },
		Apply: func(_ context.Context, _ *State, _ agent.ExecutionRecord) error {
			panic("kaboom")
		},
	}}))
	require.NoError(t, err)

	result := o.RunPipeline(context.Background(), sampleIdea())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "pipeline panicked")
	assert.Contains(t, result.Error, "kaboom")
	assert.False(t, o.Status().Running)
}

func TestRunPipeline_CheckpointsDisabled(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt,
		approveAllAgent(),
		agent.NewFunc(AgentPlanner, "always fails", func(_ context.Context, _ any) (any, error) {
			return nil, errors.New("no plan today")
		}),
	)

	var checkpointDir string
	o := newTestOrchestrator(t, rt, func(cfg *Config) {
		cfg.EnableCheckpoints = false
		checkpointDir = cfg.Checkpoint.BaseDir
	})

	result := o.RunPipeline(context.Background(), sampleIdea())

	assert.False(t, result.Success)
	require.NotNil(t, result.Recovery)
	assert.False(t, result.Recovery.HasCheckpoint)
	assert.Empty(t, result.Recovery.CheckpointID)
	assert.Equal(t, []RecoveryOption{RecoveryRetry, RecoverySkip, RecoveryAbort}, result.Recovery.Options)

	entries, err := os.ReadDir(checkpointDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, o.Status().LastCheckpointID)
}

func TestRunPipeline_AdvisoryDisabled(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt, happyAgents()...)
	o := newTestOrchestrator(t, rt, func(cfg *Config) {
		cfg.EnableAdvisory = false
	})

	assert.NotContains(t, o.StageNames(), StageAdvise)

	result := o.RunPipeline(context.Background(), sampleIdea())

	require.True(t, result.Success, result.Error)
	assert.Nil(t, result.Advisory)
	assert.NotContains(t, agentSequence(result.Runs), AgentAdvisor)
}

func TestRunPipeline_SecondCallWhileRunning(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	release := make(chan struct{})
	registerAll(t, rt, agent.NewFunc(AgentSafetyGuard, "waits for the test", func(ctx context.Context, _ any) (any, error) {
		select {
		case <-release:
			return blueprint.SafetyCheck{Approved: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	o := newTestOrchestrator(t, rt, nil)

	results := make(chan *ProjectResult, 1)
	go func() {
		results <- o.RunPipeline(context.Background(), sampleIdea())
	}()

	require.Eventually(t, func() bool {
		return o.Status().Running
	}, time.Second, 5*time.Millisecond)

	second := o.RunPipeline(context.Background(), sampleIdea())
	assert.False(t, second.Success)
	assert.Contains(t, second.Error, "already in progress")
	assert.Empty(t, second.Runs)

	close(release)
	first := <-results

	// The first run proceeds past safety-check and fails later on the
	// missing planner; the point is it was never disturbed.
	assert.False(t, first.Success)
	assert.Contains(t, first.Error, "planner")
}

func TestRunPipeline_ReusedRuntimeKeepsRunsSeparate(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt, happyAgents()...)
	o := newTestOrchestrator(t, rt, nil)

	first := o.RunPipeline(context.Background(), sampleIdea())
	require.True(t, first.Success, first.Error)

	second := o.RunPipeline(context.Background(), sampleIdea())
	require.True(t, second.Success, second.Error)

	assert.Len(t, first.Runs, 9)
	assert.Len(t, second.Runs, 9)
	assert.Len(t, rt.History(), 18)
}

func TestResumeFromCheckpoint_ContinuesAfterFailure(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))

	calls := 0
	flaky := agent.NewFunc(AgentImplementer, "fails once, then works", func(_ context.Context, _ any) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("model overloaded")
		}
		return blueprint.FileSet{{Path: "main.go", Content: "package main\n"}}, nil
	})

	registerAll(t, rt,
		approveAllAgent(),
		plannerAgent(),
		architectAgent(),
		advisorAgent(),
		flaky,
		testerAgent(),
		docWriterAgent(),
	)
	o := newTestOrchestrator(t, rt, nil)

	first := o.RunPipeline(context.Background(), sampleIdea())
	require.False(t, first.Success)
	require.NotNil(t, first.Recovery)
	require.True(t, first.Recovery.HasCheckpoint)

	// The failure checkpoint is marked with the last completed stage, so
	// resuming re-runs the stage that failed.
	assert.True(t, strings.HasPrefix(first.Recovery.CheckpointID, "advise_"), first.Recovery.CheckpointID)
	assert.Contains(t, first.Recovery.Options, RecoveryResume)

	resumed, err := o.ResumeFromCheckpoint(context.Background(), "")
	require.NoError(t, err)
	require.True(t, resumed.Success, resumed.Error)

	// Restored ledger (5 runs, one failed) plus the resumed tail.
	assert.Len(t, resumed.Runs, 10)

	plannerRuns := 0
	for _, rec := range resumed.Runs {
		if rec.Agent == AgentPlanner {
			plannerRuns++
		}
	}
	assert.Equal(t, 1, plannerRuns, "resume must not re-run completed stages")

	data, err := os.ReadFile(filepath.Join(resumed.ProjectPath, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	assert.Len(t, o.Status().CompletedStages, 9)
}

func TestResumeFromCheckpoint_NoCheckpoints(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	o := newTestOrchestrator(t, rt, nil)

	_, err := o.ResumeFromCheckpoint(context.Background(), "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestResumeFromCheckpoint_Disabled(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	o := newTestOrchestrator(t, rt, func(cfg *Config) {
		cfg.EnableCheckpoints = false
	})

	_, err := o.ResumeFromCheckpoint(context.Background(), "")
	assert.ErrorContains(t, err, "disabled")
}

func TestRunPipeline_Cancellation(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	registerAll(t, rt, happyAgents()...)
	o := newTestOrchestrator(t, rt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := o.RunPipeline(ctx, sampleIdea())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "cancelled")
	require.NotNil(t, result.Recovery)
	assert.Equal(t, StageSafetyCheck, result.Recovery.FailedStage)
}

func TestStatus_BeforeAnyRun(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	o := newTestOrchestrator(t, rt, nil)

	st := o.Status()
	assert.Equal(t, "field-notes-cli", st.Project)
	assert.False(t, st.Running)
	assert.Empty(t, st.CurrentStage)
	assert.Empty(t, st.CompletedStages)
	assert.Nil(t, st.RunCounts)
	assert.True(t, st.StartedAt.IsZero())
	assert.Zero(t, st.CheckpointFailures)
}

func TestHandleFailure_WrapsAgentError(t *testing.T) {
	rt := agent.NewRuntime(zaptest.NewLogger(t))
	o := newTestOrchestrator(t, rt, nil)

	sfe := &StageFailedError{
		Stage:    StagePlan,
		Agent:    AgentPlanner,
		Critical: true,
		Err:      fmt.Errorf("agent %q: %w", AgentPlanner, agent.ErrAgentNotFound),
	}

	info := o.HandleFailure(context.Background(), StagePlan, sfe)
	assert.Equal(t, StagePlan, info.FailedStage)
	assert.Equal(t, AgentPlanner, info.FailedAgent)
	assert.Contains(t, info.Reason, "not registered")
	assert.False(t, info.HasCheckpoint)
	assert.Equal(t, []RecoveryOption{RecoveryRetry, RecoverySkip, RecoveryAbort}, info.Options)
}
