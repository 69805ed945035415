package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/pkg/agent"
	"github.com/fyrsmithlabs/forge/pkg/blueprint"
	"github.com/fyrsmithlabs/forge/pkg/pipeline"
)

// testIdea is the project every integration scenario builds.
func testIdea() blueprint.Idea {
	return blueprint.Idea{
		Description: "an expense tracker CLI for freelancers",
		TargetUsers: "freelancers invoicing a handful of clients",
		Environment: "terminal",
		Features:    []string{"log expenses", "monthly summaries"},
		Constraints: []string{"single binary", "no network access"},
	}
}

// projectFiles is the tree the stub implementer emits.
func projectFiles() blueprint.FileSet {
	return blueprint.FileSet{
		{Path: "main.go", Content: "package main\n\nfunc main() {}\n"},
		{Path: "expense.go", Content: "package main\n\ntype Expense struct {\n\tAmount int\n\tNote   string\n}\n"},
	}
}

// newTestConfig roots every pipeline directory in temp space.
func newTestConfig(t *testing.T) pipeline.Config {
	t.Helper()

	cfg := pipeline.DefaultConfig()
	cfg.ProjectsDir = t.TempDir()
	cfg.DefaultTimeout = 10 * time.Second
	cfg.Checkpoint.BaseDir = t.TempDir()
	cfg.Write.StagingDir = t.TempDir()
	return cfg
}

// newTestPipeline assembles a fresh runtime around the given implementer,
// stubbing every other role that has no built-in agent, and returns an
// orchestrator bound to cfg. Overrides are registered first and win over the
// default stubs. Reusing one cfg across calls simulates separate processes
// sharing the same stores.
func newTestPipeline(t *testing.T, cfg pipeline.Config, implementer agent.Agent, overrides ...agent.Agent) *pipeline.Orchestrator {
	t.Helper()

	rt := agent.NewRuntime(zaptest.NewLogger(t))
	for _, a := range overrides {
		require.NoError(t, rt.Register(a))
	}

	stubs := []agent.Agent{
		agent.NewFunc(pipeline.AgentSafetyGuard, "approves everything", func(_ context.Context, _ any) (any, error) {
			return blueprint.SafetyCheck{Approved: true}, nil
		}),
		agent.NewFunc(pipeline.AgentPlanner, "plans the expense tracker", func(_ context.Context, input any) (any, error) {
			var idea blueprint.Idea
			if err := blueprint.As(input, &idea); err != nil {
				return nil, err
			}
			return blueprint.ProjectSpec{
				Name:        "expense-tracker",
				Description: idea.Description,
				TechStack:   []string{"go"},
				EntryPoint:  "main.go",
			}, nil
		}),
		agent.NewFunc(pipeline.AgentArchitect, "refines the layout", func(_ context.Context, input any) (any, error) {
			var in pipeline.DesignInput
			if err := blueprint.As(input, &in); err != nil {
				return nil, err
			}
			in.Spec.FolderStructure = []string{"main.go", "expense.go"}
			return in.Spec, nil
		}),
		agent.NewFunc(pipeline.AgentAdvisor, "reviews the plan", func(_ context.Context, _ any) (any, error) {
			return blueprint.AdvisoryReport{EnvironmentFit: "good", AccessibilityScore: 8}, nil
		}),
		implementer,
		agent.NewFunc(pipeline.AgentTester, "emits a smoke test", func(_ context.Context, _ any) (any, error) {
			return blueprint.FileSet{{Path: "main_test.go", Content: "package main\n"}}, nil
		}),
		agent.NewFunc(pipeline.AgentDocWriter, "emits a readme", func(_ context.Context, _ any) (any, error) {
			return blueprint.FileSet{{Path: "README.md", Content: "# Expense Tracker\n"}}, nil
		}),
	}
	for _, a := range stubs {
		if _, ok := rt.Lookup(a.Name()); ok {
			continue
		}
		require.NoError(t, rt.Register(a))
	}

	orch, err := pipeline.New("expense-tracker", rt, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return orch
}

// steadyImplementer emits the same small project on every call.
func steadyImplementer() agent.Agent {
	return agent.NewFunc(pipeline.AgentImplementer, "emits the expense tracker", func(_ context.Context, _ any) (any, error) {
		return projectFiles(), nil
	})
}

// brittleImplementer fails its first n calls, then behaves like
// steadyImplementer.
func brittleImplementer(n int32) agent.Agent {
	var calls atomic.Int32
	return agent.NewFunc(pipeline.AgentImplementer, "fails then recovers", func(_ context.Context, _ any) (any, error) {
		if calls.Add(1) <= n {
			return nil, errors.New("model endpoint overloaded")
		}
		return projectFiles(), nil
	})
}

// rejectingGuard is a safety guard that blocks every idea over the given
// keyword.
func rejectingGuard(keyword string) agent.Agent {
	return agent.NewFunc(pipeline.AgentSafetyGuard, "blocks everything", func(_ context.Context, _ any) (any, error) {
		return blueprint.SafetyCheck{
			Approved:        false,
			BlockedKeywords: []string{keyword},
		}, nil
	})
}
