// Package agent defines the uniform contract between the pipeline and its
// collaborating agents, and the runtime that executes them with per-call
// deadlines and an ordered run ledger.
package agent

import "context"

// Agent is an opaque collaborator. Implementations own their content
// (planning, code generation, documentation); the runtime neither inspects
// nor constrains what Execute returns beyond requiring that it JSON-encodes.
//
// The context carries the stage deadline. Cancellation-aware agents may stop
// early when it fires; the runtime never waits past the deadline either way.
type Agent interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input any) (any, error)
}

// funcAgent adapts a plain function to the Agent interface.
type funcAgent struct {
	name string
	desc string
	fn   func(ctx context.Context, input any) (any, error)
}

// NewFunc wraps fn as an Agent. Useful for tests and small embedders.
func NewFunc(name, description string, fn func(ctx context.Context, input any) (any, error)) Agent {
	return funcAgent{name: name, desc: description, fn: fn}
}

func (f funcAgent) Name() string        { return f.name }
func (f funcAgent) Description() string { return f.desc }

func (f funcAgent) Execute(ctx context.Context, input any) (any, error) {
	return f.fn(ctx, input)
}
