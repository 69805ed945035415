// Package pipeline drives a fixed sequence of agent-backed stages that turn
// a project idea into a written project tree. It distinguishes critical from
// best-effort stages, checkpoints progress after every critical success,
// turns failures into recovery options, and can resume a run from any saved
// checkpoint.
package pipeline
