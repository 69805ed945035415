// Package checkpoint persists pipeline state snapshots as JSON files under a
// per-project directory, with a latest pointer, newest-first listing,
// pruning, and explicit not-found results for resume flows.
package checkpoint
