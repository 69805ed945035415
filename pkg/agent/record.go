package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status classifies how an execution ended.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
)

// ExecutionRecord is one entry in the runtime's ledger. Input and Output are
// JSON snapshots taken at call time, so later mutation of caller values
// cannot alter history.
//
// For timed-out executions DurationSeconds holds the configured timeout, not
// the wall clock: the worker was abandoned at the deadline and its true
// runtime is unknown.
type ExecutionRecord struct {
	ID              string          `json:"id"`
	Agent           string          `json:"agent"`
	Status          Status          `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// Err reconstructs an error value from the record; nil for success.
// Timed-out records unwrap to ErrAgentTimeout.
func (r ExecutionRecord) Err() error {
	switch r.Status {
	case StatusSuccess, "":
		return nil
	case StatusTimedOut:
		return fmt.Errorf("%s: %w", r.Error, ErrAgentTimeout)
	default:
		return errors.New(r.Error)
	}
}

// snapshot captures v as JSON. Values that refuse to encode degrade to a
// quoted string of their Go representation rather than poisoning the record.
func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		out := make(json.RawMessage, len(raw))
		copy(out, raw)
		return out
	}
	b, err := json.Marshal(v)
	if err != nil {
		quoted, _ := json.Marshal(fmt.Sprintf("%v", v))
		return quoted
	}
	return b
}
