package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/pkg/agent"

var (
	// ErrAgentNotFound reports an Execute call naming an unregistered agent.
	ErrAgentNotFound = errors.New("agent not registered")

	// ErrDuplicateAgent reports a second registration under an existing name.
	// The first registration stays active.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentTimeout reports an execution cut off at its deadline.
	ErrAgentTimeout = errors.New("agent timed out")

	// ErrInvalidAgent reports a nil agent or an empty agent name.
	ErrInvalidAgent = errors.New("invalid agent")
)

// Runtime executes registered agents and keeps an ordered ledger of every
// run. Execute never returns an error value: a missing agent, an agent
// failure, a panic, and a blown deadline all surface as records.
//
// Runtime is safe for concurrent use; the pipeline drives it sequentially,
// so ledger order matches call order there.
type Runtime struct {
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	execCounter    metric.Int64Counter
	timeoutCounter metric.Int64Counter

	mu      sync.RWMutex
	agents  map[string]Agent
	history []ExecutionRecord
}

// NewRuntime creates an empty runtime. A nil logger is replaced with a no-op.
func NewRuntime(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runtime{
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		agents: make(map[string]Agent),
	}
	r.initMetrics()

	return r
}

func (r *Runtime) initMetrics() {
	var err error

	r.execCounter, err = r.meter.Int64Counter(
		"forge.agent.executions_total",
		metric.WithDescription("Total number of agent executions by status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		r.logger.Warn("failed to create execution counter", zap.Error(err))
	}

	r.timeoutCounter, err = r.meter.Int64Counter(
		"forge.agent.timeouts_total",
		metric.WithDescription("Total number of executions abandoned at their deadline"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		r.logger.Warn("failed to create timeout counter", zap.Error(err))
	}
}

// Register adds an agent under its name.
func (r *Runtime) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("%w: agent is nil", ErrInvalidAgent)
	}
	name := a.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAgent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q: %w", name, ErrDuplicateAgent)
	}
	r.agents[name] = a

	r.logger.Debug("agent registered", zap.String("agent", name))
	return nil
}

// Lookup returns the agent registered under name.
func (r *Runtime) Lookup(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names, sorted.
func (r *Runtime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type execResult struct {
	output any
	err    error
}

// Execute runs the named agent with the given deadline and appends exactly
// one record to the ledger. A timeout of zero or less means wait forever.
//
// When the deadline fires the worker goroutine is not joined: its context is
// cancelled and its eventual result is discarded into the buffered channel.
// The record then carries StatusTimedOut, an error naming the agent and the
// configured timeout, and DurationSeconds equal to that timeout.
func (r *Runtime) Execute(ctx context.Context, name string, input any, timeout time.Duration) ExecutionRecord {
	ctx, span := r.tracer.Start(ctx, "agent.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("agent", name),
		attribute.Float64("timeout_seconds", timeout.Seconds()),
	)

	rec := ExecutionRecord{
		ID:        uuid.New().String(),
		Agent:     name,
		Input:     snapshot(input),
		StartedAt: time.Now(),
	}

	a, ok := r.Lookup(name)
	if !ok {
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("agent %q: %v", name, ErrAgentNotFound)
		return r.finish(span, rec)
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// Size-1 buffer so an abandoned worker can always deliver and exit.
	results := make(chan execResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				results <- execResult{err: fmt.Errorf("agent %q panicked: %v", name, p)}
			}
		}()
		out, err := a.Execute(runCtx, input)
		results <- execResult{output: out, err: err}
	}()

	select {
	case res := <-results:
		rec.DurationSeconds = time.Since(start).Seconds()
		if res.err != nil {
			rec.Status = StatusFailed
			rec.Error = res.err.Error()
		} else {
			rec.Status = StatusSuccess
			rec.Output = snapshot(res.output)
		}

	case <-runCtx.Done():
		if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			rec.Status = StatusTimedOut
			rec.Error = fmt.Sprintf("agent %q did not finish within %s", name, timeout)
			rec.DurationSeconds = timeout.Seconds()
			if r.timeoutCounter != nil {
				r.timeoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", name)))
			}
			r.logger.Warn("agent execution abandoned at deadline",
				zap.String("agent", name),
				zap.Duration("timeout", timeout))
		} else {
			rec.Status = StatusFailed
			rec.Error = fmt.Sprintf("agent %q cancelled: %v", name, context.Cause(runCtx))
			rec.DurationSeconds = time.Since(start).Seconds()
		}
	}

	return r.finish(span, rec)
}

// finish stamps telemetry and appends the record to the ledger.
func (r *Runtime) finish(span trace.Span, rec ExecutionRecord) ExecutionRecord {
	span.SetAttributes(attribute.String("status", string(rec.Status)))
	if rec.Status != StatusSuccess {
		span.RecordError(errors.New(rec.Error))
		span.SetStatus(codes.Error, rec.Error)
	}
	if r.execCounter != nil {
		r.execCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("agent", rec.Agent),
			attribute.String("status", string(rec.Status)),
		))
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	r.mu.Unlock()

	r.logger.Debug("agent execution recorded",
		zap.String("agent", rec.Agent),
		zap.String("status", string(rec.Status)),
		zap.Float64("duration_seconds", rec.DurationSeconds))

	return rec
}

// History returns a copy of the ledger in execution order.
func (r *Runtime) History() []ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ExecutionRecord, len(r.history))
	copy(out, r.history)
	return out
}

// Restore replaces the ledger wholesale. Used when a run resumes from a
// checkpoint so history reflects the restored state.
func (r *Runtime) Restore(records []ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = make([]ExecutionRecord, len(records))
	copy(r.history, records)
}
