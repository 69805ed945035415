package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/pkg/agent"
	"github.com/fyrsmithlabs/forge/pkg/blueprint"
	"github.com/fyrsmithlabs/forge/pkg/checkpoint"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/pkg/pipeline"

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStages replaces the default stage sequence.
func WithStages(stages []Stage) Option {
	return func(o *Orchestrator) { o.stages = stages }
}

// Orchestrator runs the stage sequence for one project. It drives a single
// run at a time; Status may be called concurrently from other goroutines.
type Orchestrator struct {
	project string
	cfg     Config
	runtime *agent.Runtime
	store   *checkpoint.Manager
	writer  *writerAgent
	logger  *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	stageCounter metric.Int64Counter
	runCounter   metric.Int64Counter

	mu                 sync.Mutex
	running            bool
	stages             []Stage
	state              *State
	startedAt          time.Time
	currentStage       string
	runStart           int
	lastCheckpointID   string
	checkpointFailures int
}

// New creates an orchestrator for the named project. The project name is
// slugged and becomes both the checkpoint identity and the directory name
// under Config.ProjectsDir. The built-in writer and git-ops agents are
// registered unless the runtime already has agents under those names.
func New(project string, rt *agent.Runtime, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if rt == nil {
		return nil, errors.New("pipeline: runtime is required")
	}
	slug := blueprint.Slug(project)
	if slug == "" {
		return nil, fmt.Errorf("pipeline: project name %q has no usable characters", project)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultConfig()
	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = defaults.ProjectsDir
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}

	o := &Orchestrator{
		project: slug,
		cfg:     cfg,
		runtime: rt,
		writer:  newWriterAgent(cfg.Write, logger),
		logger:  logger.With(zap.String("project", slug)),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	o.initMetrics()

	if cfg.EnableCheckpoints {
		store, err := checkpoint.NewManager(project, cfg.Checkpoint, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline: checkpoint store: %w", err)
		}
		o.store = store
	}

	if _, ok := rt.Lookup(AgentWriter); !ok {
		if err := rt.Register(o.writer); err != nil {
			return nil, fmt.Errorf("pipeline: register writer agent: %w", err)
		}
	}
	if _, ok := rt.Lookup(AgentGitOps); !ok {
		if err := rt.Register(newGitOpsAgent(logger)); err != nil {
			return nil, fmt.Errorf("pipeline: register git-ops agent: %w", err)
		}
	}

	o.stages = o.defaultStages()
	for _, opt := range opts {
		opt(o)
	}
	if len(o.stages) == 0 {
		return nil, errors.New("pipeline: no stages configured")
	}

	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error

	o.stageCounter, err = o.meter.Int64Counter(
		"forge.pipeline.stages_total",
		metric.WithDescription("Total number of stage executions by outcome"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		o.logger.Warn("failed to create stage counter", zap.Error(err))
	}

	o.runCounter, err = o.meter.Int64Counter(
		"forge.pipeline.runs_total",
		metric.WithDescription("Total number of finished pipeline runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		o.logger.Warn("failed to create run counter", zap.Error(err))
	}
}

// Project returns the slugged project identity.
func (o *Orchestrator) Project() string { return o.project }

// StageNames returns the configured stage names in execution order.
func (o *Orchestrator) StageNames() []string {
	names := make([]string, len(o.stages))
	for i, st := range o.stages {
		names[i] = st.Name
	}
	return names
}

// Checkpoints exposes the checkpoint store, or nil when checkpointing is
// disabled.
func (o *Orchestrator) Checkpoints() *checkpoint.Manager { return o.store }

// RunPipeline executes the full stage sequence for idea. It never returns a
// nil result and never panics: failures, including agent panics and a panic
// in the pipeline itself, are reported inside the result, with recovery
// options attached when a critical stage failed.
func (o *Orchestrator) RunPipeline(ctx context.Context, idea blueprint.Idea) *ProjectResult {
	state := &State{
		Idea:        idea,
		ProjectPath: filepath.Join(o.cfg.ProjectsDir, o.project),
		Written:     map[string]string{},
	}
	result := &ProjectResult{ProjectPath: state.ProjectPath}

	if err := idea.Validate(); err != nil {
		result.Error = err.Error()
		return result
	}
	if err := o.begin(state); err != nil {
		result.Error = err.Error()
		return result
	}

	o.logger.Info("pipeline starting",
		zap.String("project_path", state.ProjectPath),
		zap.Strings("stages", o.StageNames()))

	o.run(ctx, result, 0)
	return result
}

// ResumeFromCheckpoint loads a checkpoint (empty id means latest), replaces
// the runtime ledger and pipeline state with its contents, and continues
// from the stage after the one it recorded.
func (o *Orchestrator) ResumeFromCheckpoint(ctx context.Context, id string) (*ProjectResult, error) {
	if o.store == nil {
		return nil, errors.New("pipeline: checkpointing is disabled")
	}

	cp, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	from := 0
	if cp.Stage != "" {
		idx := o.stageIndex(cp.Stage)
		if idx < 0 {
			return nil, fmt.Errorf("pipeline: checkpoint stage %q is not in the configured sequence", cp.Stage)
		}
		from = idx + 1
	}

	state := o.rebuildState(cp)
	result := &ProjectResult{ProjectPath: state.ProjectPath}

	if err := o.begin(state); err != nil {
		return nil, err
	}
	o.runtime.Restore(cp.Runs)
	o.mu.Lock()
	o.runStart = 0
	o.lastCheckpointID = cp.ID
	o.mu.Unlock()

	o.logger.Info("resuming from checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("after_stage", cp.Stage),
		zap.Int("completed_stages", len(cp.CompletedStages)))

	o.run(ctx, result, from)
	return result, nil
}

// run executes stages[from:] and reports into result. All exits pass through
// finalize, which stamps the duration and folds state into the result.
func (o *Orchestrator) run(ctx context.Context, result *ProjectResult, from int) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("project", o.project)))
	defer span.End()
	defer o.finalize(result, span)
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("pipeline panicked: %v", p)
			o.logger.Error("pipeline panicked", zap.Any("panic", p))
			result.Error = err.Error()
			o.saveFailureCheckpoint(context.WithoutCancel(ctx), o.current(), err)
		}
	}()

	for i := from; i < len(o.stages); i++ {
		st := o.stages[i]
		if o.state.completed(st.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			sfe := &StageFailedError{
				Stage:    st.Name,
				Agent:    st.Agent,
				Critical: true,
				Err:      fmt.Errorf("pipeline cancelled: %w", err),
			}
			o.reportFailure(context.WithoutCancel(ctx), result, sfe)
			return
		}
		if stop := o.runStage(ctx, result, st); stop {
			return
		}
	}
}

// runStage executes one stage and reports whether the pipeline must stop.
func (o *Orchestrator) runStage(ctx context.Context, result *ProjectResult, st Stage) (stop bool) {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", st.Name),
		attribute.String("agent", st.Agent),
		attribute.Bool("critical", st.Critical),
	))
	defer span.End()

	o.setCurrent(st.Name)
	o.logger.Info("running stage",
		zap.String("stage", st.Name),
		zap.String("agent", st.Agent))

	var input any
	var err error
	if st.Input != nil {
		input, err = st.Input(o.state)
	}
	if err == nil {
		rec := o.runtime.Execute(ctx, st.Agent, input, o.stageTimeout(st))
		if runErr := rec.Err(); runErr != nil {
			err = runErr
		} else if st.Apply != nil {
			err = st.Apply(ctx, o.state, rec)
		}
	}

	if err == nil {
		o.markCompleted(st.Name)
		o.countStage(st.Name, "success")
		if st.Critical {
			o.saveCheckpoint(ctx, st.Name)
		}
		return false
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	sfe := &StageFailedError{Stage: st.Name, Agent: st.Agent, Critical: st.Critical, Err: err}
	if !st.Critical {
		o.countStage(st.Name, "skipped")
		o.logger.Warn("best-effort stage failed, continuing",
			zap.String("stage", st.Name),
			zap.String("agent", st.Agent),
			zap.Error(err))
		return false
	}

	o.countStage(st.Name, "failed")
	o.reportFailure(ctx, result, sfe)
	return true
}

// reportFailure saves a best-effort failure checkpoint and folds the failure
// plus recovery options into the result.
func (o *Orchestrator) reportFailure(ctx context.Context, result *ProjectResult, sfe *StageFailedError) {
	o.saveFailureCheckpoint(ctx, sfe.Stage, sfe)
	info := o.HandleFailure(ctx, sfe.Stage, sfe)
	result.Error = sfe.Error()
	result.Recovery = &info
}

// HandleFailure inspects a stage failure and reports what the caller can do
// next. Resume is offered only when a checkpoint actually exists. The
// orchestrator never retries on its own.
func (o *Orchestrator) HandleFailure(ctx context.Context, stage string, err error) RecoveryInfo {
	info := RecoveryInfo{
		FailedStage: stage,
		Reason:      err.Error(),
		Options:     []RecoveryOption{RecoveryRetry, RecoverySkip, RecoveryAbort},
	}
	var sfe *StageFailedError
	if errors.As(err, &sfe) {
		info.FailedAgent = sfe.Agent
	}

	if o.store != nil {
		cp, lerr := o.store.Load(ctx, "")
		switch {
		case lerr == nil:
			info.HasCheckpoint = true
			info.CheckpointID = cp.ID
			info.Options = append([]RecoveryOption{RecoveryResume}, info.Options...)
		case !errors.Is(lerr, checkpoint.ErrNotFound):
			o.logger.Warn("could not inspect checkpoint store", zap.Error(lerr))
		}
	}

	o.logger.Error("stage failed",
		zap.String("stage", stage),
		zap.String("agent", info.FailedAgent),
		zap.Bool("has_checkpoint", info.HasCheckpoint),
		zap.Error(err))

	return info
}

// Status reports a point-in-time diagnostic snapshot. Safe to call from any
// goroutine, including while a run is in flight.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		Project:            o.project,
		Running:            o.running,
		CurrentStage:       o.currentStage,
		LastCheckpointID:   o.lastCheckpointID,
		CheckpointFailures: o.checkpointFailures,
	}
	if o.running {
		st.StartedAt = o.startedAt
	}
	if o.state != nil {
		st.CompletedStages = append([]string(nil), o.state.Completed...)
	}
	o.mu.Unlock()

	runs := o.runtime.History()
	if len(runs) > 0 {
		st.RunCounts = make(map[agent.Status]int, 3)
		for _, rec := range runs {
			st.RunCounts[rec.Status]++
		}
	}
	return st
}

// finalize stamps the wall-clock duration and folds the final state into the
// result. It runs on every exit path, including panics.
func (o *Orchestrator) finalize(result *ProjectResult, span trace.Span) {
	o.mu.Lock()
	started := o.startedAt
	runStart := o.runStart
	o.running = false
	o.currentStage = ""
	o.mu.Unlock()

	result.DurationSeconds = time.Since(started).Seconds()
	if history := o.runtime.History(); runStart <= len(history) {
		result.Runs = history[runStart:]
	}
	if o.state != nil {
		result.Spec = o.state.Spec
		result.Safety = o.state.Safety
		result.Advisory = o.state.Advisory
	}
	result.Success = result.Error == ""

	outcome := "success"
	if !result.Success {
		outcome = "failed"
	}
	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Float64("duration_seconds", result.DurationSeconds),
	)
	if o.runCounter != nil {
		o.runCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	o.logger.Info("pipeline finished",
		zap.Bool("success", result.Success),
		zap.Float64("duration_seconds", result.DurationSeconds),
		zap.Int("runs", len(result.Runs)))
}

// begin claims the orchestrator for a run.
func (o *Orchestrator) begin(state *State) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return errors.New("pipeline: a run is already in progress")
	}
	o.running = true
	o.state = state
	o.startedAt = time.Now()
	o.currentStage = ""
	o.runStart = len(o.runtime.History())
	return nil
}

func (o *Orchestrator) setCurrent(stage string) {
	o.mu.Lock()
	o.currentStage = stage
	o.mu.Unlock()
}

func (o *Orchestrator) current() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentStage
}

func (o *Orchestrator) markCompleted(stage string) {
	o.mu.Lock()
	o.state.Completed = append(o.state.Completed, stage)
	o.mu.Unlock()
}

func (o *Orchestrator) countStage(stage, outcome string) {
	if o.stageCounter == nil {
		return
	}
	o.stageCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

func (o *Orchestrator) stageTimeout(st Stage) time.Duration {
	if st.Timeout > 0 {
		return st.Timeout
	}
	if d, ok := o.cfg.StageTimeouts[st.Name]; ok {
		return d
	}
	return o.cfg.DefaultTimeout
}

func (o *Orchestrator) stageIndex(name string) int {
	for i, st := range o.stages {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// saveCheckpoint snapshots the run after a critical stage. A save failure is
// logged and counted but never affects the stage outcome.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, stage string) {
	if o.store == nil {
		return
	}
	id, err := o.store.Save(ctx, o.snapshot(stage, nil))
	if err != nil {
		o.noteCheckpointFailure()
		o.logger.Error("checkpoint save failed, continuing",
			zap.String("stage", stage),
			zap.Error(err))
		return
	}
	o.noteCheckpoint(id)
}

// saveFailureCheckpoint snapshots the run after a failure so the caller can
// resume. The stage marker is the last completed stage, so resuming re-runs
// the one that failed.
func (o *Orchestrator) saveFailureCheckpoint(ctx context.Context, failedStage string, cause error) {
	if o.store == nil {
		return
	}

	last := ""
	o.mu.Lock()
	if n := len(o.state.Completed); n > 0 {
		last = o.state.Completed[n-1]
	}
	o.mu.Unlock()

	cp := o.snapshot(last, map[string]string{
		"trigger":      "failure",
		"failed_stage": failedStage,
		"error":        cause.Error(),
	})
	id, err := o.store.Save(ctx, cp)
	if err != nil {
		o.noteCheckpointFailure()
		o.logger.Error("failure checkpoint save failed",
			zap.String("failed_stage", failedStage),
			zap.Error(err))
		return
	}
	o.noteCheckpoint(id)
}

// snapshot captures the current run as a checkpoint record.
func (o *Orchestrator) snapshot(stage string, extra map[string]string) *checkpoint.Checkpoint {
	meta := map[string]string{"project": o.project}
	for k, v := range extra {
		meta[k] = v
	}

	o.mu.Lock()
	completed := append([]string(nil), o.state.Completed...)
	o.mu.Unlock()

	return &checkpoint.Checkpoint{
		Stage:           stage,
		Idea:            o.state.Idea,
		Spec:            o.state.Spec,
		Safety:          o.state.Safety,
		Advisory:        o.state.Advisory,
		CompletedStages: completed,
		Runs:            o.runtime.History(),
		ProjectPath:     o.state.ProjectPath,
		Metadata:        meta,
	}
}

func (o *Orchestrator) noteCheckpoint(id string) {
	o.mu.Lock()
	o.lastCheckpointID = id
	o.mu.Unlock()
}

func (o *Orchestrator) noteCheckpointFailure() {
	o.mu.Lock()
	o.checkpointFailures++
	o.mu.Unlock()
}

// rebuildState reconstructs run state from a checkpoint. Derived artifacts
// that were never persisted are rebuilt: written files are re-read from the
// project tree, and files generated but not yet written are re-decoded from
// the implementer's recorded output.
func (o *Orchestrator) rebuildState(cp *checkpoint.Checkpoint) *State {
	state := &State{
		Idea:        cp.Idea,
		Spec:        cp.Spec,
		Safety:      cp.Safety,
		Advisory:    cp.Advisory,
		Completed:   append([]string(nil), cp.CompletedStages...),
		ProjectPath: cp.ProjectPath,
		Written:     map[string]string{},
	}
	if state.ProjectPath == "" {
		state.ProjectPath = filepath.Join(o.cfg.ProjectsDir, o.project)
	}

	if state.completed(StageWriteFiles) {
		state.Written = o.readTree(state.ProjectPath)
	} else if state.completed(StageGenerateCode) {
		state.Pending = pendingFiles(cp.Runs)
	}
	return state
}

// pendingFiles re-decodes the most recent successful implementer output.
func pendingFiles(runs []agent.ExecutionRecord) blueprint.FileSet {
	for i := len(runs) - 1; i >= 0; i-- {
		rec := runs[i]
		if rec.Agent != AgentImplementer || rec.Status != agent.StatusSuccess {
			continue
		}
		var files blueprint.FileSet
		if err := blueprint.As(rec.Output, &files); err == nil && len(files) > 0 {
			return files
		}
	}
	return nil
}

// readBack reads the named project-relative files from disk, skipping any it
// cannot read.
func (o *Orchestrator) readBack(root string, paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			o.logger.Warn("could not read back written file",
				zap.String("path", p),
				zap.Error(err))
			continue
		}
		out[p] = string(data)
	}
	return out
}

// readTree loads every regular file under root keyed by relative path.
// Dot-directories such as .git are skipped, as are unreadable entries.
func (o *Orchestrator) readTree(root string) map[string]string {
	out := map[string]string{}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		out[rel] = string(data)
		return nil
	})
	return out
}
