package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/pkg/blueprint"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/pkg/checkpoint"

// LatestFile is the name of the pointer record inside a project's checkpoint
// directory. It holds a full copy of the newest save.
const LatestFile = "latest.json"

const (
	dirPerm  = 0o700
	filePerm = 0o600
	idFormat = "20060102_150405"
)

var (
	// ErrNotFound reports a checkpoint that does not exist. A missing
	// checkpoint is an explicit result, distinct from an I/O failure.
	ErrNotFound = errors.New("checkpoint not found")

	validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// Manager stores checkpoints for one project identity. Each project gets its
// own directory under Config.BaseDir; records are written atomically (temp
// file then rename) and the latest pointer is rewritten only after the
// record lands, so a crash between the two writes leaves a valid store with
// a merely stale pointer.
type Manager struct {
	cfg     Config
	project string
	dir     string
	logger  *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter
	loadCounter metric.Int64Counter

	mu sync.Mutex
}

// NewManager creates a store for the named project. A nil logger is replaced
// with a no-op.
func NewManager(project string, cfg Config, logger *zap.Logger) (*Manager, error) {
	slug := blueprint.Slug(project)
	if slug == "" {
		return nil, errors.New("project name is required")
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = DefaultConfig().BaseDir
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultConfig().Keep
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:     cfg,
		project: slug,
		dir:     filepath.Join(cfg.BaseDir, slug),
		logger:  logger.With(zap.String("project", slug)),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	m.initMetrics()

	return m, nil
}

func (m *Manager) initMetrics() {
	var err error

	m.saveCounter, err = m.meter.Int64Counter(
		"forge.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		m.logger.Warn("failed to create save counter", zap.Error(err))
	}

	m.loadCounter, err = m.meter.Int64Counter(
		"forge.checkpoint.loads_total",
		metric.WithDescription("Total number of checkpoints loaded"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		m.logger.Warn("failed to create load counter", zap.Error(err))
	}
}

// Dir returns the project's checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Project returns the slugged project identity.
func (m *Manager) Project() string { return m.project }

// Keep returns the configured default retention for Prune.
func (m *Manager) Keep() int { return m.cfg.Keep }

// Save persists cp and rewrites the latest pointer. An empty ID is assigned
// from the stage name and timestamp, an empty CreatedAt is stamped now, and
// an empty Branch is read off the project tree when it is a git repository.
// Returns the record's ID.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	_, span := m.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if cp == nil {
		return "", errors.New("checkpoint is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, dirPerm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.ID == "" {
		cp.ID = m.nextID(cp.Stage, cp.CreatedAt)
	} else if err := validateID(cp.ID); err != nil {
		span.RecordError(err)
		return "", err
	}
	if cp.Branch == "" && cp.ProjectPath != "" {
		cp.Branch = detectBranch(cp.ProjectPath)
	}

	span.SetAttributes(
		attribute.String("checkpoint_id", cp.ID),
		attribute.String("stage", cp.Stage),
	)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	if err := m.writeAtomic(m.recordPath(cp.ID), data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}

	// The pointer is a full copy of the newest record, written second.
	if err := m.writeAtomic(filepath.Join(m.dir, LatestFile), data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("write latest pointer: %w", err)
	}

	if m.saveCounter != nil {
		m.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", cp.Stage)))
	}
	m.logger.Info("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("stage", cp.Stage))

	return cp.ID, nil
}

// Load reads a checkpoint by ID; an empty ID means the latest. A missing
// checkpoint returns ErrNotFound.
func (m *Manager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	_, span := m.tracer.Start(ctx, "checkpoint.load")
	defer span.End()

	path := filepath.Join(m.dir, LatestFile)
	if id != "" {
		if err := validateID(id); err != nil {
			span.RecordError(err)
			return nil, err
		}
		path = m.recordPath(id)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %q: %w", displayID(id), ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decode checkpoint %s: %w", filepath.Base(path), err)
	}

	if m.loadCounter != nil {
		m.loadCounter.Add(ctx, 1)
	}
	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))

	return &cp, nil
}

// List returns all records newest first, excluding the latest pointer.
// Unreadable entries are skipped with a warning.
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	_, span := m.tracer.Start(ctx, "checkpoint.list")
	defer span.End()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var out []Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == LatestFile || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint", zap.String("file", name), zap.Error(err))
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			m.logger.Warn("skipping corrupt checkpoint", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}

// Delete removes a record by ID, reporting whether anything was removed.
// The latest pointer keeps its copy: it is a snapshot, not a reference.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	_, span := m.tracer.Start(ctx, "checkpoint.delete")
	defer span.End()

	if err := validateID(id); err != nil {
		span.RecordError(err)
		return false, err
	}

	err := os.Remove(m.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("delete checkpoint %s: %w", id, err)
	}

	m.logger.Info("checkpoint deleted", zap.String("checkpoint_id", id))
	return true, nil
}

// Prune removes all but the newest keep records and returns how many were
// removed. Removal failures do not stop the sweep.
func (m *Manager) Prune(ctx context.Context, keep int) (int, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.prune")
	defer span.End()

	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative, got %d", keep)
	}

	all, err := m.List(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(all) <= keep {
		return 0, nil
	}

	var (
		removed int
		errs    error
	)
	for _, cp := range all[keep:] {
		ok, err := m.Delete(ctx, cp.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}

	span.SetAttributes(attribute.Int("removed", removed))
	m.logger.Info("checkpoints pruned", zap.Int("removed", removed), zap.Int("keep", keep))

	return removed, errs
}

// Clear removes every record and the latest pointer.
func (m *Manager) Clear(ctx context.Context) error {
	_, span := m.tracer.Start(ctx, "checkpoint.clear")
	defer span.End()

	if err := os.RemoveAll(m.dir); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("clear checkpoints: %w", err)
	}

	m.logger.Info("checkpoint store cleared")
	return nil
}

// nextID derives a unique record ID from the stage name and timestamp.
// Collisions within the same second get a numeric suffix.
func (m *Manager) nextID(stage string, at time.Time) string {
	base := blueprint.Slug(stage)
	if base == "" {
		base = "checkpoint"
	}
	id := fmt.Sprintf("%s_%s", base, at.Format(idFormat))

	candidate := id
	for i := 2; ; i++ {
		if _, err := os.Stat(m.recordPath(candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", id, i)
	}
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

// writeAtomic writes via a temp file and rename so readers never observe a
// partial record.
func (m *Manager) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func validateID(id string) error {
	if id == "" || !validID.MatchString(id) ||
		strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid checkpoint id %q", id)
	}
	return nil
}

func displayID(id string) string {
	if id == "" {
		return "latest"
	}
	return id
}
