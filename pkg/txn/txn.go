// Package txn applies file operations to a project tree transactionally.
// Operations are recorded as they are applied; Commit publishes them and
// Rollback walks them in reverse, restoring backups. In staged mode nothing
// touches the target tree until Commit.
package txn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/pkg/txn"

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Mode selects how operations reach the target tree.
type Mode string

const (
	// ModeStaged builds the tree in a staging directory; Commit copies it
	// into the target. The copy is not a single atomic step; an atomic
	// directory swap is a known hardening opportunity.
	ModeStaged Mode = "staged"

	// ModeDirect applies operations to the target immediately, keeping
	// backups for rollback.
	ModeDirect Mode = "direct"
)

// OpKind classifies a recorded file operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpModify OpKind = "modify"
	OpDelete OpKind = "delete"
	OpMove   OpKind = "move"
)

// FileOperation records one applied change, in application order. Path and
// Dest are relative to the target root; Backup is the absolute location of
// the saved prior content, empty when there was nothing to save.
type FileOperation struct {
	Kind   OpKind
	Path   string
	Dest   string
	Backup string
	Dir    bool
}

// Config configures transactions.
type Config struct {
	// StagingDir is where transactions keep their workspaces (staged trees
	// and backups).
	StagingDir string `koanf:"staging_dir"`

	// Mode selects staged or direct application. Defaults to staged.
	Mode Mode `koanf:"mode"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StagingDir: "./.forge-staging",
		Mode:       ModeStaged,
	}
}

// ErrFinished reports an operation on a transaction that already committed
// or rolled back.
var ErrFinished = errors.New("transaction already finished")

// OperationError reports a failed file operation.
type OperationError struct {
	Op   OpKind
	Path string
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opError(op OpKind, path string, err error) error {
	return &OperationError{Op: op, Path: path, Err: err}
}

// Tx is a single transaction against one target tree. Not safe for
// concurrent use by multiple goroutines.
type Tx struct {
	id        string
	mode      Mode
	target    string
	workspace string
	staging   string
	backups   string
	logger    *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	commitCounter   metric.Int64Counter
	rollbackCounter metric.Int64Counter

	mu             sync.Mutex
	ops            []FileOperation
	pendingDeletes []string
	committed      bool
	rolledBack     bool
}

// New opens a transaction against the target directory, creating it if
// needed. A nil logger is replaced with a no-op.
func New(target string, cfg Config, logger *zap.Logger) (*Tx, error) {
	if target == "" {
		return nil, errors.New("target directory is required")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = DefaultConfig().StagingDir
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStaged
	}
	if cfg.Mode != ModeStaged && cfg.Mode != ModeDirect {
		return nil, fmt.Errorf("unknown transaction mode %q", cfg.Mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New().String()[:8]
	workspace := filepath.Join(cfg.StagingDir, "txn_"+id)

	t := &Tx{
		id:        id,
		mode:      cfg.Mode,
		target:    target,
		workspace: workspace,
		staging:   filepath.Join(workspace, "files"),
		backups:   filepath.Join(workspace, "backups"),
		logger:    logger.With(zap.String("txn", id)),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	t.initMetrics()

	if err := os.MkdirAll(target, dirPerm); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}
	if cfg.Mode == ModeStaged {
		if err := os.MkdirAll(t.staging, dirPerm); err != nil {
			return nil, fmt.Errorf("create staging dir: %w", err)
		}
	}

	t.logger.Debug("transaction opened",
		zap.String("mode", string(cfg.Mode)),
		zap.String("target", target))

	return t, nil
}

func (t *Tx) initMetrics() {
	var err error

	t.commitCounter, err = t.meter.Int64Counter(
		"forge.txn.commits_total",
		metric.WithDescription("Total number of committed transactions"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		t.logger.Warn("failed to create commit counter", zap.Error(err))
	}

	t.rollbackCounter, err = t.meter.Int64Counter(
		"forge.txn.rollbacks_total",
		metric.WithDescription("Total number of rolled-back transactions"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		t.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// ID returns the short transaction identifier.
func (t *Tx) ID() string { return t.id }

// Mode returns the transaction's application mode.
func (t *Tx) Mode() Mode { return t.mode }

// Operations returns a copy of the recorded operations in application order.
func (t *Tx) Operations() []FileOperation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]FileOperation, len(t.ops))
	copy(out, t.ops)
	return out
}

// CreateFile writes content at path. An existing target file turns this into
// a modify with a backup.
func (t *Tx) CreateFile(path, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return opError(OpCreate, path, err)
	}
	rel, err := confine(path)
	if err != nil {
		return opError(OpCreate, path, err)
	}

	op := FileOperation{Kind: OpCreate, Path: rel}
	if exists(t.targetPath(rel)) {
		op.Kind = OpModify
		backup, err := t.saveBackup(rel)
		if err != nil {
			return opError(OpModify, rel, err)
		}
		op.Backup = backup
	}

	if err := writeFile(t.applyPath(rel), content); err != nil {
		return opError(op.Kind, rel, err)
	}

	t.record(op)
	return nil
}

// CreateDirectory ensures a directory exists at path.
func (t *Tx) CreateDirectory(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return opError(OpCreate, path, err)
	}
	rel, err := confine(path)
	if err != nil {
		return opError(OpCreate, path, err)
	}

	if err := os.MkdirAll(t.applyPath(rel), dirPerm); err != nil {
		return opError(OpCreate, rel, err)
	}

	t.record(FileOperation{Kind: OpCreate, Path: rel, Dir: true})
	return nil
}

// ModifyFile replaces the content of an existing file, backing up the prior
// target content first. Modifying a file absent from both the transaction
// and the target is an explicit error.
func (t *Tx) ModifyFile(path, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return opError(OpModify, path, err)
	}
	rel, err := confine(path)
	if err != nil {
		return opError(OpModify, path, err)
	}

	inTarget := exists(t.targetPath(rel))
	inStaging := t.mode == ModeStaged && exists(t.stagingPath(rel))
	if !inTarget && !inStaging {
		return opError(OpModify, rel, os.ErrNotExist)
	}

	op := FileOperation{Kind: OpModify, Path: rel}
	if inTarget {
		backup, err := t.saveBackup(rel)
		if err != nil {
			return opError(OpModify, rel, err)
		}
		op.Backup = backup
	}

	if err := writeFile(t.applyPath(rel), content); err != nil {
		return opError(OpModify, rel, err)
	}

	t.record(op)
	return nil
}

// DeleteFile removes a file, backing up target content first. In staged mode
// the target removal happens at commit.
func (t *Tx) DeleteFile(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return opError(OpDelete, path, err)
	}
	rel, err := confine(path)
	if err != nil {
		return opError(OpDelete, path, err)
	}

	inTarget := exists(t.targetPath(rel))
	inStaging := t.mode == ModeStaged && exists(t.stagingPath(rel))
	if !inTarget && !inStaging {
		return opError(OpDelete, rel, os.ErrNotExist)
	}

	op := FileOperation{Kind: OpDelete, Path: rel}
	if inTarget {
		backup, err := t.saveBackup(rel)
		if err != nil {
			return opError(OpDelete, rel, err)
		}
		op.Backup = backup
	}

	switch t.mode {
	case ModeStaged:
		if inStaging {
			if err := os.Remove(t.stagingPath(rel)); err != nil {
				return opError(OpDelete, rel, err)
			}
		}
		if inTarget {
			t.pendingDeletes = append(t.pendingDeletes, rel)
		}
	case ModeDirect:
		if err := os.Remove(t.targetPath(rel)); err != nil {
			return opError(OpDelete, rel, err)
		}
	}

	t.record(op)
	return nil
}

// MoveFile relocates a file within the tree, backing up any overwritten
// destination.
func (t *Tx) MoveFile(from, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpen(); err != nil {
		return opError(OpMove, from, err)
	}
	src, err := confine(from)
	if err != nil {
		return opError(OpMove, from, err)
	}
	dst, err := confine(to)
	if err != nil {
		return opError(OpMove, to, err)
	}

	srcInTarget := exists(t.targetPath(src))
	srcInStaging := t.mode == ModeStaged && exists(t.stagingPath(src))
	if !srcInTarget && !srcInStaging {
		return opError(OpMove, src, os.ErrNotExist)
	}

	op := FileOperation{Kind: OpMove, Path: src, Dest: dst}
	if exists(t.targetPath(dst)) {
		backup, err := t.saveBackup(dst)
		if err != nil {
			return opError(OpMove, dst, err)
		}
		op.Backup = backup
	}

	switch t.mode {
	case ModeStaged:
		if err := os.MkdirAll(filepath.Dir(t.stagingPath(dst)), dirPerm); err != nil {
			return opError(OpMove, dst, err)
		}
		if srcInStaging {
			if err := os.Rename(t.stagingPath(src), t.stagingPath(dst)); err != nil {
				return opError(OpMove, src, err)
			}
		} else {
			if err := copyFile(t.targetPath(src), t.stagingPath(dst)); err != nil {
				return opError(OpMove, src, err)
			}
		}
		if srcInTarget {
			t.pendingDeletes = append(t.pendingDeletes, src)
		}
	case ModeDirect:
		if err := os.MkdirAll(filepath.Dir(t.targetPath(dst)), dirPerm); err != nil {
			return opError(OpMove, dst, err)
		}
		if err := os.Rename(t.targetPath(src), t.targetPath(dst)); err != nil {
			return opError(OpMove, src, err)
		}
	}

	t.record(op)
	return nil
}

func (t *Tx) record(op FileOperation) {
	t.ops = append(t.ops, op)
	t.logger.Debug("operation recorded",
		zap.String("kind", string(op.Kind)),
		zap.String("path", op.Path))
}

func (t *Tx) checkOpen() error {
	if t.committed || t.rolledBack {
		return ErrFinished
	}
	return nil
}

// applyPath is where an operation lands immediately: staging in staged mode,
// the target in direct mode.
func (t *Tx) applyPath(rel string) string {
	if t.mode == ModeStaged {
		return t.stagingPath(rel)
	}
	return t.targetPath(rel)
}

func (t *Tx) targetPath(rel string) string  { return filepath.Join(t.target, rel) }
func (t *Tx) stagingPath(rel string) string { return filepath.Join(t.staging, rel) }

// saveBackup copies the current target content of rel into the transaction's
// backup area and returns the backup's absolute path.
func (t *Tx) saveBackup(rel string) (string, error) {
	if err := os.MkdirAll(t.backups, dirPerm); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%03d_%s", len(t.ops), filepath.Base(rel))
	dst := filepath.Join(t.backups, name)
	if err := copyFile(t.targetPath(rel), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// confine normalizes a user-supplied path, rejecting absolute paths and
// escapes from the project root.
func confine(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is empty")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q must be relative to the project root", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", path)
	}
	return clean, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), filePerm)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return err
	}
	return os.WriteFile(dst, data, filePerm)
}
