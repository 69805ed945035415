package txn

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Commit publishes the transaction. In staged mode the staged tree is copied
// into the target and pending deletes are applied; in direct mode everything
// is already in place. A second commit is a warned no-op. On failure the
// workspace is kept so the caller can still Rollback.
func (t *Tx) Commit(ctx context.Context) error {
	ctx, span := t.tracer.Start(ctx, "txn.commit")
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		t.logger.Warn("commit called twice; ignoring")
		return nil
	}
	if t.rolledBack {
		return fmt.Errorf("commit: %w", ErrFinished)
	}

	span.SetAttributes(
		attribute.String("mode", string(t.mode)),
		attribute.Int("operations", len(t.ops)),
	)

	if t.mode == ModeStaged {
		if err := copyTree(t.staging, t.target); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("publish staged tree: %w", err)
		}
		for _, rel := range t.pendingDeletes {
			if err := os.Remove(t.targetPath(rel)); err != nil && !os.IsNotExist(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return opError(OpDelete, rel, err)
			}
		}
	}

	t.committed = true
	t.cleanupWorkspace()

	if t.commitCounter != nil {
		t.commitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(t.mode))))
	}
	t.logger.Info("transaction committed",
		zap.String("mode", string(t.mode)),
		zap.Int("operations", len(t.ops)))

	return nil
}

// Rollback undoes the recorded operations in reverse order, best effort:
// created files and directories are removed, backups restored, moves
// reversed. Failures are aggregated and do not stop the walk. Rolling back
// after a successful commit is a warned no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	ctx, span := t.tracer.Start(ctx, "txn.rollback")
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		t.logger.Warn("rollback after commit; nothing to undo")
		return nil
	}
	if t.rolledBack {
		t.logger.Warn("rollback called twice; ignoring")
		return nil
	}

	span.SetAttributes(attribute.Int("operations", len(t.ops)))

	var errs error
	for i := len(t.ops) - 1; i >= 0; i-- {
		if err := t.undo(t.ops[i]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	t.rolledBack = true
	t.cleanupWorkspace()

	if t.rollbackCounter != nil {
		t.rollbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(t.mode))))
	}
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, errs.Error())
		t.logger.Error("rollback finished with errors", zap.Error(errs))
		return errs
	}

	t.logger.Info("transaction rolled back", zap.Int("operations", len(t.ops)))
	return nil
}

// undo reverses a single operation against the target tree. Each branch
// tolerates the state it would produce, so undoing work that never reached
// the target is harmless.
func (t *Tx) undo(op FileOperation) error {
	switch op.Kind {
	case OpCreate:
		err := os.Remove(t.targetPath(op.Path))
		if err != nil && !os.IsNotExist(err) {
			// A created directory may have gained outside content.
			return opError(op.Kind, op.Path, err)
		}
		return nil

	case OpModify, OpDelete:
		if op.Backup == "" {
			return nil
		}
		if err := copyFile(op.Backup, t.targetPath(op.Path)); err != nil {
			return opError(op.Kind, op.Path, err)
		}
		return nil

	case OpMove:
		if exists(t.targetPath(op.Dest)) {
			if err := os.Rename(t.targetPath(op.Dest), t.targetPath(op.Path)); err != nil {
				return opError(op.Kind, op.Dest, err)
			}
		}
		if op.Backup != "" {
			if err := copyFile(op.Backup, t.targetPath(op.Dest)); err != nil {
				return opError(op.Kind, op.Dest, err)
			}
		}
		return nil

	default:
		return opError(op.Kind, op.Path, fmt.Errorf("unknown operation kind"))
	}
}

func (t *Tx) cleanupWorkspace() {
	if err := os.RemoveAll(t.workspace); err != nil {
		t.logger.Warn("failed to remove transaction workspace",
			zap.String("workspace", t.workspace),
			zap.Error(err))
	}
}

// Run executes fn within a transaction against target. A normal return
// commits; an error return rolls back and fn's original error is returned,
// with rollback failures logged rather than masking it. A panic in fn rolls
// back before repanicking.
func Run(ctx context.Context, target string, cfg Config, logger *zap.Logger, fn func(tx *Tx) error) error {
	tx, err := New(target, cfg, logger)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				tx.logger.Error("rollback failed during panic", zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			tx.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	return tx.Commit(ctx)
}

// copyTree recursively copies the contents of src into dst, creating
// directories as needed.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, dirPerm)
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), dirPerm)
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}
