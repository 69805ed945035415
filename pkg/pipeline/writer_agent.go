package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/pkg/blueprint"
	"github.com/fyrsmithlabs/forge/pkg/txn"
)

// writerAgent is the built-in agent behind the write-files stage. It places
// a file set under the project root inside a single transaction, so a failed
// write leaves the tree as it was.
type writerAgent struct {
	cfg    txn.Config
	logger *zap.Logger
}

func newWriterAgent(cfg txn.Config, logger *zap.Logger) *writerAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &writerAgent{cfg: cfg, logger: logger}
}

func (w *writerAgent) Name() string { return AgentWriter }

func (w *writerAgent) Description() string {
	return "writes generated files into the project tree transactionally"
}

func (w *writerAgent) Execute(ctx context.Context, input any) (any, error) {
	var req WriteRequest
	if err := blueprint.As(input, &req); err != nil {
		return nil, fmt.Errorf("invalid write request: %w", err)
	}
	if req.Root == "" {
		return nil, errors.New("write request missing project root")
	}
	if len(req.Files) == 0 {
		return nil, errors.New("write request contains no files")
	}
	mode := req.Mode
	if mode == "" {
		mode = w.cfg.Mode
	}
	if mode == "" {
		mode = txn.ModeStaged
	}
	written, err := w.writeSet(ctx, req.Root, req.Files, mode)
	if err != nil {
		return nil, err
	}
	return WriteResult{Root: req.Root, Mode: mode, Written: written}, nil
}

// writeSet applies every file in one transaction and returns the paths it
// wrote, in input order.
func (w *writerAgent) writeSet(ctx context.Context, root string, files blueprint.FileSet, mode txn.Mode) ([]string, error) {
	cfg := w.cfg
	if mode != "" {
		cfg.Mode = mode
	}
	written := make([]string, 0, len(files))
	err := txn.Run(ctx, root, cfg, w.logger, func(tx *txn.Tx) error {
		for _, f := range files {
			if err := tx.CreateFile(f.Path, f.Content); err != nil {
				return err
			}
			written = append(written, f.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}
