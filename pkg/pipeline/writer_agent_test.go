package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/pkg/blueprint"
	"github.com/fyrsmithlabs/forge/pkg/txn"
)

func TestWriterAgent_WritesFileSet(t *testing.T) {
	w := newWriterAgent(txn.Config{StagingDir: t.TempDir()}, zaptest.NewLogger(t))
	root := t.TempDir()

	out, err := w.Execute(context.Background(), WriteRequest{
		Root: root,
		Files: blueprint.FileSet{
			{Path: "main.go", Content: "package main\n"},
			{Path: "internal/app/app.go", Content: "package app\n"},
		},
	})
	require.NoError(t, err)

	result, ok := out.(WriteResult)
	require.True(t, ok)
	assert.Equal(t, root, result.Root)
	assert.Equal(t, txn.ModeStaged, result.Mode)
	assert.Equal(t, []string{"main.go", "internal/app/app.go"}, result.Written)

	data, err := os.ReadFile(filepath.Join(root, "internal/app/app.go"))
	require.NoError(t, err)
	assert.Equal(t, "package app\n", string(data))
}

func TestWriterAgent_RejectsBadRequests(t *testing.T) {
	w := newWriterAgent(txn.Config{StagingDir: t.TempDir()}, zaptest.NewLogger(t))

	_, err := w.Execute(context.Background(), WriteRequest{
		Files: blueprint.FileSet{{Path: "main.go", Content: "x"}},
	})
	assert.ErrorContains(t, err, "missing project root")

	_, err = w.Execute(context.Background(), WriteRequest{Root: t.TempDir()})
	assert.ErrorContains(t, err, "no files")

	_, err = w.Execute(context.Background(), "junk")
	assert.ErrorContains(t, err, "invalid write request")
}

func TestWriterAgent_EscapingPathAborts(t *testing.T) {
	w := newWriterAgent(txn.Config{StagingDir: t.TempDir()}, zaptest.NewLogger(t))
	root := t.TempDir()

	_, err := w.Execute(context.Background(), WriteRequest{
		Root: root,
		Files: blueprint.FileSet{
			{Path: "ok.txt", Content: "fine"},
			{Path: "../escape.txt", Content: "not fine"},
		},
	})
	require.Error(t, err)

	// The transaction rolled back, so the good file never landed either.
	_, statErr := os.Stat(filepath.Join(root, "ok.txt"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(filepath.Dir(root), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
