package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository on the named branch with one commit.
func initRepo(t *testing.T, branch string) string {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(branch),
		},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir
}

func TestDetectBranch(t *testing.T) {
	assert.Equal(t, "main", detectBranch(initRepo(t, "main")))
	assert.Equal(t, "feature/resume", detectBranch(initRepo(t, "feature/resume")))

	// Not a repository.
	assert.Empty(t, detectBranch(t.TempDir()))

	// A repository with no commits has no HEAD to read.
	bare := t.TempDir()
	_, err := git.PlainInit(bare, false)
	require.NoError(t, err)
	assert.Empty(t, detectBranch(bare))
}

func TestSave_StampsBranchFromProjectTree(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cp := sampleCheckpoint("plan", time.Now().UTC())
	cp.ProjectPath = initRepo(t, "main")

	id, err := m.Save(ctx, cp)
	require.NoError(t, err)

	loaded, err := m.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "main", loaded.Branch)
}

func TestSave_KeepsExplicitBranch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cp := sampleCheckpoint("plan", time.Now().UTC())
	cp.ProjectPath = initRepo(t, "main")
	cp.Branch = "release/1.2"

	id, err := m.Save(ctx, cp)
	require.NoError(t, err)

	loaded, err := m.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "release/1.2", loaded.Branch)
}
