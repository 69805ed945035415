package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/pkg/blueprint"
)

// Identity stamped on commits the built-in git-ops agent creates.
const (
	gitAuthorName  = "forge"
	gitAuthorEmail = "forge@fyrsmithlabs.com"

	defaultCommitMessage = "Initial commit"
)

// gitOpsAgent is the built-in agent behind the init-repo stage. It turns the
// finished project tree into a git repository and commits whatever the run
// produced. Re-running it is harmless: an existing repository is reused and a
// commit is made only when the tree actually changed.
type gitOpsAgent struct {
	logger *zap.Logger
}

func newGitOpsAgent(logger *zap.Logger) *gitOpsAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gitOpsAgent{logger: logger}
}

func (g *gitOpsAgent) Name() string { return AgentGitOps }

func (g *gitOpsAgent) Description() string {
	return "initializes a git repository for the project and commits the generated tree"
}

func (g *gitOpsAgent) Execute(_ context.Context, input any) (any, error) {
	var req RepoInput
	if err := blueprint.As(input, &req); err != nil {
		return nil, fmt.Errorf("invalid repo request: %w", err)
	}
	if req.Root == "" {
		return nil, errors.New("repo request missing project root")
	}

	repo, created, err := g.openOrInit(req.Root)
	if err != nil {
		return nil, err
	}

	message := req.Message
	if message == "" {
		message = defaultCommitMessage
	}
	commit, err := g.commitAll(repo, message)
	if err != nil {
		return nil, err
	}

	res := RepoResult{Root: req.Root, Initialized: created, Commit: commit}
	if head, herr := repo.Head(); herr == nil && head.Name().IsBranch() {
		res.Branch = head.Name().Short()
	}

	g.logger.Info("repository ready",
		zap.String("root", req.Root),
		zap.Bool("initialized", created),
		zap.String("commit", commit),
		zap.String("branch", res.Branch))
	return res, nil
}

// openOrInit opens the repository at root, creating one on the main branch
// when none exists yet. The bool reports whether a repository was created.
func (g *gitOpsAgent) openOrInit(root string) (*git.Repository, bool, error) {
	repo, err := git.PlainOpen(root)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repository: %w", err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, false, fmt.Errorf("create project root: %w", err)
	}
	repo, err = git.PlainInitWithOptions(root, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, false, fmt.Errorf("init repository: %w", err)
	}
	return repo, true, nil
}

// commitAll stages every change under the worktree and commits it. Returns
// the empty string when there is nothing to commit.
func (g *gitOpsAgent) commitAll(repo *git.Repository, message string) (string, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage files: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	if status.IsClean() {
		g.logger.Debug("no changes to commit")
		return "", nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  gitAuthorName,
			Email: gitAuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}
