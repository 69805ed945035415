package checkpoint

import (
	"github.com/go-git/go-git/v5"
)

// detectBranch reports the branch checked out at path. Save uses it to stamp
// Checkpoint.Branch from the project tree. Returns "" when path is not a git
// repository, has no commits yet, or sits on a detached HEAD; none of those
// are errors, a checkpoint simply carries no branch then.
func detectBranch(path string) string {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return ""
	}

	head, err := repo.Head()
	if err != nil {
		return ""
	}

	if !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
