// Package checkpoint persists working-tree state to git between worker
// sessions. Commits only ever happen while no worker is running, so the
// checkpointer never races with an active edit.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNoRepository is returned when the project path is not inside a git
// repository. Callers treat this as a fatal prerequisite failure.
var ErrNoRepository = errors.New("no git repository found")

const (
	authorName  = "drover"
	authorEmail = "drover@localhost"
)

// Checkpointer commits controller and worker output to the repository
// at the project path.
type Checkpointer struct {
	repo *git.Repository
}

// Probe verifies that path is inside a git repository without keeping
// the repository open. Used as a startup prerequisite check.
func Probe(path string) error {
	if _, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true}); err != nil {
		return fmt.Errorf("%w at %s", ErrNoRepository, path)
	}
	return nil
}

// New opens the repository containing path.
func New(path string) (*Checkpointer, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("%w at %s", ErrNoRepository, path)
	}
	return &Checkpointer{repo: repo}, nil
}

// Dirty reports whether the working tree has uncommitted changes.
func (c *Checkpointer) Dirty() (bool, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	return !status.IsClean(), nil
}

// Commit stages everything and commits with the given message. When the
// tree is already clean it returns an empty hash and no error.
func (c *Checkpointer) Commit(message string) (string, error) {
	wt, err := c.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read worktree status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return hash.String(), nil
}

// CurrentBranch returns the short name of the checked-out branch, or
// empty when HEAD is detached.
func (c *Checkpointer) CurrentBranch() (string, error) {
	head, err := c.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

// EnsureBranch checks out the named branch, creating it from the current
// HEAD when it does not exist yet. Used for branch-isolation mode.
func (c *Checkpointer) EnsureBranch(name string) error {
	wt, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(name)
	_, err = c.repo.Reference(ref, true)
	create := err != nil

	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create, Keep: true}); err != nil {
		return fmt.Errorf("failed to switch to branch %s: %w", name, err)
	}
	return nil
}
