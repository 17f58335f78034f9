package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/calder-ross/foreman/internal/gitutil"
	"github.com/calder-ross/foreman/internal/queue"
)

// CommitHygiene is the default publish gate: the item's branch must be
// checked out and everything an agent produced must be committed before a PR
// goes out. Non-repo item directories pass, so the gate stays inert in
// repo-less workspaces.
type CommitHygiene struct {
	RepoRoot string
	// AutoCommit sweeps leftover changes into a commit on the item's
	// branch instead of failing the gate.
	AutoCommit bool
}

func (h *CommitHygiene) Check(_ context.Context, item *queue.Item) (bool, []string, error) {
	dir := h.RepoRoot
	if item.RepoPath != "" {
		dir = filepath.Join(h.RepoRoot, item.RepoPath)
	}
	if !gitutil.IsRepo(dir) {
		return true, nil, nil
	}
	if item.Branch != "" {
		cur, err := gitutil.CurrentBranch(dir)
		if err != nil {
			return false, nil, err
		}
		if cur != item.Branch {
			if err := gitutil.Checkout(dir, item.Branch); err != nil {
				return false, []string{fmt.Sprintf("not on branch %s and cannot switch: %v", item.Branch, err)}, nil
			}
		}
	}
	clean, err := gitutil.IsClean(dir)
	if err != nil {
		return false, nil, err
	}
	if !clean {
		if !h.AutoCommit {
			return false, []string{"working tree has uncommitted changes"}, nil
		}
		if _, err := gitutil.CommitAll(dir, "chore: commit leftover changes for "+item.Ref()); err != nil {
			return false, []string{fmt.Sprintf("auto-commit failed: %v", err)}, nil
		}
	}
	return true, nil, nil
}
