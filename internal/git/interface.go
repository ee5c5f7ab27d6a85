// Package git provides the version-control operations the agent needs to
// manage per-job worktrees.
package git

import "context"

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a worktree at path on a new branch
	// started from base (git worktree add -b). When reset is true the
	// branch is recreated even if it already exists (-B).
	WorktreeAddNewBranch(ctx context.Context, path, branch, base string, reset bool) error
	// WorktreeRemoveForce removes the worktree at path, discarding changes.
	WorktreeRemoveForce(ctx context.Context, path string) error
	// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
	WorktreeListPorcelain(ctx context.Context) (string, error)
	// WorktreePrune removes stale worktree entries (--expire now).
	WorktreePrune(ctx context.Context) error
}

// BranchOperations defines the interface for git branch queries.
type BranchOperations interface {
	// BranchExists returns true if the local branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)
}

// Runner defines the complete interface for git operations.
type Runner interface {
	WorktreeOperations
	BranchOperations
	// Version returns the output of git --version. It is used to verify
	// that git is installed before any worktree is touched.
	Version(ctx context.Context) (string, error)
	// RepoPath returns the repository the runner operates on.
	RepoPath() string
}
