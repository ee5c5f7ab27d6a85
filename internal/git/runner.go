package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/exec"
)

// Timeouts bounds each class of git invocation.
type Timeouts struct {
	// Version bounds the git --version availability check.
	Version time.Duration
	// Create bounds worktree creation.
	Create time.Duration
	// Default bounds every other call.
	Default time.Duration
}

// DefaultTimeouts returns the standard git timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Version: 5 * time.Second,
		Create:  30 * time.Second,
		Default: 30 * time.Second,
	}
}

// ExecRunner implements Runner on top of an exec.CommandRunner.
type ExecRunner struct {
	repoPath string
	cmd      exec.CommandRunner
	timeouts Timeouts
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string, cmd exec.CommandRunner, timeouts Timeouts) *ExecRunner {
	def := DefaultTimeouts()
	if timeouts.Version <= 0 {
		timeouts.Version = def.Version
	}
	if timeouts.Create <= 0 {
		timeouts.Create = def.Create
	}
	if timeouts.Default <= 0 {
		timeouts.Default = def.Default
	}
	if cmd == nil {
		cmd = exec.NewRunner()
	}
	return &ExecRunner{repoPath: repoPath, cmd: cmd, timeouts: timeouts}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	out, err := r.cmd.Run(ctx, r.repoPath, timeout, "git", args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RepoPath returns the repository the runner operates on.
func (r *ExecRunner) RepoPath() string {
	return r.repoPath
}

// Version returns the output of git --version.
func (r *ExecRunner) Version(ctx context.Context) (string, error) {
	return r.run(ctx, r.timeouts.Version, "--version")
}

// WorktreeAddNewBranch creates a worktree on a new branch started from base.
func (r *ExecRunner) WorktreeAddNewBranch(ctx context.Context, path, branch, base string, reset bool) error {
	flag := "-b"
	if reset {
		flag = "-B"
	}
	if base == "" {
		base = "HEAD"
	}
	_, err := r.run(ctx, r.timeouts.Create, "worktree", "add", flag, branch, path, base)
	return err
}

// WorktreeRemoveForce removes the worktree at path, discarding changes.
func (r *ExecRunner) WorktreeRemoveForce(ctx context.Context, path string) error {
	_, err := r.run(ctx, r.timeouts.Default, "worktree", "remove", "--force", path)
	return err
}

// WorktreeListPorcelain returns the output of git worktree list --porcelain.
func (r *ExecRunner) WorktreeListPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, r.timeouts.Default, "worktree", "list", "--porcelain")
}

// WorktreePrune prunes worktree bookkeeping for directories that no longer exist.
func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	_, err := r.run(ctx, r.timeouts.Default, "worktree", "prune", "--expire", "now")
	return err
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := r.cmd.Run(ctx, r.repoPath, r.timeouts.Default, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	// Exit code 1 means branch doesn't exist (not an error)
	var cmdErr *exec.CommandError
	if errors.As(err, &cmdErr) && !cmdErr.TimedOut() && exitCode(cmdErr) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check branch exists: %w", err)
}

// exitCode extracts the process exit code from a command error, or -1.
func exitCode(err *exec.CommandError) int {
	var coder interface{ ExitCode() int }
	if errors.As(err.Err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
