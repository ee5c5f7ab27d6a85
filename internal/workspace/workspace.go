// Package workspace manages the isolated git worktrees jobs execute in.
//
// Every workspace is keyed 1:1 to a job. Its path and branch are pure
// functions of the project root, job id and task id, so they can be
// recomputed for cleanup after a restart.
package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ShayCichocki/ralph-agent/internal/exec"
	"github.com/ShayCichocki/ralph-agent/internal/git"
	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

const (
	// DefaultDir is the isolation directory created under the project root.
	DefaultDir = ".ralph-worktrees"
	// DefaultBranchPrefix is the first segment of every job branch.
	DefaultBranchPrefix = "ralph"

	jobDirPrefix = "job-"
)

// ErrNoProjectRoot is returned when a job carries no project path.
var ErrNoProjectRoot = errors.New("job has no project system path")

// Workspace is an isolated checkout dedicated to one job.
type Workspace struct {
	JobID       int64
	ProjectRoot string
	Path        string
	Branch      string
}

// Worktree is one entry of git worktree list --porcelain.
type Worktree struct {
	Path       string
	BranchName string
}

// Config configures a Manager.
type Config struct {
	// Dir is the isolation directory name under the project root.
	Dir string
	// BranchPrefix is prepended to every job branch.
	BranchPrefix string
	// Timeouts bounds the git invocations.
	Timeouts git.Timeouts
}

// Provider is the workspace surface the orchestrator depends on.
type Provider interface {
	// Create makes a fresh workspace for job, started from baseRef.
	Create(ctx context.Context, job *models.Job, baseRef string) (*Workspace, error)
	// Remove deletes the job's workspace. Failures are logged only.
	Remove(ctx context.Context, job *models.Job)
}

// Manager creates and removes job worktrees.
type Manager struct {
	cfg       Config
	newRunner func(repoPath string) git.Runner
	log       *logging.Logger
	mu        sync.Mutex
}

// Verify Manager implements Provider at compile time.
var _ Provider = (*Manager)(nil)

// NewManager creates a Manager that shells out through cmd.
func NewManager(cfg Config, cmd exec.CommandRunner, log *logging.Logger) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = DefaultBranchPrefix
	}
	if cmd == nil {
		cmd = exec.NewRunner()
	}
	timeouts := cfg.Timeouts
	return &Manager{
		cfg: cfg,
		newRunner: func(repoPath string) git.Runner {
			return git.NewRunner(repoPath, cmd, timeouts)
		},
		log: log.Named("workspace"),
	}
}

// PathFor returns the workspace directory for a job in projectRoot.
func (m *Manager) PathFor(projectRoot string, jobID int64) string {
	return filepath.Join(projectRoot, m.cfg.Dir, jobDirPrefix+strconv.FormatInt(jobID, 10))
}

// BranchFor returns the branch name a job's workspace is checked out on.
func (m *Manager) BranchFor(job *models.Job) string {
	return fmt.Sprintf("%s/ticket-%d/job-%d", m.cfg.BranchPrefix, job.TicketID(), job.ID)
}

// Create makes a fresh workspace for job. A leftover workspace at the same
// path is force-removed first.
func (m *Manager) Create(ctx context.Context, job *models.Job, baseRef string) (*Workspace, error) {
	root := job.ProjectRoot()
	if root == "" {
		return nil, ErrNoProjectRoot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	runner := m.newRunner(root)
	if _, err := runner.Version(ctx); err != nil {
		return nil, fmt.Errorf("git unavailable: %w", err)
	}

	ws := &Workspace{
		JobID:       job.ID,
		ProjectRoot: root,
		Path:        m.PathFor(root, job.ID),
		Branch:      m.BranchFor(job),
	}

	if err := m.removeStale(ctx, runner, ws.Path); err != nil {
		return nil, err
	}

	reset, err := runner.BranchExists(ctx, ws.Branch)
	if err != nil {
		return nil, err
	}
	if reset {
		m.log.Warnf("branch %s already exists, recreating it", ws.Branch)
	}

	if err := runner.WorktreeAddNewBranch(ctx, ws.Path, ws.Branch, baseRef, reset); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	m.log.WithFields(logging.Fields{"path": ws.Path, "branch": ws.Branch}).Infof("workspace created")
	return ws, nil
}

// removeStale clears any worktree left at path by an earlier run.
func (m *Manager) removeStale(ctx context.Context, runner git.Runner, path string) error {
	_, statErr := os.Stat(path)
	onDisk := statErr == nil

	registered := false
	if output, err := runner.WorktreeListPorcelain(ctx); err == nil {
		worktrees, _ := parseWorktreeList(output)
		for _, wt := range worktrees {
			if samePath(wt.Path, path) {
				registered = true
				break
			}
		}
	}

	if !onDisk && !registered {
		return nil
	}

	m.log.Warnf("removing stale workspace %s", path)
	if err := runner.WorktreeRemoveForce(ctx, path); err != nil {
		if !onDisk {
			m.log.Debugf("remove unregistered stale worktree: %v", err)
		} else if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove stale workspace: %w", rmErr)
		}
	}
	if err := runner.WorktreePrune(ctx); err != nil {
		m.log.Debugf("prune after stale removal: %v", err)
	}
	return nil
}

// Remove force-removes the job's workspace. The branch is kept for inspection.
func (m *Manager) Remove(ctx context.Context, job *models.Job) {
	root := job.ProjectRoot()
	if root == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.PathFor(root, job.ID)
	if err := m.newRunner(root).WorktreeRemoveForce(ctx, path); err != nil {
		m.log.Warnf("remove workspace %s: %v", path, err)
		return
	}
	m.log.Debugf("workspace removed: %s", path)
}

// List returns every worktree registered in projectRoot.
func (m *Manager) List(ctx context.Context, projectRoot string) ([]*Worktree, error) {
	output, err := m.newRunner(projectRoot).WorktreeListPorcelain(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(output)
}

// Stale returns the job worktrees under projectRoot whose job id is not
// in keep.
func (m *Manager) Stale(ctx context.Context, projectRoot string, keep []int64) ([]*Worktree, error) {
	worktrees, err := m.List(ctx, projectRoot)
	if err != nil {
		return nil, err
	}

	keepSet := make(map[int64]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}

	isolation := filepath.Join(projectRoot, m.cfg.Dir)
	var stale []*Worktree
	for _, wt := range worktrees {
		jobID, ok := jobIDFromPath(isolation, wt.Path)
		if !ok || keepSet[jobID] {
			continue
		}
		stale = append(stale, wt)
	}
	return stale, nil
}

// CleanupStale removes every job worktree under projectRoot whose job id is
// not in keep, then prunes. It returns the removed paths.
func (m *Manager) CleanupStale(ctx context.Context, projectRoot string, keep []int64) ([]string, error) {
	stale, err := m.Stale(ctx, projectRoot, keep)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	runner := m.newRunner(projectRoot)
	var removed []string
	for _, wt := range stale {
		if err := runner.WorktreeRemoveForce(ctx, wt.Path); err != nil {
			// If git worktree remove fails, try removing the directory directly
			if err := os.RemoveAll(wt.Path); err != nil {
				m.log.Warnf("remove stale worktree %s: %v", wt.Path, err)
				continue
			}
		}
		removed = append(removed, wt.Path)
	}

	// Final prune to clean up any dangling references
	if err := runner.WorktreePrune(ctx); err != nil {
		m.log.Debugf("prune worktrees: %v", err)
	}

	return removed, nil
}

// jobIDFromPath returns the job id when path is <isolation>/job-<id>.
func jobIDFromPath(isolation, path string) (int64, bool) {
	if !samePath(filepath.Dir(path), isolation) {
		return 0, false
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, jobDirPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, jobDirPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// parseWorktreeList parses the output of 'git worktree list --porcelain'.
func parseWorktreeList(output string) ([]*Worktree, error) {
	var worktrees []*Worktree
	var current *Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current != nil {
				worktrees = append(worktrees, current)
				current = nil
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			if current != nil {
				worktrees = append(worktrees, current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		} else if strings.HasPrefix(line, "branch ") && current != nil {
			// Format: branch refs/heads/<name>
			current.BranchName = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}

	// Don't forget the last worktree if output doesn't end with blank line
	if current != nil {
		worktrees = append(worktrees, current)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}
	return worktrees, nil
}
