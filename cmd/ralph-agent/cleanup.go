package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	iexec "github.com/ShayCichocki/ralph-agent/internal/exec"
	"github.com/ShayCichocki/ralph-agent/internal/state"
)

var (
	cleanupProject string
	cleanupDryRun  bool
	cleanupForce   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover job worktrees",
	Long: `Remove job worktrees left behind under the project's isolation
directory (.ralph-worktrees by default).

Worktrees belonging to jobs the journal still records as running are kept
unless --force is given.

Examples:
  ralph-agent cleanup --dry-run
  ralph-agent cleanup --project ~/src/app`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupProject, "project", "", "Project root (default: git root of the current directory)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "List what would be removed without removing it")
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Also remove worktrees of jobs still recorded as running")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := cmd.Context()
	root := cleanupProject
	if root == "" {
		root, err = gitToplevel(ctx)
		if err != nil {
			return err
		}
	}

	var keep []int64
	if !cleanupForce {
		keep = runningJobIDs(cfg.State.Dir)
	}

	manager := newWorkspaceManager(cfg, log.Named("workspace"))

	if cleanupDryRun {
		stale, err := manager.Stale(ctx, root, keep)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			printStatus("✓", "No stale worktrees", color.FgGreen)
			return nil
		}
		for _, wt := range stale {
			fmt.Printf("  would remove %s (%s)\n", wt.Path, wt.BranchName)
		}
		return nil
	}

	removed, err := manager.CleanupStale(ctx, root, keep)
	if err != nil {
		return err
	}
	for _, path := range removed {
		fmt.Printf("  removed %s\n", path)
	}
	printStatus("✓", fmt.Sprintf("Removed %d stale worktree(s)", len(removed)), color.FgGreen)
	if len(keep) > 0 {
		fmt.Printf("  kept %d worktree(s) of running jobs; use --force to remove them\n", len(keep))
	}
	return nil
}

// runningJobIDs returns the jobs the journal still records as running.
// A missing or unreadable journal keeps nothing.
func runningJobIDs(stateDir string) []int64 {
	journal, err := state.OpenReader(stateDir)
	if err != nil {
		return nil
	}
	defer journal.Close()

	records, err := journal.Running()
	if err != nil {
		return nil
	}
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.JobID)
	}
	return ids
}

func gitToplevel(ctx context.Context) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	out, err := iexec.NewRunner().Run(ctx, wd, 10*time.Second, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not inside a git repository (use --project): %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
