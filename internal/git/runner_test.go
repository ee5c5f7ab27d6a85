package git

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/exec"
)

// exitStatus mimics *os/exec.ExitError for the fake runner.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

type fakeCall struct {
	workDir string
	timeout time.Duration
	args    []string
}

// fakeCommands records every invocation and replies with a canned result.
type fakeCommands struct {
	calls  []fakeCall
	output string
	err    error
}

func (f *fakeCommands) Run(ctx context.Context, workDir string, timeout time.Duration, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, fakeCall{workDir: workDir, timeout: timeout, args: append([]string{name}, args...)})
	return []byte(f.output), f.err
}

func TestBranchExists(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    bool
		wantErr bool
	}{
		{"present", nil, true, false},
		{"missing", &exec.CommandError{Name: "git", Err: exitStatus(1)}, false, false},
		{"not a repository", &exec.CommandError{Name: "git", Err: exitStatus(128)}, false, true},
		{"timed out", &exec.CommandError{Name: "git", Err: fmt.Errorf("killed: %w", context.DeadlineExceeded)}, false, true},
		{"no exit code", errors.New("git: executable file not found"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &fakeCommands{err: tt.err}
			r := NewRunner("/repo", cmd, Timeouts{})

			got, err := r.BranchExists(context.Background(), "ralph/ticket-7/job-42")
			if (err != nil) != tt.wantErr {
				t.Fatalf("BranchExists() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("BranchExists() = %v, want %v", got, tt.want)
			}

			wantArgs := []string{"git", "show-ref", "--verify", "--quiet", "refs/heads/ralph/ticket-7/job-42"}
			if len(cmd.calls) != 1 || !reflect.DeepEqual(cmd.calls[0].args, wantArgs) {
				t.Errorf("calls = %+v, want one call with %v", cmd.calls, wantArgs)
			}
		})
	}
}

func TestWorktreeAddNewBranch(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		reset bool
		want  []string
	}{
		{"new branch", "main", false, []string{"git", "worktree", "add", "-b", "b", "/wt", "main"}},
		{"reset branch", "main", true, []string{"git", "worktree", "add", "-B", "b", "/wt", "main"}},
		{"empty base uses HEAD", "", false, []string{"git", "worktree", "add", "-b", "b", "/wt", "HEAD"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &fakeCommands{}
			r := NewRunner("/repo", cmd, Timeouts{Create: 7 * time.Second})
			if err := r.WorktreeAddNewBranch(context.Background(), "/wt", "b", tt.base, tt.reset); err != nil {
				t.Fatalf("WorktreeAddNewBranch() error = %v", err)
			}
			if !reflect.DeepEqual(cmd.calls[0].args, tt.want) {
				t.Errorf("args = %v, want %v", cmd.calls[0].args, tt.want)
			}
			if cmd.calls[0].timeout != 7*time.Second || cmd.calls[0].workDir != "/repo" {
				t.Errorf("call = %+v, want create timeout in /repo", cmd.calls[0])
			}
		})
	}
}

func TestRunner_TimeoutsPerOperation(t *testing.T) {
	cmd := &fakeCommands{output: "git version 2.43.0\n"}
	r := NewRunner("/repo", cmd, Timeouts{Version: time.Second})
	ctx := context.Background()

	version, err := r.Version(ctx)
	if err != nil || version != "git version 2.43.0" {
		t.Fatalf("Version() = %q, %v", version, err)
	}
	_ = r.WorktreePrune(ctx)
	_, _ = r.WorktreeListPorcelain(ctx)

	def := DefaultTimeouts()
	want := []time.Duration{time.Second, def.Default, def.Default}
	for i, call := range cmd.calls {
		if call.timeout != want[i] {
			t.Errorf("call %v timeout = %v, want %v", call.args, call.timeout, want[i])
		}
	}
	if got := cmd.calls[1].args; !reflect.DeepEqual(got, []string{"git", "worktree", "prune", "--expire", "now"}) {
		t.Errorf("prune args = %v", got)
	}
}

func TestRunner_WrapsCommandErrors(t *testing.T) {
	cmdErr := &exec.CommandError{Name: "git", Output: "fatal: not a working tree", Err: exitStatus(128)}
	r := NewRunner("/repo", &fakeCommands{err: cmdErr}, Timeouts{})

	err := r.WorktreeRemoveForce(context.Background(), "/repo/.ralph-worktrees/job-1")
	var got *exec.CommandError
	if !errors.As(err, &got) || got != cmdErr {
		t.Fatalf("WorktreeRemoveForce() error = %v, want wrapped CommandError", err)
	}
}
