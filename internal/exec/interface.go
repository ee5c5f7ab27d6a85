// Package exec provides an interface for command execution.
package exec

import (
	"context"
	"time"
)

// CommandRunner defines the interface for running external commands.
// Commands are always started from an explicit argument vector; nothing
// is passed through a shell. This abstraction allows mocking command
// execution in tests.
type CommandRunner interface {
	// Run executes name with args and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty. A positive
	// timeout bounds the call; on expiry the process is killed and the
	// returned error wraps context.DeadlineExceeded.
	Run(ctx context.Context, workDir string, timeout time.Duration, name string, args ...string) (output []byte, err error)
}
