package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

const (
	// DefaultCommand is the coding tool binary.
	DefaultCommand = "claude"
	// DefaultTimeout bounds a single execution.
	DefaultTimeout = 30 * time.Minute

	killGrace    = 5 * time.Second
	maxStderr    = 16 << 10
	maxLineBytes = 4 << 20
)

// DefaultAllowedTools are pre-approved so the CLI never prompts.
var DefaultAllowedTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebFetch"}

// Failure categories reported by the CLI executor.
const (
	CategoryTimeout     = "timeout"
	CategoryKilled      = "killed"
	CategoryUnavailable = "executor_unavailable"
	CategoryCLIError    = "cli_error"
	CategoryToolError   = "tool_error"
)

// ClaudeConfig configures the CLI executor.
type ClaudeConfig struct {
	// Command is the binary to run. Defaults to "claude".
	Command string
	// Model is passed as --model when set.
	Model string
	// AllowedTools is passed as --allowedTools.
	AllowedTools []string
	// Timeout bounds each execution.
	Timeout time.Duration
}

// Claude runs jobs through the claude CLI with stream-json output.
type Claude struct {
	cfg ClaudeConfig
	log *logging.Logger
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Verify Claude implements Executor at compile time.
var _ Executor = (*Claude)(nil)

// NewClaude creates a CLI executor.
func NewClaude(cfg ClaudeConfig, log *logging.Logger) *Claude {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if len(cfg.AllowedTools) == 0 {
		cfg.AllowedTools = DefaultAllowedTools
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Claude{cfg: cfg, log: log.Named("executor"), now: time.Now}
}

// Args returns the CLI arguments for req.
func (c *Claude) Args(req Request) []string {
	tools := c.cfg.AllowedTools
	model := c.cfg.Model
	if req.Settings != nil {
		if len(req.Settings.AllowedTools) > 0 {
			tools = req.Settings.AllowedTools
		}
		if req.Settings.Model != "" {
			model = req.Settings.Model
		}
	}

	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"--allowedTools", strings.Join(tools, ","),
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	// Add prompt last
	return append(args, "-p", BuildPrompt(req))
}

// Execute runs the CLI in req.WorkDir and streams its output to onProgress.
func (c *Claude) Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*models.ExecutionResult, error) {
	start := c.now()

	ctx, cancelTimeout := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.Args(req)...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindExecution, CategoryUnavailable, fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr := &cappedBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, models.NewJobError(models.ErrorKindExecution, CategoryUnavailable, fmt.Errorf("start %s: %w", c.cfg.Command, err))
	}
	c.setCancel(cancel)
	defer c.setCancel(nil)
	c.log.Debugf("started %s pid=%d in %s", c.cfg.Command, cmd.Process.Pid, req.WorkDir)

	var transcript strings.Builder
	var final string
	var finalSeen, failed bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := ParseStreamLine(line)
		if err != nil {
			c.log.Debugf("skipping unparseable stream line: %v", err)
			continue
		}

		switch event.Type {
		case StreamEventAssistant:
			if event.Text != "" {
				transcript.WriteString(event.Text)
				transcript.WriteString("\n")
				safeProgress(onProgress, event.Text)
			}
			for _, action := range event.ToolActions {
				safeProgress(onProgress, action)
			}
		case StreamEventResult:
			final, finalSeen, failed = event.Result, true, event.IsError
		case StreamEventError:
			c.log.Warnf("stream error: %s", event.Result)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.log.Warnf("read stream: %v", err)
	}

	waitErr := cmd.Wait()
	partial := strings.TrimSpace(transcript.String())

	if waitErr != nil || ctx.Err() != nil {
		return nil, c.classify(ctx, waitErr, stderr.String(), partial)
	}
	if failed {
		jobErr := models.NewJobError(models.ErrorKindExecution, CategoryToolError, errors.New(firstNonEmpty(final, "coding tool reported an error")))
		jobErr.PartialOutput = partial
		return nil, jobErr
	}

	output := final
	if !finalSeen || strings.TrimSpace(output) == "" {
		output = partial
	}
	return &models.ExecutionResult{
		Output:          output,
		Summary:         Summarize(output),
		ExecutionTimeMs: c.now().Sub(start).Milliseconds(),
	}, nil
}

func (c *Claude) classify(ctx context.Context, waitErr error, stderr, partial string) error {
	var jobErr *models.JobError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		jobErr = models.NewJobError(models.ErrorKindTimeout, CategoryTimeout,
			fmt.Errorf("execution exceeded %v", c.cfg.Timeout))
	case errors.Is(ctx.Err(), context.Canceled):
		jobErr = models.NewJobError(models.ErrorKindExecution, CategoryKilled, errors.New("execution was killed"))
	default:
		msg := fmt.Sprintf("%s exited: %v", c.cfg.Command, waitErr)
		if s := strings.TrimSpace(stderr); s != "" {
			msg += "; stderr: " + s
		}
		jobErr = models.NewJobError(models.ErrorKindExecution, CategoryCLIError, errors.New(msg))
	}
	jobErr.PartialOutput = partial
	return jobErr
}

// Kill aborts the running CLI process, if any.
func (c *Claude) Kill() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		c.log.Warnf("killing active %s process", c.cfg.Command)
		cancel()
	}
}

func (c *Claude) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// safeProgress calls fn, containing any panic it raises.
func safeProgress(fn ProgressFunc, chunk string) {
	if fn == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(chunk)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
