package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/breaker"
	"github.com/ShayCichocki/ralph-agent/internal/executor"
	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/internal/project"
	"github.com/ShayCichocki/ralph-agent/internal/workspace"
)

// Poll loop defaults.
const (
	DefaultMinRequestInterval   = 1 * time.Second
	DefaultNoJobDelay           = 1 * time.Second
	DefaultBackoffBase          = 5 * time.Second
	DefaultBackoffMax           = 60 * time.Second
	DefaultMaxConsecutiveErrors = 10
	DefaultShutdownGrace        = 2 * time.Second
)

// Config controls the poll loop.
type Config struct {
	// MinRequestInterval is the minimum spacing between claim attempts.
	MinRequestInterval time.Duration
	// NoJobDelay is slept after a claim returns no job.
	NoJobDelay time.Duration
	// BackoffBase is the delay after the first consecutive claim error.
	// It doubles per consecutive error up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxConsecutiveErrors stops the agent after that many claim errors in a row.
	MaxConsecutiveErrors int
	// ShutdownGrace is the delay between Stop and the forced process exit.
	ShutdownGrace time.Duration
	// HandleSignals installs SIGINT/SIGTERM handlers in Start.
	HandleSignals bool
}

// DefaultConfig returns the default poll loop settings.
func DefaultConfig() Config {
	return Config{
		MinRequestInterval:   DefaultMinRequestInterval,
		NoJobDelay:           DefaultNoJobDelay,
		BackoffBase:          DefaultBackoffBase,
		BackoffMax:           DefaultBackoffMax,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		ShutdownGrace:        DefaultShutdownGrace,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinRequestInterval < 0 {
		c.MinRequestInterval = 0
	}
	if c.NoJobDelay < 0 {
		c.NoJobDelay = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	return c
}

// RequiredConfig contains the collaborators an Orchestrator cannot run without.
type RequiredConfig struct {
	// Gateway talks to the coordinator.
	Gateway JobGateway
	// Executor runs claimed jobs.
	Executor executor.Executor
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	config       Config
	workspaces   workspace.Provider
	heartbeat    Heartbeat
	breaker      *breaker.Window
	journal      Journal
	loadSettings SettingsLoader
	logger       *logging.Logger
	exit         func(code int)

	// Injectable dependencies for testing
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// WithConfig sets the poll loop configuration.
func WithConfig(cfg Config) Option {
	return func(o *orchestratorOptions) { o.config = cfg }
}

// WithWorkspaces enables isolated workspaces for code_execution jobs.
func WithWorkspaces(p workspace.Provider) Option {
	return func(o *orchestratorOptions) { o.workspaces = p }
}

// WithHeartbeat sets the heartbeat controller.
func WithHeartbeat(h Heartbeat) Option {
	return func(o *orchestratorOptions) { o.heartbeat = h }
}

// WithBreaker sets the failure window.
func WithBreaker(w *breaker.Window) Option {
	return func(o *orchestratorOptions) { o.breaker = w }
}

// WithJournal enables crash recovery through the local job journal.
func WithJournal(j Journal) Option {
	return func(o *orchestratorOptions) { o.journal = j }
}

// WithSettingsLoader overrides how per-project settings are loaded.
func WithSettingsLoader(fn SettingsLoader) Option {
	return func(o *orchestratorOptions) { o.loadSettings = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithExit schedules fn to run ShutdownGrace after Stop, as a last resort
// if the poll loop does not return in time.
func WithExit(fn func(code int)) Option {
	return func(o *orchestratorOptions) { o.exit = fn }
}

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		config:       DefaultConfig(),
		loadSettings: project.Load,
		sleep:        sleepContext,
		now:          time.Now,
	}
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
