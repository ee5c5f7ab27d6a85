package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/breaker"
	"github.com/ShayCichocki/ralph-agent/internal/executor"
	"github.com/ShayCichocki/ralph-agent/internal/gateway"
	"github.com/ShayCichocki/ralph-agent/internal/heartbeat"
	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/internal/project"
	"github.com/ShayCichocki/ralph-agent/internal/state"
	"github.com/ShayCichocki/ralph-agent/internal/workspace"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

var (
	// ErrCircuitOpen is returned by Start when the failure window trips.
	ErrCircuitOpen = errors.New("too many coordinator failures in the failure window")
	// ErrTooManyFailures is returned by Start after too many consecutive claim errors.
	ErrTooManyFailures = errors.New("too many consecutive claim errors")
	// ErrPanic is returned by Start when the poll loop panicked.
	ErrPanic = errors.New("poll loop panicked")
)

// Failure categories reported by the orchestrator itself.
const (
	CategoryAgentShutdown  = "agent_shutdown"
	CategoryAgentRestart   = "agent_restart"
	CategoryWorkspace      = "workspace_error"
	CategorySettings       = "project_settings"
	CategoryMarkRunning    = "mark_running"
	CategoryCompletionSave = "completion_report"
)

const shutdownReportTimeout = 10 * time.Second

// State is the orchestrator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateProcessing
	StateShuttingDown
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// JobGateway is the subset of the coordinator gateway the orchestrator uses.
type JobGateway interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	MarkRunning(ctx context.Context, jobID int64) error
	MarkCompleted(ctx context.Context, jobID int64, result *models.ExecutionResult) error
	MarkFailed(ctx context.Context, jobID int64, jobErr *models.JobError)
	SendHeartbeat(ctx context.Context, jobID int64)
	SendProgress(ctx context.Context, jobID int64, chunk string)
	SendStatusEvent(ctx context.Context, jobID int64, eventType, message string, metadata map[string]interface{})
	UpdateMetadata(ctx context.Context, jobID int64, metadata map[string]interface{})
}

// Heartbeat renews the lease of the current job.
type Heartbeat interface {
	Start(jobID int64)
	BeginCompletion()
	Stop()
}

// Journal records job lifecycle locally for crash recovery.
type Journal interface {
	RecordClaim(job *models.Job) error
	RecordWorkspace(jobID int64, path, branch string) error
	RecordOutcome(jobID int64, status models.JobStatus, jobErr *models.JobError) error
	Running() ([]state.JobRecord, error)
}

// SettingsLoader loads per-project settings for a project root.
type SettingsLoader func(root string) (*project.Settings, error)

// Orchestrator claims one job at a time and drives it to a terminal report.
type Orchestrator struct {
	cfg          Config
	gateway      JobGateway
	executor     executor.Executor
	workspaces   workspace.Provider
	heartbeat    Heartbeat
	breaker      *breaker.Window
	journal      Journal
	loadSettings SettingsLoader
	gate         *claimGate
	log          *logging.Logger
	exit         func(code int)
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time

	running  atomic.Bool
	stopOnce sync.Once

	mu           sync.Mutex
	state        State
	current      *models.Job
	terminalSent bool
	cancel       context.CancelFunc
	stopErr      error

	lastRequest       time.Time
	consecutiveErrors int
}

// New creates an Orchestrator.
func New(required RequiredConfig, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger.Named("orchestrator")
	hb := o.heartbeat
	if hb == nil {
		hb = heartbeat.New(required.Gateway, heartbeat.DefaultInterval, o.logger)
	}
	window := o.breaker
	if window == nil {
		window = breaker.New(breaker.DefaultConfig())
	}

	return &Orchestrator{
		cfg:          o.config.withDefaults(),
		gateway:      required.Gateway,
		executor:     required.Executor,
		workspaces:   o.workspaces,
		heartbeat:    hb,
		breaker:      window,
		journal:      o.journal,
		loadSettings: o.loadSettings,
		gate:         newClaimGate(o.now),
		log:          log,
		exit:         o.exit,
		sleep:        o.sleep,
		now:          o.now,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentJob returns the job in flight, or nil.
func (o *Orchestrator) CurrentJob() *models.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Pause stops claiming new jobs until Resume. A job in flight runs to
// completion.
func (o *Orchestrator) Pause() {
	if !o.gate.Pause() {
		return
	}
	if job := o.CurrentJob(); job != nil {
		o.log.Infof("paused; job %d runs to completion, no new jobs will be claimed", job.ID)
		return
	}
	o.log.Infof("paused; no new jobs will be claimed")
}

// Resume re-enables claiming.
func (o *Orchestrator) Resume() {
	if d := o.gate.Resume(); d > 0 {
		o.log.Infof("resumed after %v paused", d.Round(time.Second))
	}
}

// Paused reports whether claiming is paused.
func (o *Orchestrator) Paused() bool { return o.gate.Paused() }

// Start runs the poll loop until Stop is called or a fatal condition ends
// it. It must be called once. A nil return means an orderly stop.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.running.Store(true)

	if o.cfg.HandleSignals {
		defer o.handleSignals()()
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("panic in poll loop: %v", r)
			o.stopWith(fmt.Errorf("%w: %v", ErrPanic, r))
			err = o.stopReason()
		}
	}()

	o.recoverInterrupted(ctx)
	o.setState(StatePolling)
	o.log.Infof("polling for jobs")

	o.pollLoop(ctx)
	return o.stopReason()
}

// handleSignals routes SIGINT and SIGTERM into Stop. The returned func
// uninstalls the handler.
func (o *Orchestrator) handleSignals() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			o.log.Warnf("received %s, shutting down", sig)
			o.Stop()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	for o.running.Load() {
		if err := o.gate.Wait(ctx); err != nil {
			return
		}
		if err := o.waitForSpacing(ctx); err != nil {
			return
		}

		job, err := o.gateway.ClaimNext(ctx)
		if !o.running.Load() {
			return
		}
		if err != nil {
			if !o.handleClaimError(ctx, err) {
				return
			}
			continue
		}
		o.consecutiveErrors = 0

		if job == nil {
			if err := o.sleep(ctx, o.cfg.NoJobDelay); err != nil {
				return
			}
			continue
		}

		if err := o.processJob(ctx, job); err != nil {
			o.log.Errorf("job %d: %v", job.ID, err)
			o.breaker.RecordFailure()
			if o.breaker.ShouldShutdown() {
				o.log.Errorf("failure window tripped (%d failures), shutting down", o.breaker.Count())
				o.stopWith(ErrCircuitOpen)
				return
			}
		}
	}
}

// handleClaimError applies backoff bookkeeping to a claim error and reports
// whether polling should continue.
func (o *Orchestrator) handleClaimError(ctx context.Context, err error) bool {
	if errors.Is(err, gateway.ErrUnauthorized) {
		o.log.Errorf("%v: check the coordinator token", err)
		o.stopWith(err)
		return false
	}

	o.consecutiveErrors++
	o.breaker.RecordFailure()
	if o.breaker.ShouldShutdown() {
		o.log.Errorf("failure window tripped (%d failures), shutting down", o.breaker.Count())
		o.stopWith(ErrCircuitOpen)
		return false
	}

	delay := o.backoff(o.consecutiveErrors)
	o.log.Warnf("claim failed (%d consecutive), retrying in %v: %v", o.consecutiveErrors, delay, err)
	if err := o.sleep(ctx, delay); err != nil {
		return false
	}

	if o.consecutiveErrors >= o.cfg.MaxConsecutiveErrors {
		o.log.Errorf("%d consecutive claim errors, shutting down", o.consecutiveErrors)
		o.stopWith(fmt.Errorf("%w (%d)", ErrTooManyFailures, o.consecutiveErrors))
		return false
	}
	return true
}

// backoff returns BackoffBase doubled per consecutive error, capped at BackoffMax.
func (o *Orchestrator) backoff(consecutive int) time.Duration {
	delay := o.cfg.BackoffBase
	for i := 1; i < consecutive; i++ {
		delay *= 2
		if delay >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	if delay > o.cfg.BackoffMax {
		return o.cfg.BackoffMax
	}
	return delay
}

// waitForSpacing enforces MinRequestInterval between claim attempts.
func (o *Orchestrator) waitForSpacing(ctx context.Context) error {
	if !o.lastRequest.IsZero() {
		if wait := o.cfg.MinRequestInterval - o.now().Sub(o.lastRequest); wait > 0 {
			if err := o.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	o.lastRequest = o.now()
	return nil
}

// recoverInterrupted reports jobs a previous process left running.
func (o *Orchestrator) recoverInterrupted(ctx context.Context) {
	if o.journal == nil {
		return
	}
	records, err := o.journal.Running()
	if err != nil {
		o.log.Warnf("read job journal: %v", err)
		return
	}

	for i := range records {
		rec := &records[i]
		o.log.Warnf("job %d was still running when the previous agent exited, reporting it failed", rec.JobID)

		o.gateway.SendStatusEvent(ctx, rec.JobID, gateway.EventAgentRecovering,
			"Agent restarted while this job was running", nil)
		jobErr := &models.JobError{
			Kind:     models.ErrorKindExecution,
			Message:  "agent restarted while job was running",
			Category: CategoryAgentRestart,
		}
		o.gateway.MarkFailed(ctx, rec.JobID, jobErr)
		o.recordOutcome(rec.JobID, models.JobStatusFailed, jobErr)

		job := rec.Job()
		if o.workspaces != nil && job.JobType == models.JobTypeCodeExecution && job.ProjectRoot() != "" {
			o.workspaces.Remove(ctx, job)
		}
	}
}

// Stop shuts the orchestrator down. It kills any running execution and
// reports the in-flight job failed. Safe to call more than once and from
// any goroutine.
func (o *Orchestrator) Stop() {
	o.stopWith(nil)
}

func (o *Orchestrator) stopWith(reason error) {
	o.stopOnce.Do(func() {
		o.running.Store(false)

		o.mu.Lock()
		o.state = StateShuttingDown
		o.stopErr = reason
		cancel := o.cancel
		o.mu.Unlock()

		o.log.Infof("shutting down")
		o.gate.Stop()
		o.heartbeat.Stop()
		o.executor.Kill()

		// In-flight coordinator calls are aborted before the failure report
		// so none of them can land after it.
		if cancel != nil {
			cancel()
		}

		if job := o.claimInFlight(); job != nil {
			o.sendShutdownFailure(context.Background(), job)
		}

		if o.exit != nil {
			code := 0
			if reason != nil {
				code = 1
			}
			time.AfterFunc(o.cfg.ShutdownGrace, func() { o.exit(code) })
		}
	})
}

func shutdownError() *models.JobError {
	return &models.JobError{
		Kind:     models.ErrorKindExecution,
		Message:  "agent shutdown during execution",
		Category: CategoryAgentShutdown,
	}
}

// sendShutdownFailure reports job failed because the agent is stopping.
// It runs on its own deadline since the job context is already cancelled.
func (o *Orchestrator) sendShutdownFailure(parent context.Context, job *models.Job) {
	ctx, done := context.WithTimeout(context.WithoutCancel(parent), shutdownReportTimeout)
	defer done()
	jobErr := shutdownError()
	o.gateway.MarkFailed(ctx, job.ID, jobErr)
	o.recordOutcome(job.ID, models.JobStatusFailed, jobErr)
}

func (o *Orchestrator) stopReason() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopErr
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateShuttingDown {
		o.state = s
	}
}

func (o *Orchestrator) beginJob(job *models.Job) {
	o.mu.Lock()
	o.current = job
	o.terminalSent = false
	if o.state != StateShuttingDown {
		o.state = StateProcessing
	}
	o.mu.Unlock()
	o.log.SetJob(job.ID)
}

func (o *Orchestrator) endJob() {
	o.log.ClearJob()
	o.mu.Lock()
	o.current = nil
	o.terminalSent = false
	if o.state != StateShuttingDown {
		o.state = StatePolling
	}
	o.mu.Unlock()
}

// claimTerminal reserves the right to send the terminal report for jobID.
// It returns false if Stop already reported the job.
func (o *Orchestrator) claimTerminal(jobID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.ID != jobID || o.terminalSent {
		return false
	}
	o.terminalSent = true
	return true
}

// claimInFlight returns the current job if its terminal report has not
// been sent, reserving it for the caller.
func (o *Orchestrator) claimInFlight() *models.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.terminalSent {
		return nil
	}
	o.terminalSent = true
	return o.current
}

func (o *Orchestrator) recordClaim(job *models.Job) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RecordClaim(job); err != nil {
		o.log.Warnf("journal: %v", err)
	}
}

func (o *Orchestrator) recordWorkspace(jobID int64, ws *workspace.Workspace) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RecordWorkspace(jobID, ws.Path, ws.Branch); err != nil {
		o.log.Warnf("journal: %v", err)
	}
}

func (o *Orchestrator) recordOutcome(jobID int64, status models.JobStatus, jobErr *models.JobError) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RecordOutcome(jobID, status, jobErr); err != nil {
		o.log.Warnf("journal: %v", err)
	}
}
