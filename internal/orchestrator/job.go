package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/executor"
	"github.com/ShayCichocki/ralph-agent/internal/gateway"
	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/internal/project"
	"github.com/ShayCichocki/ralph-agent/internal/throttle"
	"github.com/ShayCichocki/ralph-agent/internal/workspace"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

// processJob drives one claimed job to its terminal report.
//
// Order: mark running, claimed event, heartbeat start, execute, heartbeat
// stop, terminal report, workspace removal. A returned error means the
// coordinator may not hold the job's true state. Once Stop has begun, the
// job is only ever reported as an agent shutdown.
func (o *Orchestrator) processJob(ctx context.Context, job *models.Job) error {
	o.beginJob(job)
	defer o.endJob()

	log := o.log.WithFields(logging.Fields{"type": job.JobType})
	log.Infof("processing %q", job.TaskTitle)

	o.recordClaim(job)
	err := o.gateway.MarkRunning(ctx, job.ID)
	if o.stopping() {
		// Stop may have reported the job while MarkRunning was in flight,
		// and a late running write would revive it.
		o.abandonForShutdown(ctx, job, true)
		return nil
	}
	if err != nil {
		jobErr := models.NewJobError(models.ErrorKindTransport, CategoryMarkRunning, err)
		jobErr.Message = fmt.Sprintf("failed to mark job running: %v", err)
		o.reportFailure(ctx, job, jobErr)
		return fmt.Errorf("mark running: %w", err)
	}

	o.gateway.SendStatusEvent(ctx, job.ID, gateway.EventJobClaimed,
		fmt.Sprintf("Agent claimed job: %s", job.TaskTitle),
		map[string]interface{}{"jobType": string(job.JobType)})

	if !o.startHeartbeat(job.ID) {
		o.abandonForShutdown(ctx, job, false)
		return nil
	}
	defer o.heartbeat.Stop()

	progress := newProgressEmitter(func(chunk string) {
		o.gateway.SendProgress(ctx, job.ID, chunk)
	})

	var ws *workspace.Workspace
	result, execErr := func() (*models.ExecutionResult, error) {
		settings, err := o.loadSettings(job.ProjectRoot())
		if err != nil {
			return nil, models.NewJobError(models.ErrorKindValidation, CategorySettings, err)
		}

		workDir := job.ProjectRoot()
		if o.workspaces != nil && job.JobType == models.JobTypeCodeExecution {
			ws, err = o.prepareWorkspace(ctx, job, settings)
			if err != nil {
				return nil, err
			}
			workDir = ws.Path
		}

		if o.stopping() {
			return nil, ErrStopped
		}
		req := executor.Request{Job: job, WorkDir: workDir, Settings: settings}
		return o.executor.Execute(ctx, req, progress.Emit)
	}()
	if ws != nil {
		defer o.workspaces.Remove(context.WithoutCancel(ctx), job)
	}

	// The heartbeat must be fully stopped before the terminal report.
	o.heartbeat.BeginCompletion()
	o.heartbeat.Stop()
	progress.Flush()

	if o.stopping() {
		o.abandonForShutdown(ctx, job, false)
		return nil
	}

	if execErr == nil && result == nil {
		execErr = models.NewJobError(models.ErrorKindExecution, "empty_result", fmt.Errorf("executor returned no result"))
	}
	if execErr != nil {
		jobErr := models.AsJobError(execErr)
		log.Warnf("failed: %v", jobErr)
		o.reportFailure(ctx, job, jobErr)
		return nil
	}

	completed := *result
	if completed.BranchName == "" && ws != nil {
		completed.BranchName = ws.Branch
	}
	return o.reportCompletion(ctx, job, &completed)
}

// stopping reports whether Stop has begun.
func (o *Orchestrator) stopping() bool {
	return !o.running.Load()
}

// startHeartbeat starts the heartbeat for jobID unless shutdown has begun.
// Stop marks the shutdown under the same lock before stopping the
// heartbeat, so a heartbeat is never left running past Stop.
func (o *Orchestrator) startHeartbeat(jobID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateShuttingDown {
		return false
	}
	o.heartbeat.Start(jobID)
	return true
}

// abandonForShutdown reports job failed as an agent shutdown unless Stop
// already did. With resend set, a report Stop already sent is repeated.
func (o *Orchestrator) abandonForShutdown(ctx context.Context, job *models.Job, resend bool) {
	if o.claimTerminal(job.ID) || resend {
		o.log.Infof("job %d abandoned for shutdown", job.ID)
		o.sendShutdownFailure(ctx, job)
	}
}

func (o *Orchestrator) prepareWorkspace(ctx context.Context, job *models.Job, settings *project.Settings) (*workspace.Workspace, error) {
	ws, err := o.workspaces.Create(ctx, job, settings.BaseRefOrHead())
	if err != nil {
		return nil, models.NewJobError(models.ErrorKindExecution, CategoryWorkspace, err)
	}
	o.recordWorkspace(job.ID, ws)

	metadata := map[string]interface{}{
		"worktreePath": ws.Path,
		"branch":       ws.Branch,
	}
	o.gateway.UpdateMetadata(ctx, job.ID, metadata)
	o.gateway.SendStatusEvent(ctx, job.ID, gateway.EventWorkspaceReady,
		fmt.Sprintf("Workspace ready on branch %s", ws.Branch), metadata)
	return ws, nil
}

func (o *Orchestrator) reportCompletion(ctx context.Context, job *models.Job, result *models.ExecutionResult) error {
	if !o.claimTerminal(job.ID) {
		return nil
	}

	if err := o.gateway.MarkCompleted(ctx, job.ID, result); err != nil {
		jobErr := &models.JobError{
			Kind:          models.ErrorKindTransport,
			Message:       fmt.Sprintf("failed to record completion: %v", err),
			Category:      CategoryCompletionSave,
			PartialOutput: result.Output,
			Err:           err,
		}
		o.gateway.MarkFailed(ctx, job.ID, jobErr)
		o.recordOutcome(job.ID, models.JobStatusFailed, jobErr)
		return fmt.Errorf("mark completed: %w", err)
	}

	o.recordOutcome(job.ID, models.JobStatusCompleted, nil)
	o.gateway.SendStatusEvent(ctx, job.ID, gateway.EventJobCompleted,
		fmt.Sprintf("Job completed in %v", result.Elapsed().Round(time.Millisecond)),
		map[string]interface{}{"executionTimeMs": result.ExecutionTimeMs})
	o.log.Infof("completed in %v", result.Elapsed().Round(time.Millisecond))
	return nil
}

// reportFailure sends the failure report unless Stop already did.
func (o *Orchestrator) reportFailure(ctx context.Context, job *models.Job, jobErr *models.JobError) {
	if !o.claimTerminal(job.ID) {
		return
	}
	o.gateway.MarkFailed(ctx, job.ID, jobErr)
	o.recordOutcome(job.ID, models.JobStatusFailed, jobErr)

	metadata := map[string]interface{}{"errorKind": string(jobErr.Kind)}
	if jobErr.Category != "" {
		metadata["errorCategory"] = jobErr.Category
	}
	o.gateway.SendStatusEvent(ctx, job.ID, gateway.EventJobFailed, jobErr.Message, metadata)
}

// progressEmitter forwards executor output through the throttle without
// blocking the executor. One sender goroutine delivers output; chunks that
// arrive while it is busy or while throttled are held and coalesced into
// the next delivery, so nothing is dropped.
type progressEmitter struct {
	mu       sync.Mutex
	throttle *throttle.Throttle
	pending  strings.Builder
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	send     func(chunk string)
}

func newProgressEmitter(send func(chunk string)) *progressEmitter {
	p := &progressEmitter{
		throttle: throttle.New(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		send:     send,
	}
	go p.run()
	return p
}

// Emit is the executor progress callback. It never waits on the send.
func (p *progressEmitter) Emit(chunk string) {
	if chunk == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending.WriteString(chunk)
	if p.throttle.ShouldThrottle() {
		return
	}
	p.throttle.RecordUpdate()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *progressEmitter) run() {
	defer close(p.done)
	for range p.wake {
		if out := p.take(); out != "" {
			p.send(out)
		}
	}
}

func (p *progressEmitter) take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending.String()
	p.pending.Reset()
	return out
}

// Flush waits for any send in flight, then sends whatever is held. Emit
// calls after Flush are ignored.
func (p *progressEmitter) Flush() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.wake)
	p.mu.Unlock()

	<-p.done
	if out := p.take(); out != "" {
		p.send(out)
	}
}
