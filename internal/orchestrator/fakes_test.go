package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/breaker"
	"github.com/ShayCichocki/ralph-agent/internal/executor"
	"github.com/ShayCichocki/ralph-agent/internal/project"
	"github.com/ShayCichocki/ralph-agent/internal/state"
	"github.com/ShayCichocki/ralph-agent/internal/workspace"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

// recorder collects an ordered call log shared by the fakes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.list() {
		if c == call {
			n++
		}
	}
	return n
}

type claimResult struct {
	job *models.Job
	err error
}

type fakeGateway struct {
	rec *recorder

	mu               sync.Mutex
	claims           []claimResult
	claimErr         error // returned forever once claims run out, if set
	claimPanic       bool
	claimCount       int
	onExhausted      func()
	markRunningErr   error
	markCompletedErr error
	completed        []*models.ExecutionResult
	failed           []*models.JobError
	progress         []string
	metadata         []map[string]interface{}
}

func (g *fakeGateway) ClaimNext(ctx context.Context) (*models.Job, error) {
	g.mu.Lock()
	g.claimCount++
	if g.claimPanic {
		g.mu.Unlock()
		panic("claim exploded")
	}
	if len(g.claims) > 0 {
		next := g.claims[0]
		g.claims = g.claims[1:]
		g.mu.Unlock()
		return next.job, next.err
	}
	claimErr, onExhausted := g.claimErr, g.onExhausted
	g.mu.Unlock()

	if claimErr != nil {
		return nil, claimErr
	}
	if onExhausted != nil {
		onExhausted()
	}
	return nil, nil
}

func (g *fakeGateway) MarkRunning(ctx context.Context, jobID int64) error {
	g.rec.add("markRunning(%d)", jobID)
	return g.markRunningErr
}

func (g *fakeGateway) MarkCompleted(ctx context.Context, jobID int64, result *models.ExecutionResult) error {
	g.rec.add("markCompleted(%d)", jobID)
	g.mu.Lock()
	g.completed = append(g.completed, result)
	g.mu.Unlock()
	return g.markCompletedErr
}

func (g *fakeGateway) MarkFailed(ctx context.Context, jobID int64, jobErr *models.JobError) {
	g.rec.add("markFailed(%d,%s)", jobID, jobErr.Category)
	g.mu.Lock()
	g.failed = append(g.failed, jobErr)
	g.mu.Unlock()
}

func (g *fakeGateway) SendHeartbeat(ctx context.Context, jobID int64) {
	g.rec.add("heartbeat(%d)", jobID)
}

func (g *fakeGateway) SendProgress(ctx context.Context, jobID int64, chunk string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.progress = append(g.progress, chunk)
}

func (g *fakeGateway) SendStatusEvent(ctx context.Context, jobID int64, eventType, message string, metadata map[string]interface{}) {
	g.rec.add("event(%d,%s)", jobID, eventType)
}

func (g *fakeGateway) UpdateMetadata(ctx context.Context, jobID int64, metadata map[string]interface{}) {
	g.rec.add("metadata(%d)", jobID)
	g.mu.Lock()
	g.metadata = append(g.metadata, metadata)
	g.mu.Unlock()
}

func (g *fakeGateway) claimTotal() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.claimCount
}

// blockingRunGateway holds MarkRunning until release is closed, and only
// then records the write as applied.
type blockingRunGateway struct {
	*fakeGateway
	entered chan struct{}
	release chan struct{}
}

func (g *blockingRunGateway) MarkRunning(ctx context.Context, jobID int64) error {
	close(g.entered)
	<-g.release
	g.rec.add("markRunning(%d)", jobID)
	return nil
}

type fakeHeartbeat struct {
	rec *recorder

	mu      sync.Mutex
	running bool
	jobID   int64
}

func (h *fakeHeartbeat) Start(jobID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running, h.jobID = true, jobID
	h.rec.add("heartbeat.start(%d)", jobID)
}

func (h *fakeHeartbeat) BeginCompletion() {}

func (h *fakeHeartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.running = false
		h.rec.add("heartbeat.stop(%d)", h.jobID)
	}
}

type fakeExecutor struct {
	rec     *recorder
	result  *models.ExecutionResult
	err     error
	chunks  []string
	block   bool
	started chan struct{}
	killed  atomic.Bool
	// killCh, when set, makes Execute return a killed error as soon as
	// Kill is called, without waiting for the context.
	killCh   chan struct{}
	killOnce sync.Once

	mu   sync.Mutex
	reqs []executor.Request
}

func (e *fakeExecutor) Execute(ctx context.Context, req executor.Request, onProgress executor.ProgressFunc) (*models.ExecutionResult, error) {
	e.rec.add("execute(%d)", req.Job.ID)
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()

	for _, c := range e.chunks {
		onProgress(c)
	}
	if e.started != nil {
		close(e.started)
	}
	if e.killCh != nil {
		<-e.killCh
		return nil, &models.JobError{Kind: models.ErrorKindExecution, Message: "process killed", Category: "killed"}
	}
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return e.result, e.err
}

func (e *fakeExecutor) Kill() {
	e.killed.Store(true)
	if e.killCh != nil {
		e.killOnce.Do(func() { close(e.killCh) })
	}
}

type fakeWorkspaces struct {
	rec       *recorder
	createErr error
	baseRefs  []string
}

func (w *fakeWorkspaces) Create(ctx context.Context, job *models.Job, baseRef string) (*workspace.Workspace, error) {
	w.rec.add("workspace.create(%d)", job.ID)
	w.baseRefs = append(w.baseRefs, baseRef)
	if w.createErr != nil {
		return nil, w.createErr
	}
	return &workspace.Workspace{
		JobID:       job.ID,
		ProjectRoot: job.ProjectRoot(),
		Path:        fmt.Sprintf("%s/.ralph-worktrees/job-%d", job.ProjectRoot(), job.ID),
		Branch:      fmt.Sprintf("ralph/ticket-%d/job-%d", job.TicketID(), job.ID),
	}, nil
}

func (w *fakeWorkspaces) Remove(ctx context.Context, job *models.Job) {
	w.rec.add("workspace.remove(%d)", job.ID)
}

type fakeJournal struct {
	mu       sync.Mutex
	running  []state.JobRecord
	claims   []int64
	outcomes map[int64]models.JobStatus
}

func (j *fakeJournal) RecordClaim(job *models.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.claims = append(j.claims, job.ID)
	return nil
}

func (j *fakeJournal) RecordWorkspace(jobID int64, path, branch string) error { return nil }

func (j *fakeJournal) RecordOutcome(jobID int64, status models.JobStatus, jobErr *models.JobError) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcomes == nil {
		j.outcomes = make(map[int64]models.JobStatus)
	}
	j.outcomes[jobID] = status
	return nil
}

func (j *fakeJournal) Running() ([]state.JobRecord, error) {
	return j.running, nil
}

type harness struct {
	rec    *recorder
	gw     *fakeGateway
	hb     *fakeHeartbeat
	exec   *fakeExecutor
	orch   *Orchestrator
	sleeps []time.Duration
}

func newHarness(cfg Config, opts ...Option) *harness {
	rec := &recorder{}
	h := &harness{
		rec:  rec,
		gw:   &fakeGateway{rec: rec},
		hb:   &fakeHeartbeat{rec: rec},
		exec: &fakeExecutor{rec: rec, result: &models.ExecutionResult{Output: "x", ExecutionTimeMs: 10}},
	}

	all := []Option{
		WithConfig(cfg),
		WithHeartbeat(h.hb),
		WithBreaker(breaker.New(breaker.Config{AssumedInterval: time.Second})),
		WithSettingsLoader(func(string) (*project.Settings, error) { return &project.Settings{}, nil }),
	}
	h.orch = New(RequiredConfig{Gateway: h.gw, Executor: h.exec}, append(all, opts...)...)
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.gw.onExhausted = h.orch.Stop
	return h
}

func (h *harness) queue(results ...claimResult) {
	h.gw.claims = append(h.gw.claims, results...)
}
