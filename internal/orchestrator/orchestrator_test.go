package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/breaker"
	"github.com/ShayCichocki/ralph-agent/internal/gateway"
	"github.com/ShayCichocki/ralph-agent/internal/project"
	"github.com/ShayCichocki/ralph-agent/internal/state"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

func planJob(id int64) *models.Job {
	return &models.Job{ID: id, JobType: models.JobTypePlanGeneration, TaskTitle: "t"}
}

func codeJob(id int64) *models.Job {
	return &models.Job{
		ID:        id,
		JobType:   models.JobTypeCodeExecution,
		TaskTitle: "fix bug",
		TaskID:    7,
		Project:   &models.Project{SystemPath: "/repo"},
	}
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("calls =\n  %v\nwant\n  %v", got, want)
	}
}

func TestStart_CompletesJobInOrder(t *testing.T) {
	h := newHarness(Config{})
	h.queue(claimResult{job: planJob(1)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	assertCalls(t, h.rec.list(), []string{
		"markRunning(1)",
		"event(1,job_claimed)",
		"heartbeat.start(1)",
		"execute(1)",
		"heartbeat.stop(1)",
		"markCompleted(1)",
		"event(1,job_completed)",
	})
	if len(h.gw.completed) != 1 || h.gw.completed[0].Output != "x" || h.gw.completed[0].ExecutionTimeMs != 10 {
		t.Errorf("completed = %+v", h.gw.completed)
	}
	if h.orch.State() != StateShuttingDown {
		t.Errorf("State() = %v, want shutting_down", h.orch.State())
	}
	if h.orch.CurrentJob() != nil {
		t.Error("CurrentJob() should be cleared after processing")
	}
}

func TestStart_ExecutorFailurePreservesCategory(t *testing.T) {
	h := newHarness(Config{})
	h.exec.result = nil
	h.exec.err = &models.JobError{Kind: models.ErrorKindTimeout, Message: "execution timed out", Category: "timeout"}
	h.queue(claimResult{job: planJob(1)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	assertCalls(t, h.rec.list(), []string{
		"markRunning(1)",
		"event(1,job_claimed)",
		"heartbeat.start(1)",
		"execute(1)",
		"heartbeat.stop(1)",
		"markFailed(1,timeout)",
		"event(1,job_failed)",
	})
	if len(h.gw.failed) != 1 {
		t.Fatalf("failed reports = %d, want 1", len(h.gw.failed))
	}
	if f := h.gw.failed[0]; f.Kind != models.ErrorKindTimeout || f.PartialOutput != "" {
		t.Errorf("failure = %+v", f)
	}
	if h.orch.breaker.Count() != 0 {
		t.Error("an executor failure should not count against the failure window")
	}
}

func TestStart_PlainExecutorErrorBecomesExecutionFailure(t *testing.T) {
	h := newHarness(Config{})
	h.exec.result = nil
	h.exec.err = errors.New("boom")
	h.queue(claimResult{job: planJob(3)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.gw.failed) != 1 || h.gw.failed[0].Kind != models.ErrorKindExecution || h.gw.failed[0].Message != "boom" {
		t.Errorf("failed = %+v", h.gw.failed)
	}
}

func TestStart_CodeJobUsesWorkspace(t *testing.T) {
	ws := &fakeWorkspaces{}
	h := newHarness(Config{}, WithWorkspaces(ws),
		WithSettingsLoader(func(root string) (*project.Settings, error) {
			return &project.Settings{BaseRef: "main"}, nil
		}))
	ws.rec = h.rec
	h.queue(claimResult{job: codeJob(42)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	assertCalls(t, h.rec.list(), []string{
		"markRunning(42)",
		"event(42,job_claimed)",
		"heartbeat.start(42)",
		"workspace.create(42)",
		"metadata(42)",
		"event(42,workspace_ready)",
		"execute(42)",
		"heartbeat.stop(42)",
		"markCompleted(42)",
		"event(42,job_completed)",
		"workspace.remove(42)",
	})
	if got := h.exec.reqs[0].WorkDir; got != "/repo/.ralph-worktrees/job-42" {
		t.Errorf("WorkDir = %q", got)
	}
	if got := h.gw.completed[0].BranchName; got != "ralph/ticket-7/job-42" {
		t.Errorf("BranchName = %q, want workspace branch", got)
	}
	if !reflect.DeepEqual(ws.baseRefs, []string{"main"}) {
		t.Errorf("base refs = %v", ws.baseRefs)
	}
	if h.gw.metadata[0]["worktreePath"] != "/repo/.ralph-worktrees/job-42" {
		t.Errorf("metadata = %v", h.gw.metadata[0])
	}
}

func TestStart_WorkspaceFailureFailsJob(t *testing.T) {
	h := newHarness(Config{})
	ws := &fakeWorkspaces{rec: h.rec, createErr: errors.New("git not found")}
	h.orch.workspaces = ws
	h.queue(claimResult{job: codeJob(5)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if h.rec.count("execute(5)") != 0 {
		t.Error("executor ran without a workspace")
	}
	if h.rec.count("markFailed(5,"+CategoryWorkspace+")") != 1 {
		t.Errorf("calls = %v", h.rec.list())
	}
	if h.rec.count("workspace.remove(5)") != 0 {
		t.Error("removed a workspace that was never created")
	}
}

func TestStart_SettingsErrorFailsJob(t *testing.T) {
	h := newHarness(Config{}, WithSettingsLoader(func(string) (*project.Settings, error) {
		return nil, errors.New("bad yaml")
	}))
	h.queue(claimResult{job: planJob(6)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.gw.failed) != 1 || h.gw.failed[0].Kind != models.ErrorKindValidation || h.gw.failed[0].Category != CategorySettings {
		t.Errorf("failed = %+v", h.gw.failed)
	}
}

func TestStart_MarkRunningFailure(t *testing.T) {
	h := newHarness(Config{})
	h.gw.markRunningErr = errors.New("503")
	h.queue(claimResult{job: planJob(2)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	assertCalls(t, h.rec.list(), []string{
		"markRunning(2)",
		"markFailed(2," + CategoryMarkRunning + ")",
		"event(2,job_failed)",
	})
	if h.gw.failed[0].Kind != models.ErrorKindTransport {
		t.Errorf("kind = %v, want transport", h.gw.failed[0].Kind)
	}
	if h.orch.breaker.Count() != 1 {
		t.Errorf("breaker count = %d, want 1", h.orch.breaker.Count())
	}
}

func TestStart_MarkCompletedFailure(t *testing.T) {
	h := newHarness(Config{})
	h.gw.markCompletedErr = errors.New("connection reset")
	h.queue(claimResult{job: planJob(4)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if h.rec.count("markFailed(4,"+CategoryCompletionSave+")") != 1 {
		t.Fatalf("calls = %v", h.rec.list())
	}
	if f := h.gw.failed[0]; f.Kind != models.ErrorKindTransport || f.PartialOutput != "x" {
		t.Errorf("failure = %+v", f)
	}
	if h.rec.count("event(4,job_completed)") != 0 {
		t.Error("completion event sent after failed completion report")
	}
	if h.orch.breaker.Count() != 1 {
		t.Errorf("breaker count = %d, want 1", h.orch.breaker.Count())
	}
}

func TestStart_ProgressForwarded(t *testing.T) {
	h := newHarness(Config{})
	h.exec.chunks = []string{"a", "b", "c"}
	h.queue(claimResult{job: planJob(8)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	joined := ""
	for _, c := range h.gw.progress {
		joined += c
	}
	if joined != "abc" {
		t.Errorf("progress = %q, want every chunk delivered in order", h.gw.progress)
	}
}

func TestStart_BackoffAndReset(t *testing.T) {
	h := newHarness(Config{})
	h.queue(
		claimResult{err: errors.New("503")},
		claimResult{err: errors.New("503")},
		claimResult{err: errors.New("503")},
		claimResult{},
		claimResult{err: errors.New("503")},
	)

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 0, 5 * time.Second}
	if !reflect.DeepEqual(h.sleeps, want) {
		t.Errorf("sleeps = %v, want %v", h.sleeps, want)
	}
}

func TestBackoff(t *testing.T) {
	o := New(RequiredConfig{Gateway: &fakeGateway{rec: &recorder{}}, Executor: &fakeExecutor{}})
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second},
		{30, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := o.backoff(tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestStart_TooManyConsecutiveErrors(t *testing.T) {
	h := newHarness(Config{})
	h.gw.claimErr = errors.New("503")

	err := h.orch.Start(context.Background())
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("Start() error = %v, want ErrTooManyFailures", err)
	}
	if got := h.gw.claimTotal(); got != DefaultMaxConsecutiveErrors {
		t.Errorf("claims = %d, want %d", got, DefaultMaxConsecutiveErrors)
	}
	if len(h.sleeps) != DefaultMaxConsecutiveErrors {
		t.Errorf("sleeps = %d, want one per error", len(h.sleeps))
	}
	if !h.exec.killed.Load() {
		t.Error("Stop() was not invoked")
	}
}

func TestStart_FailureWindowTrips(t *testing.T) {
	h := newHarness(Config{MaxConsecutiveErrors: 100}, WithBreaker(breaker.New(breaker.DefaultConfig())))
	h.gw.claimErr = errors.New("503")

	err := h.orch.Start(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Start() error = %v, want ErrCircuitOpen", err)
	}
	// 12 expected requests per minute; the seventh failure exceeds half.
	if got := h.gw.claimTotal(); got != 7 {
		t.Errorf("claims = %d, want 7", got)
	}
}

func TestStart_UnauthorizedIsFatal(t *testing.T) {
	h := newHarness(Config{})
	h.gw.claimErr = fmt.Errorf("claim: %w", gateway.ErrUnauthorized)

	err := h.orch.Start(context.Background())
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("Start() error = %v, want ErrUnauthorized", err)
	}
	if h.gw.claimTotal() != 1 || len(h.sleeps) != 0 {
		t.Errorf("claims = %d, sleeps = %v; want a single attempt", h.gw.claimTotal(), h.sleeps)
	}
}

func TestStart_RequestSpacing(t *testing.T) {
	h := newHarness(Config{MinRequestInterval: time.Second, NoJobDelay: 250 * time.Millisecond})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time { return fixed }
	h.queue(claimResult{}, claimResult{})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []time.Duration{250 * time.Millisecond, time.Second, 250 * time.Millisecond, time.Second}
	if !reflect.DeepEqual(h.sleeps, want) {
		t.Errorf("sleeps = %v, want %v", h.sleeps, want)
	}
}

func TestStop_ReportsInFlightJob(t *testing.T) {
	h := newHarness(Config{})
	h.exec.block = true
	h.exec.started = make(chan struct{})
	h.queue(claimResult{job: planJob(11)})

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background()) }()

	select {
	case <-h.exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	h.orch.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	if !h.exec.killed.Load() {
		t.Error("executor was not killed")
	}
	if n := h.rec.count("markFailed(11," + CategoryAgentShutdown + ")"); n != 1 {
		t.Errorf("shutdown failure reports = %d, want 1; calls = %v", n, h.rec.list())
	}
	if len(h.gw.failed) != 1 || h.gw.failed[0].Message != "agent shutdown during execution" {
		t.Errorf("failed = %+v", h.gw.failed)
	}
	if h.rec.count("markCompleted(11)") != 0 {
		t.Error("markCompleted sent after shutdown")
	}
}

func TestStop_DuringMarkRunningDoesNotStartJob(t *testing.T) {
	h := newHarness(Config{})
	gw := &blockingRunGateway{fakeGateway: h.gw, entered: make(chan struct{}), release: make(chan struct{})}
	h.orch.gateway = gw
	h.queue(claimResult{job: planJob(5)})

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background()) }()

	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("MarkRunning never called")
	}
	h.orch.Stop()
	close(gw.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	// The late running write is followed by a second failure report.
	assertCalls(t, h.rec.list(), []string{
		"markFailed(5," + CategoryAgentShutdown + ")",
		"markRunning(5)",
		"markFailed(5," + CategoryAgentShutdown + ")",
	})
	if len(h.exec.reqs) != 0 {
		t.Errorf("executor ran %d times after shutdown", len(h.exec.reqs))
	}
}

func TestStop_KilledExecutionReportedAsShutdown(t *testing.T) {
	h := newHarness(Config{})
	h.exec.killCh = make(chan struct{})
	h.exec.started = make(chan struct{})
	h.queue(claimResult{job: planJob(13)})

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background()) }()

	select {
	case <-h.exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	h.orch.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	if n := h.rec.count("markFailed(13," + CategoryAgentShutdown + ")"); n != 1 {
		t.Errorf("shutdown failure reports = %d, want 1; calls = %v", n, h.rec.list())
	}
	if n := h.rec.count("markFailed(13,killed)"); n != 0 {
		t.Errorf("job reported with the executor's kill category; calls = %v", h.rec.list())
	}
}

func TestStop_Idempotent(t *testing.T) {
	exits := make(chan int, 2)
	h := newHarness(Config{ShutdownGrace: time.Millisecond}, WithExit(func(code int) { exits <- code }))
	h.orch.Stop()
	h.orch.Stop()

	select {
	case code := <-exits:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not scheduled")
	}
	time.Sleep(20 * time.Millisecond)
	if len(exits) != 0 {
		t.Error("exit scheduled more than once")
	}
}

func TestStart_RecoversInterruptedJobs(t *testing.T) {
	h := newHarness(Config{})
	ws := &fakeWorkspaces{rec: h.rec}
	journal := &fakeJournal{running: []state.JobRecord{
		{JobID: 9, JobType: models.JobTypeCodeExecution, TaskID: 2, ProjectRoot: "/repo", Status: models.JobStatusRunning},
		{JobID: 10, JobType: models.JobTypePlanGeneration, Status: models.JobStatusRunning},
	}}
	h.orch.workspaces = ws
	h.orch.journal = journal

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	assertCalls(t, h.rec.list(), []string{
		"event(9,agent_recovering)",
		"markFailed(9," + CategoryAgentRestart + ")",
		"workspace.remove(9)",
		"event(10,agent_recovering)",
		"markFailed(10," + CategoryAgentRestart + ")",
	})
	if journal.outcomes[9] != models.JobStatusFailed || journal.outcomes[10] != models.JobStatusFailed {
		t.Errorf("journal outcomes = %v", journal.outcomes)
	}
}

func TestStart_JournalsLifecycle(t *testing.T) {
	journal := &fakeJournal{}
	h := newHarness(Config{}, WithJournal(journal))
	h.queue(claimResult{job: planJob(12)})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(journal.claims, []int64{12}) || journal.outcomes[12] != models.JobStatusCompleted {
		t.Errorf("journal claims = %v outcomes = %v", journal.claims, journal.outcomes)
	}
}

func TestStart_PauseHoldsClaims(t *testing.T) {
	h := newHarness(Config{})
	h.orch.Pause()

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if got := h.gw.claimTotal(); got != 0 {
		t.Fatalf("claims while paused = %d", got)
	}

	if !h.orch.Paused() {
		t.Error("Paused() = false after Pause()")
	}
	h.orch.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after resume")
	}
	if h.gw.claimTotal() != 1 {
		t.Errorf("claims after resume = %d, want 1", h.gw.claimTotal())
	}
}

func TestStart_PanicTriggersShutdown(t *testing.T) {
	h := newHarness(Config{})
	h.gw.claimPanic = true

	err := h.orch.Start(context.Background())
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("Start() error = %v, want ErrPanic", err)
	}
	if !h.exec.killed.Load() || h.orch.State() != StateShuttingDown {
		t.Error("panic did not go through the shutdown path")
	}
}

func TestProgressEmitter_DeliversEveryChunkInOrder(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	p := newProgressEmitter(func(chunk string) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, chunk)
	})

	p.Emit("a")
	p.Emit("b")
	p.Emit("")
	p.Emit("c")
	p.Flush()

	mu.Lock()
	got := append([]string(nil), sent...)
	mu.Unlock()
	if strings.Join(got, "") != "abc" {
		t.Fatalf("sent = %q, want every chunk in order", got)
	}
	if len(got) > 2 {
		t.Errorf("sent = %q, throttled chunks should be coalesced", got)
	}

	p.Emit("late")
	p.Flush()
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != len(got) {
		t.Errorf("sent after Flush = %q, want nothing more", sent)
	}
}

func TestProgressEmitter_EmitDoesNotWaitForSend(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var sent []string
	p := newProgressEmitter(func(chunk string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, chunk)
	})

	p.Emit("first")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk was never sent")
	}

	emitted := make(chan struct{})
	go func() {
		p.Emit(" second")
		p.Emit(" third")
		close(emitted)
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked behind a slow send")
	}

	flushed := make(chan struct{})
	go func() {
		p.Flush()
		close(flushed)
	}()
	select {
	case <-flushed:
		t.Fatal("Flush returned while a send was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("Flush did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(sent, ""); got != "first second third" {
		t.Errorf("sent = %q", sent)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:         "idle",
		StatePolling:      "polling",
		StateProcessing:   "processing",
		StateShuttingDown: "shutting_down",
		State(99):         "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
