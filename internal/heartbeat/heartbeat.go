// Package heartbeat renews a running job's lease with the coordinator.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/logging"
)

// DefaultInterval is the time between lease renewals.
const DefaultInterval = 60 * time.Second

// EventType is the status event type sent alongside each heartbeat.
const EventType = "heartbeat"

// Sender delivers heartbeats and status events. Both calls are best-effort.
type Sender interface {
	SendHeartbeat(ctx context.Context, jobID int64)
	SendStatusEvent(ctx context.Context, jobID int64, eventType, message string, metadata map[string]interface{})
}

// Controller sends periodic heartbeats for the current job.
//
// The first heartbeat is sent one full interval after Start. Once
// BeginCompletion is called, ticks are skipped until the next Start.
// Stop returns only after the ticker goroutine has exited, so no
// heartbeat is in flight once it returns.
type Controller struct {
	sender   Sender
	interval time.Duration
	log      *logging.Logger
	now      func() time.Time

	completing atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	jobID   int64
	started time.Time
}

// New creates a Controller. A non-positive interval uses DefaultInterval.
func New(sender Sender, interval time.Duration, log *logging.Logger) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{
		sender:   sender,
		interval: interval,
		log:      log.Named("heartbeat"),
		now:      time.Now,
	}
}

// Start arms the heartbeat timer for jobID, replacing any previous timer.
func (c *Controller) Start(jobID int64) {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.jobID = jobID
	c.started = c.now()
	c.completing.Store(false)

	go c.loop(ctx, jobID, c.started, c.done)
	c.log.Debugf("started for job %d every %v", jobID, c.interval)
}

// BeginCompletion marks the job as entering its terminal report. Ticks that
// fire afterwards are skipped.
func (c *Controller) BeginCompletion() {
	c.completing.Store(true)
}

// Completing reports whether BeginCompletion has been called since Start.
func (c *Controller) Completing() bool {
	return c.completing.Load()
}

// Stop disarms the timer and waits for the heartbeat goroutine to exit.
// It is a no-op when no timer is armed.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done, jobID := c.cancel, c.done, c.jobID
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Debugf("stopped for job %d", jobID)
}

// Running reports whether a timer is armed.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Controller) loop(ctx context.Context, jobID int64, started time.Time, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, jobID, started)
		}
	}
}

func (c *Controller) tick(ctx context.Context, jobID int64, started time.Time) {
	if c.completing.Load() || ctx.Err() != nil {
		c.log.Debugf("skipping heartbeat for job %d: completing", jobID)
		return
	}

	elapsed := c.now().Sub(started).Round(time.Second)
	c.sender.SendHeartbeat(ctx, jobID)
	c.sender.SendStatusEvent(ctx, jobID, EventType,
		fmt.Sprintf("Job running for %s", elapsed),
		map[string]interface{}{"elapsedMs": elapsed.Milliseconds()})
}
