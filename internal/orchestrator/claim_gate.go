package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by claimGate.Wait once the gate is stopped.
var ErrStopped = errors.New("orchestrator stopped")

// claimGate holds the poll loop before each claim while the agent is
// paused. A job already claimed is never held.
type claimGate struct {
	mu       sync.Mutex
	open     chan struct{} // closed while claiming is allowed
	pausedAt time.Time

	stopped  chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

func newClaimGate(now func() time.Time) *claimGate {
	open := make(chan struct{})
	close(open)
	return &claimGate{open: open, stopped: make(chan struct{}), now: now}
}

// Pause closes the gate. It reports whether the gate was open.
func (g *claimGate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pausedAt.IsZero() {
		return false
	}
	g.open = make(chan struct{})
	g.pausedAt = g.now()
	return true
}

// Resume opens the gate and returns how long it was paused, or 0 if it
// was not paused.
func (g *claimGate) Resume() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pausedAt.IsZero() {
		return 0
	}
	close(g.open)
	d := g.now().Sub(g.pausedAt)
	g.pausedAt = time.Time{}
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

// Stop releases every waiter with ErrStopped.
func (g *claimGate) Stop() {
	g.stopOnce.Do(func() { close(g.stopped) })
}

// Paused reports whether claiming is paused.
func (g *claimGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.pausedAt.IsZero()
}

// Wait blocks until claiming is allowed. Stop wins over an open gate.
func (g *claimGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-g.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-open:
	}

	select {
	case <-g.stopped:
		return ErrStopped
	default:
		return nil
	}
}
