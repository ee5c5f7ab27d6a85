// Package throttle gates outbound progress emissions by their recent rate.
package throttle

import (
	"sync"
	"time"
)

// Window is the trailing interval used to measure emission rate.
const Window = 5 * time.Second

// Rate is the classification of the current emission rate.
type Rate int

const (
	// RateLow is fewer than 5 emissions per second.
	RateLow Rate = iota
	// RateMedium is 5 to 20 emissions per second inclusive.
	RateMedium
	// RateHigh is more than 20 emissions per second.
	RateHigh
)

// String returns a human-readable representation of the rate.
func (r Rate) String() string {
	switch r {
	case RateLow:
		return "low"
	case RateMedium:
		return "medium"
	case RateHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Minimum spacing between accepted emissions for each rate.
const (
	LowInterval    = 100 * time.Millisecond
	MediumInterval = 200 * time.Millisecond
	HighInterval   = 500 * time.Millisecond
)

// Throttle decides whether a progress emission should be suppressed.
// Callers ask ShouldThrottle first and call RecordUpdate only for
// emissions that were let through.
type Throttle struct {
	mu           sync.Mutex
	now          func() time.Time
	emissions    []time.Time
	lastEmission time.Time
	everEmitted  bool
}

// New creates a Throttle using the wall clock.
func New() *Throttle {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Throttle with an injectable clock (for testing).
func NewWithClock(now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{now: now}
}

// ShouldThrottle reports whether less than the current minimum interval
// has passed since the last accepted emission.
func (t *Throttle) ShouldThrottle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.everEmitted {
		return false
	}
	now := t.now()
	t.prune(now)
	return now.Sub(t.lastEmission) < intervalFor(t.classify())
}

// RecordUpdate records an accepted emission at the current time.
func (t *Throttle) RecordUpdate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)
	t.emissions = append(t.emissions, now)
	t.lastEmission = now
	t.everEmitted = true
}

// Interval returns the minimum spacing implied by the current rate.
func (t *Throttle) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(t.now())
	return intervalFor(t.classify())
}

// CurrentRate returns the classification of the pruned window.
func (t *Throttle) CurrentRate() Rate {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(t.now())
	return t.classify()
}

// Reset forgets all recorded emissions.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.emissions = nil
	t.lastEmission = time.Time{}
	t.everEmitted = false
}

// prune drops emissions older than Window. Must be called with mu held.
func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(t.emissions) && t.emissions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.emissions = append(t.emissions[:0], t.emissions[i:]...)
	}
}

// classify maps the windowed count to a rate. Boundary rates map to the
// lower tier: exactly 5/s is medium's lower edge, exactly 20/s stays medium.
// Must be called with mu held.
func (t *Throttle) classify() Rate {
	perSecond := float64(len(t.emissions)) / Window.Seconds()
	switch {
	case perSecond < 5:
		return RateLow
	case perSecond <= 20:
		return RateMedium
	default:
		return RateHigh
	}
}

func intervalFor(r Rate) time.Duration {
	switch r {
	case RateMedium:
		return MediumInterval
	case RateHigh:
		return HighInterval
	default:
		return LowInterval
	}
}
