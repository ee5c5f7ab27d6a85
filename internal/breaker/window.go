// Package breaker implements the failure-rate circuit breaker that decides
// when sustained coordinator errors should shut the agent down.
package breaker

import (
	"sync"
	"time"
)

// Defaults for the failure window.
const (
	DefaultWindow          = 60 * time.Second
	DefaultAssumedInterval = 5 * time.Second
	DefaultThreshold       = 0.5
)

// Config controls the failure window.
type Config struct {
	// Window is the trailing interval over which failures are counted.
	Window time.Duration
	// AssumedInterval is the request spacing used to derive how many
	// requests are expected inside Window.
	AssumedInterval time.Duration
	// Threshold is the fraction of expected requests that failures must
	// strictly exceed before ShouldShutdown reports true.
	Threshold float64
}

// DefaultConfig returns the default failure window settings.
func DefaultConfig() Config {
	return Config{
		Window:          DefaultWindow,
		AssumedInterval: DefaultAssumedInterval,
		Threshold:       DefaultThreshold,
	}
}

// Window tracks failure timestamps over a trailing interval.
// Entries older than the interval are pruned lazily on every access.
type Window struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	failures []time.Time
}

// New creates a Window using the wall clock.
func New(cfg Config) *Window {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a Window with an injectable clock (for testing).
func NewWithClock(cfg Config, now func() time.Time) *Window {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.AssumedInterval <= 0 {
		cfg.AssumedInterval = def.AssumedInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if now == nil {
		now = time.Now
	}
	return &Window{cfg: cfg, now: now}
}

// RecordFailure appends a failure at the current time.
func (w *Window) RecordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	w.failures = append(w.failures, now)
}

// Count returns the number of failures inside the window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	return len(w.failures)
}

// ExpectedRequests is the number of requests the window expects to see,
// derived from the assumed request spacing.
func (w *Window) ExpectedRequests() int {
	return int(w.cfg.Window / w.cfg.AssumedInterval)
}

// ShouldShutdown reports whether observed failures strictly exceed the
// threshold fraction of expected requests.
func (w *Window) ShouldShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	limit := float64(w.ExpectedRequests()) * w.cfg.Threshold
	return float64(len(w.failures)) > limit
}

// Reset clears all recorded failures.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = nil
}

// prune drops failures older than the window. Must be called with mu held.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	i := 0
	for i < len(w.failures) && w.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.failures = append(w.failures[:0], w.failures[i:]...)
	}
}
