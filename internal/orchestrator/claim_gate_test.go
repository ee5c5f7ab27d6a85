package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGate() (*claimGate, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return newClaimGate(func() time.Time { return now }), &now
}

func TestClaimGate_PauseHoldsUntilResume(t *testing.T) {
	g, now := newTestGate()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() on open gate = %v", err)
	}

	if !g.Pause() {
		t.Fatal("Pause() on open gate = false")
	}
	if g.Pause() {
		t.Error("second Pause() = true")
	}
	if !g.Paused() {
		t.Fatal("Paused() = false after Pause()")
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait() returned while paused")
	case <-time.After(30 * time.Millisecond):
	}

	*now = now.Add(90 * time.Second)
	if got := g.Resume(); got != 90*time.Second {
		t.Errorf("Resume() = %v, want 1m30s paused", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() after Resume() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after Resume()")
	}
	if got := g.Resume(); got != 0 {
		t.Errorf("Resume() on open gate = %v, want 0", got)
	}
}

func TestClaimGate_StopReleasesWaiters(t *testing.T) {
	g, _ := newTestGate()
	g.Pause()

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()
	g.Stop()
	g.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Wait() = %v, want ErrStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after Stop()")
	}

	g.Resume()
	if err := g.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Wait() on stopped open gate = %v, want ErrStopped", err)
	}
}

func TestClaimGate_ContextCancel(t *testing.T) {
	g, _ := newTestGate()
	g.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after cancel")
	}
}
