// Package signals implements file-based operator controls.
//
// Creating <state dir>/signals/kill asks the agent to shut down. Creating
// <state dir>/signals/pause suspends claiming until the file is removed.
package signals

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/ralph-agent/internal/logging"
)

const (
	// KillFile requests shutdown.
	KillFile = "kill"
	// PauseFile suspends claiming while present.
	PauseFile = "pause"

	// DefaultPollInterval is the stat fallback used alongside fsnotify.
	DefaultPollInterval = 2 * time.Second
)

// Dir returns the signals directory inside a state directory.
func Dir(stateDir string) string {
	return filepath.Join(stateDir, "signals")
}

// Send creates the named signal file.
func Send(stateDir, name string) error {
	dir := Dir(stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Clear removes the named signal file. A missing file is not an error.
func Clear(stateDir, name string) error {
	err := os.Remove(filepath.Join(Dir(stateDir), name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Handlers are invoked from the watcher goroutine.
type Handlers struct {
	OnKill   func()
	OnPause  func()
	OnResume func()
}

// Watcher watches the signals directory.
type Watcher struct {
	dir          string
	handlers     Handlers
	log          *logging.Logger
	pollInterval time.Duration

	mu     sync.Mutex
	killed bool
	paused bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher prepares a watcher for stateDir. A kill file left over from a
// previous process is removed so it does not stop the new one.
func NewWatcher(stateDir string, handlers Handlers, log *logging.Logger) (*Watcher, error) {
	dir := Dir(stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, KillFile)); err == nil {
		log.Warnf("removing stale kill signal from a previous run")
		_ = os.Remove(filepath.Join(dir, KillFile))
	}

	return &Watcher{
		dir:          dir,
		handlers:     handlers,
		log:          log,
		pollInterval: DefaultPollInterval,
		done:         make(chan struct{}),
	}, nil
}

// Start begins watching. The current state is checked once immediately.
func (w *Watcher) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnf("fsnotify unavailable, polling signal files: %v", err)
	} else if err := watcher.Add(w.dir); err != nil {
		w.log.Warnf("watch %s failed, polling signal files: %v", w.dir, err)
		watcher.Close()
	} else {
		w.watcher = watcher
	}

	w.check()

	w.wg.Add(1)
	go w.loop()
}

// Close stops watching and waits for the watcher goroutine.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
	w.wg.Wait()
}

// Paused reports whether the pause file was present at the last check.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.check()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Debugf("signal watcher error: %v", err)
		case <-ticker.C:
			w.check()
		}
	}
}

// check stats both files and fires handlers on transitions.
func (w *Watcher) check() {
	killNow := exists(filepath.Join(w.dir, KillFile))
	pauseNow := exists(filepath.Join(w.dir, PauseFile))

	w.mu.Lock()
	fireKill := killNow && !w.killed
	if fireKill {
		w.killed = true
	}
	firePause := pauseNow && !w.paused
	fireResume := !pauseNow && w.paused
	w.paused = pauseNow
	w.mu.Unlock()

	if firePause {
		w.log.Infof("pause signal received")
		if w.handlers.OnPause != nil {
			w.handlers.OnPause()
		}
	}
	if fireResume {
		w.log.Infof("pause signal cleared")
		if w.handlers.OnResume != nil {
			w.handlers.OnResume()
		}
	}
	if fireKill {
		w.log.Warnf("kill signal received")
		_ = os.Remove(filepath.Join(w.dir, KillFile))
		if w.handlers.OnKill != nil {
			w.handlers.OnKill()
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
