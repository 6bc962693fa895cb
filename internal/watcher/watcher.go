// Package watcher reloads a script when its file changes on disk
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/poltergeist/prototype/pkg/logger"
)

// DefaultDebouncePeriod coalesces the burst of events one editor save produces.
const DefaultDebouncePeriod = 200 * time.Millisecond

// ErrAlreadyWatching is returned by Start on a running watcher.
var ErrAlreadyWatching = errors.New("already watching script file")

// Callback receives the script path after a change settled
type Callback func(path string)

// ScriptWatcher watches a single script file through its directory.
//
// Editors rarely write in place; most write a temp file and rename it over
// the original, so the directory is watched rather than the file.
type ScriptWatcher struct {
	path           string
	logger         logger.Logger
	watcher        *fsnotify.Watcher
	callbacks      []Callback
	lastModTime    time.Time
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	mu             sync.RWMutex
	cancel         context.CancelFunc
	done           chan struct{}
	isWatching     bool
}

// New creates a watcher for path. Nothing is watched until Start.
func New(path string, log logger.Logger) *ScriptWatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &ScriptWatcher{
		path:           path,
		logger:         log,
		debouncePeriod: DefaultDebouncePeriod,
	}
}

// OnChange adds a callback
func (w *ScriptWatcher) OnChange(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching the script's directory
func (w *ScriptWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isWatching {
		return ErrAlreadyWatching
	}
	if w.path == "" {
		return fmt.Errorf("no script path to watch")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch script directory: %w", err)
	}

	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.isWatching = true

	go w.watchLoop(ctx, fw, w.done)

	w.logger.Debug("Started watching script",
		logger.WithField("path", w.path))
	return nil
}

// Stop stops watching. Pending debounced reloads are dropped.
func (w *ScriptWatcher) Stop() error {
	w.mu.Lock()
	if !w.isWatching {
		w.mu.Unlock()
		return nil
	}

	w.cancel()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}

	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
		w.watcher = nil
	}
	done := w.done
	w.isWatching = false
	w.mu.Unlock()

	<-done

	w.logger.Debug("Stopped watching script")
	if err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	return nil
}

// Retarget points the watcher at another file, restarting it when it was running.
func (w *ScriptWatcher) Retarget(path string) error {
	w.mu.RLock()
	running := w.isWatching
	same := w.path == path
	w.mu.RUnlock()

	if same {
		return nil
	}
	if err := w.Stop(); err != nil {
		return err
	}

	w.mu.Lock()
	w.path = path
	w.lastModTime = time.Time{}
	w.mu.Unlock()

	if running && path != "" {
		return w.Start()
	}
	return nil
}

// Trigger fires the callbacks now, ignoring the mod-time check.
func (w *ScriptWatcher) Trigger() {
	w.logger.Debug("Manually triggering script reload")
	w.notifyCallbacks(w.Path())
}

// SetDebouncePeriod sets how long events must settle before a reload
func (w *ScriptWatcher) SetDebouncePeriod(period time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debouncePeriod = period
}

func (w *ScriptWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isWatching
}

// Path returns the watched script path
func (w *ScriptWatcher) Path() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.path
}

func (w *ScriptWatcher) watchLoop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Script watcher panic recovered",
				logger.WithField("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.isScriptEvent(event.Name) {
				continue
			}
			w.logger.Debug("Script file event received",
				logger.WithField("event", event.String()))
			if event.Op&fsnotify.Remove == fsnotify.Remove {
				// a rename-over save removes then recreates; the create resets the timer
				continue
			}
			w.debounceReload()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Script watcher error", logger.WithError(err))
		}
	}
}

// isScriptEvent accepts the script itself and the temp files editors save through.
func (w *ScriptWatcher) isScriptEvent(eventPath string) bool {
	name := filepath.Base(w.Path())
	eventName := filepath.Base(eventPath)

	if eventName == name {
		return true
	}
	if strings.HasSuffix(eventName, "~") && strings.TrimSuffix(eventName, "~") == name {
		return true
	}
	return strings.HasPrefix(eventName, name+".") &&
		(strings.HasSuffix(eventName, ".tmp") || strings.Contains(eventName, ".sb-"))
}

func (w *ScriptWatcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isWatching {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.handleChange)
}

func (w *ScriptWatcher) handleChange() {
	path := w.Path()

	stat, err := os.Stat(path)
	if err != nil {
		w.logger.Warn("Script file unavailable, keeping current engine",
			logger.WithField("path", path), logger.WithError(err))
		return
	}

	w.mu.Lock()
	if !w.isWatching {
		w.mu.Unlock()
		return
	}
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		w.logger.Debug("Script not modified, skipping reload")
		return
	}
	w.lastModTime = stat.ModTime()
	w.mu.Unlock()

	w.logger.Info("Script changed", logger.WithField("path", path))
	w.notifyCallbacks(path)
}

func (w *ScriptWatcher) notifyCallbacks(path string) {
	w.mu.RLock()
	callbacks := make([]Callback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		go func(cb Callback) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Reload callback panic recovered",
						logger.WithField("panic", r))
				}
			}()
			cb(path)
		}(cb)
	}
}
