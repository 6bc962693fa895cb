// Package session loads scripts into the realtime scheduler.
//
// A Session owns the current patch (script path plus embedded source) and is
// the only place that turns a path into a running engine: it picks the engine
// by extension, resolves the script text, gates untrusted patches, persists
// the outcome and keeps the hot-reload watcher pointed at the script.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/internal/state"
	"github.com/poltergeist/prototype/internal/watcher"
	pcontext "github.com/poltergeist/prototype/pkg/context"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/registry"
	"github.com/poltergeist/prototype/pkg/types"
)

// DefaultName is the session name used when none is configured.
const DefaultName = "default"

var (
	// ErrEmptyScript is returned when neither the file nor the patch holds any source.
	ErrEmptyScript = errors.New("Could not load script.") //nolint:stylecheck // shown verbatim on the panel

	// ErrNotConfirmed is returned when a persisted script was not approved to run.
	ErrNotConfirmed = errors.New("script load not confirmed")

	ErrNothingToSave = errors.New("no script to save")
)

// Source says where a load request came from.
type Source int

const (
	// SourceUser is a script the user picked just now.
	SourceUser Source = iota
	// SourcePatch is a script restored from saved state, which may come from elsewhere.
	SourcePatch
)

func (s Source) String() string {
	if s == SourcePatch {
		return "patch"
	}
	return "user"
}

// Confirmer approves running a script restored from a patch
type Confirmer interface {
	Confirm(path, script string) bool
}

// Notifier reports load outcomes to the user
type Notifier interface {
	NotifyLoadSuccess(engineName, path string)
	NotifyFailure(engineName, path, message string)
}

// Dependencies are the collaborators of a session. Registry and Scheduler
// are required.
type Dependencies struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	State     *state.Manager
	Notifier  Notifier
	Confirmer Confirmer
}

// Options tune a session
type Options struct {
	Name           string
	Watch          bool
	DebouncePeriod time.Duration
	// TrustPatches runs restored scripts without asking the Confirmer.
	TrustPatches bool
}

// Session is the control side of one scripted module
type Session struct {
	name      string
	log       logger.Logger
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	state     *state.Manager
	notifier  Notifier
	confirmer Confirmer
	opts      Options

	// mu serializes loads and guards the fields below.
	mu         sync.Mutex
	patch      types.Patch
	engineName string
	watcher    *watcher.ScriptWatcher

	runMu   sync.Mutex
	cancel  context.CancelFunc
	group   *scheduler.SafeGroup
	running bool
}

// New creates a session. It panics when a required dependency is missing.
func New(log logger.Logger, deps Dependencies, opts Options) *Session {
	if deps.Registry == nil {
		panic("Registry dependency is required")
	}
	if deps.Scheduler == nil {
		panic("Scheduler dependency is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}

	s := &Session{
		name:      opts.Name,
		log:       log,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		state:     deps.State,
		notifier:  deps.Notifier,
		confirmer: deps.Confirmer,
		opts:      opts,
	}

	if s.state != nil {
		if _, err := s.state.Initialize(s.name); err != nil {
			log.Warn("Failed to initialize session state", logger.WithError(err))
			s.state = nil
		}
	}
	return s
}

// Name returns the session name used for persisted state.
func (s *Session) Name() string { return s.name }

// Start follows the scheduler's events so runtime failures are logged,
// persisted and notified. Loads work without it.
func (s *Session) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := scheduler.NewSafeGroup(ctx, s.log)
	s.cancel = cancel
	s.group = group
	s.running = true

	events := s.scheduler.Events()
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				s.handleEvent(ev)
			}
		}
	})
	return nil
}

// Close stops the event loop and the watcher and releases persisted state.
func (s *Session) Close() error {
	s.runMu.Lock()
	var err error
	if s.running {
		s.cancel()
		err = s.group.Wait()
		s.running = false
	}
	s.runMu.Unlock()

	s.mu.Lock()
	if s.watcher != nil {
		if werr := s.watcher.Stop(); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	s.mu.Unlock()

	if s.state != nil {
		if serr := s.state.Cleanup(); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}

// Load loads the script at path. The file's contents are used when
// readable; otherwise the current patch's source is reused when it belongs
// to the same path. An empty path unloads without an error.
func (s *Session) Load(path string, source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	embedded := ""
	if path != "" && path == s.patch.Path {
		embedded = s.patch.Script
	}
	return s.load(pcontext.ForLoad(context.Background(), "load"), path, embedded, source)
}

// LoadPatch restores a persisted patch. A readable file at the patch's path
// wins over its embedded script.
func (s *Session) LoadPatch(p types.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(pcontext.ForLoad(context.Background(), "restore"), p.Path, p.Script, SourcePatch)
}

// Restore loads the patch saved by a previous run of this session, if any.
func (s *Session) Restore() error {
	if s.state == nil {
		return nil
	}
	st, err := s.state.Read(s.name)
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}
	if st.Patch.IsEmpty() {
		return nil
	}
	return s.LoadPatch(st.Patch)
}

// Reload reruns the current patch, rereading the file when it exists.
func (s *Session) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.patch
	return s.load(pcontext.ForLoad(context.Background(), "reload"), p.Path, p.Script, SourceUser)
}

// Unload stops the current engine and forgets the patch
func (s *Session) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(pcontext.ForLoad(context.Background(), "unload"), "", "", SourceUser)
}

// SaveAs writes the current script to newPath, adding the current
// extension when newPath has none, and makes it the patch's path.
func (s *Session) SaveAs(newPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.patch.Script == "" {
		return "", ErrNothingToSave
	}
	if filepath.Ext(newPath) == "" {
		if ext := filepath.Ext(s.patch.Path); ext != "" {
			newPath += ext
		}
	}
	if err := os.WriteFile(newPath, []byte(s.patch.Script), 0o644); err != nil {
		return "", fmt.Errorf("failed to save script: %w", err)
	}

	s.patch.Path = newPath
	s.log.Info("Script saved", logger.WithField("path", newPath))
	s.persist(func(m *state.Manager) error { return m.RecordPatch(s.name, s.patch) })
	s.follow(newPath)
	return newPath, nil
}

// Patch returns what should be persisted for this session
func (s *Session) Patch() types.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patch
}

// Display is the one-line label of the loaded script, e.g. "Lua: gain.lua".
func (s *Session) Display() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := "Script"
	if s.engineName != "" {
		text = s.engineName
	}
	text += ": "
	if s.patch.Path != "" {
		text += filepath.Base(s.patch.Path)
	} else {
		text += "(click to load)"
	}
	return text
}

// Message is what the panel currently shows.
func (s *Session) Message() string { return s.scheduler.Message() }

// Watching reports whether hot reload is following a file.
func (s *Session) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher != nil && s.watcher.IsWatching()
}

// load does the work of every load request. mu must be held.
func (s *Session) load(ctx context.Context, path, embedded string, source Source) error {
	log := logger.WithContext(ctx, s.log)

	if path == "" {
		s.scheduler.Unload()
		s.patch = types.Patch{}
		s.engineName = ""
		s.unfollow()
		s.persist(func(m *state.Manager) error { return m.RecordUnload(s.name, s.patch) })
		return nil
	}

	log.Info("Loading script",
		logger.WithField("path", path),
		logger.WithField("source", source.String()))

	adapter, err := s.registry.ForPath(path)
	if err != nil {
		s.patch = types.Patch{}
		s.engineName = ""
		s.unfollow()
		s.fail(log, "", path, err)
		return err
	}
	name := adapter.Name()
	log = log.WithEngine(name)
	s.engineName = name

	script := embedded
	if data, rerr := os.ReadFile(path); rerr == nil {
		script = string(data)
	} else {
		log.Warn("Script file not readable, using stored script",
			logger.WithField("path", path), logger.WithError(rerr))
	}

	// An unconfirmed patch must leave nothing behind that Reload, Load or
	// the watcher could run later.
	if source == SourcePatch && !s.opts.TrustPatches && script != "" {
		if s.confirmer == nil || !s.confirmer.Confirm(path, script) {
			_ = adapter.Close()
			s.scheduler.Unload()
			s.patch = types.Patch{}
			s.engineName = ""
			s.unfollow()
			log.Warn("Script from patch not confirmed, not running it",
				logger.WithField("path", path))
			return ErrNotConfirmed
		}
	}

	s.patch = types.Patch{Path: path, Script: script}
	s.follow(path)

	if script == "" {
		_ = adapter.Close()
		s.fail(log, name, path, ErrEmptyScript)
		return ErrEmptyScript
	}

	if err := s.scheduler.SetEngine(adapter, path, script); err != nil {
		s.recordFailure(name, path, s.scheduler.Message())
		return err
	}

	took, _ := pcontext.Elapsed(ctx)
	log.Success("Script loaded",
		logger.WithField("path", path),
		logger.WithField("duration_ms", took.Milliseconds()))
	if s.notifier != nil {
		s.notifier.NotifyLoadSuccess(name, path)
	}
	s.persist(func(m *state.Manager) error { return m.RecordLoad(s.name, s.patch, name, took) })
	return nil
}

// fail shows a loader-level failure on the panel. mu must be held.
func (s *Session) fail(log logger.Logger, engineName, path string, err error) {
	message := err.Error()
	s.scheduler.Fail(message)
	log.Error("Failed to load script", logger.WithField("path", path), logger.WithError(err))
	s.recordFailure(engineName, path, message)
}

func (s *Session) recordFailure(engineName, path, message string) {
	if s.notifier != nil {
		s.notifier.NotifyFailure(engineName, path, message)
	}
	s.persist(func(m *state.Manager) error {
		return m.RecordFailure(s.name, s.patch, engineName, message)
	})
}

func (s *Session) handleEvent(ev scheduler.Event) {
	log := s.log
	if ev.Engine != "" {
		log = log.WithEngine(ev.Engine)
	}
	log.Debug("Scheduler state changed",
		logger.WithField("state", string(ev.State)),
		logger.WithField("path", ev.Path))

	if ev.State != types.StateErrored || !ev.Runtime {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Path != s.patch.Path {
		return
	}
	log.Error("Script stopped after a runtime error",
		logger.WithField("path", ev.Path),
		logger.WithField("message", ev.Message))
	s.recordFailure(ev.Engine, ev.Path, ev.Message)
}

// follow points hot reload at path. mu must be held.
func (s *Session) follow(path string) {
	if !s.opts.Watch {
		return
	}
	if s.watcher == nil {
		s.watcher = watcher.New(path, s.log)
		if s.opts.DebouncePeriod > 0 {
			s.watcher.SetDebouncePeriod(s.opts.DebouncePeriod)
		}
		s.watcher.OnChange(s.onScriptChanged)
	}
	if err := s.watcher.Retarget(path); err != nil {
		s.log.Warn("Failed to retarget script watcher", logger.WithError(err))
	}
	if !s.watcher.IsWatching() {
		if err := s.watcher.Start(); err != nil {
			s.log.Warn("Hot reload unavailable", logger.WithField("path", path), logger.WithError(err))
		}
	}
}

// unfollow stops hot reload. mu must be held.
func (s *Session) unfollow() {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Stop(); err != nil {
		s.log.Warn("Failed to stop script watcher", logger.WithError(err))
	}
}

func (s *Session) onScriptChanged(path string) {
	s.mu.Lock()
	current := s.patch.Path
	s.mu.Unlock()

	if !samePath(path, current) {
		return
	}
	if err := s.Reload(); err != nil {
		s.log.Debug("Hot reload failed", logger.WithError(err))
	}
}

func (s *Session) persist(fn func(*state.Manager) error) {
	if s.state == nil {
		return
	}
	if err := fn(s.state); err != nil {
		s.log.Warn("Failed to persist session state", logger.WithError(err))
	}
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
