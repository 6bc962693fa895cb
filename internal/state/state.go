// Package state persists host sessions between runs
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/types"
)

// DirName is the state directory relative to the project root.
const DirName = ".prototype/state"

// HeartbeatInterval is how often a live host refreshes its state files.
const HeartbeatInterval = 10 * time.Second

// staleAfter marks a session whose host stopped heartbeating as unlocked.
const staleAfter = 3 * HeartbeatInterval

var (
	ErrInvalidName = errors.New("invalid session name")
	ErrNotFound    = errors.New("session state not found")
)

// SessionState is the persisted record of one host session.
type SessionState struct {
	Name         string               `json:"name"`
	Patch        types.Patch          `json:"patch"`
	Engine       string               `json:"engine,omitempty"`
	Status       types.SchedulerState `json:"status"`
	LastLoadTime time.Time            `json:"lastLoadTime,omitempty"`
	LoadCount    int                  `json:"loadCount"`
	FailureCount int                  `json:"failureCount"`
	ProcessID    int                  `json:"processId"`
	Heartbeat    time.Time            `json:"heartbeat"`
	LastError    string               `json:"lastError,omitempty"`
	LoadDuration time.Duration        `json:"loadDuration,omitempty"`
}

// Manager reads and writes session state files
type Manager struct {
	stateDir      string
	logger        logger.Logger
	mu            sync.RWMutex
	states        map[string]*SessionState
	heartbeatStop chan struct{}
}

// NewManager creates a manager storing files under root/.prototype/state
func NewManager(root string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	stateDir := filepath.Join(root, filepath.FromSlash(DirName))
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Error("Failed to create state directory", logger.WithError(err))
	}
	return &Manager{
		stateDir: stateDir,
		logger:   log,
		states:   make(map[string]*SessionState),
	}
}

// Dir returns the directory holding the state files.
func (m *Manager) Dir() string { return m.stateDir }

// Initialize claims a session for this process, keeping the counters and
// patch of any earlier run.
func (m *Manager) Initialize(name string) (*SessionState, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := &SessionState{
		Name:      name,
		Status:    types.StateUnloaded,
		ProcessID: os.Getpid(),
		Heartbeat: time.Now(),
	}
	if existing, err := m.loadStateFile(name); err == nil {
		st.Patch = existing.Patch
		st.Engine = existing.Engine
		st.LoadCount = existing.LoadCount
		st.FailureCount = existing.FailureCount
		st.LastLoadTime = existing.LastLoadTime
		st.LoadDuration = existing.LoadDuration
	}

	if err := m.saveStateFile(st); err != nil {
		return nil, fmt.Errorf("failed to save initial state: %w", err)
	}
	m.states[name] = st
	return clone(st), nil
}

// Read returns a copy of the session state, from memory or disk.
func (m *Manager) Read(name string) (*SessionState, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if st, ok := m.states[name]; ok {
		m.mu.RUnlock()
		return clone(st), nil
	}
	m.mu.RUnlock()

	st, err := m.loadStateFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return st, err
}

// RecordLoad stores a successful load.
func (m *Manager) RecordLoad(name string, patch types.Patch, engineName string, took time.Duration) error {
	return m.update(name, func(st *SessionState) {
		st.Patch = patch
		st.Engine = engineName
		st.Status = types.StateRunning
		st.LastLoadTime = time.Now()
		st.LoadDuration = took
		st.LoadCount++
		st.LastError = ""
	})
}

// RecordFailure stores a failed load or a runtime failure.
func (m *Manager) RecordFailure(name string, patch types.Patch, engineName, message string) error {
	return m.update(name, func(st *SessionState) {
		st.Patch = patch
		st.Engine = engineName
		st.Status = types.StateErrored
		st.FailureCount++
		st.LastError = message
	})
}

// RecordUnload clears the active engine; the patch is kept.
func (m *Manager) RecordUnload(name string, patch types.Patch) error {
	return m.update(name, func(st *SessionState) {
		st.Patch = patch
		st.Engine = ""
		st.Status = types.StateUnloaded
		st.LastError = ""
	})
}

// RecordPatch stores a patch whose engine did not change, e.g. after save-as.
func (m *Manager) RecordPatch(name string, patch types.Patch) error {
	return m.update(name, func(st *SessionState) {
		st.Patch = patch
	})
}

// Remove deletes a session's state
func (m *Manager) Remove(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, name)
	if err := os.Remove(m.stateFilePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// IsLocked reports whether another live process owns the session.
func (m *Manager) IsLocked(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	st, err := m.loadStateFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	if st.ProcessID == 0 || st.ProcessID == os.Getpid() {
		return false, nil
	}
	if time.Since(st.Heartbeat) > staleAfter {
		return false, nil
	}

	process, err := os.FindProcess(st.ProcessID)
	if err != nil {
		return false, nil
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

// Discover loads every state file in the directory
func (m *Manager) Discover() (map[string]*SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*SessionState)
	files, err := os.ReadDir(m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(file.Name(), ".json")
		st, err := m.loadStateFile(name)
		if err != nil {
			m.logger.Warn("Failed to load state file",
				logger.WithField("session", name),
				logger.WithError(err))
			continue
		}
		states[name] = st
	}
	return states, nil
}

// StartHeartbeat refreshes owned sessions until ctx ends or StopHeartbeat.
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatStop != nil {
		return
	}
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.updateHeartbeats()
			}
		}
	}()
}

func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// Cleanup releases owned sessions so other hosts may claim them.
func (m *Manager) Cleanup() error {
	m.StopHeartbeat()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, st := range m.states {
		st.ProcessID = 0
		if st.Status != types.StateErrored {
			st.Status = types.StateUnloaded
		}
		if err := m.saveStateFile(st); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) update(name string, apply func(*SessionState)) error {
	if err := validateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[name]
	if !ok {
		loaded, err := m.loadStateFile(name)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		st = loaded
		m.states[name] = st
	}

	apply(st)
	st.Heartbeat = time.Now()
	return m.saveStateFile(st)
}

func (m *Manager) stateFilePath(name string) string {
	return filepath.Join(m.stateDir, name+".json")
}

func (m *Manager) loadStateFile(name string) (*SessionState, error) {
	data, err := os.ReadFile(m.stateFilePath(name))
	if err != nil {
		return nil, err
	}

	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}

func (m *Manager) saveStateFile(st *SessionState) error {
	path := m.stateFilePath(st.Name)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

func (m *Manager) updateHeartbeats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, st := range m.states {
		st.Heartbeat = now
		if err := m.saveStateFile(st); err != nil {
			m.logger.Debug("Failed to update heartbeat",
				logger.WithField("session", st.Name),
				logger.WithError(err))
		}
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func clone(st *SessionState) *SessionState {
	c := *st
	return &c
}
