// Package scheduler drives script engines from a fixed-rate audio callback.
//
// The audio goroutine calls OnSample once per sample. Samples are gathered
// into the current engine's ProcessBlock and handed to the engine every
// FrameDivider x BufferSize samples. Control goroutines install and remove
// engines with SetEngine; the two sides share only the current slot, which
// is swapped under one mutex and published through an atomic pointer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/types"
)

const (
	eventBuffer = 32
	reapBuffer  = 8
)

// ErrAlreadyStarted is returned by Start on a running scheduler
var ErrAlreadyStarted = errors.New("scheduler already started")

// Event reports a state transition
type Event struct {
	State   types.SchedulerState
	Engine  string
	Path    string
	Message string
	Err     error
	Time    time.Time
	// Runtime is set when the engine failed inside Process rather than while loading.
	Runtime bool
}

// slot is one installed engine with the block it owns.
type slot struct {
	adapter  engine.Adapter
	block    *types.ProcessBlock
	settings types.Settings
	name     string
	path     string
}

// reaped is an adapter discarded on the audio goroutine.
type reaped struct {
	slot *slot
	err  error
}

// Scheduler is the realtime engine host
type Scheduler struct {
	log   logger.Logger
	panel *Panel
	board engine.MessageBoard

	// swapMu guards adapter calls: SetEngine holds it for a whole swap and
	// the audio goroutine holds it around Process.
	swapMu  sync.Mutex
	current atomic.Pointer[slot]
	state   atomic.Int32
	rate    atomic.Uint64

	dispatches atomic.Uint64
	skipped    atomic.Uint64

	// audio goroutine only
	active      *slot
	bufferIndex int
	frame       int
	clock       int64
	knobsRead   [types.NumRows]float32

	events  chan Event
	reap    chan reaped
	running atomic.Bool
	cancel  context.CancelFunc
	group   *SafeGroup
	stopMu  sync.Mutex
}

// New creates an unloaded scheduler. A nil panel gets a fresh one.
func New(log logger.Logger, panel *Panel) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	if panel == nil {
		panel = NewPanel()
	}
	s := &Scheduler{
		log:    log,
		panel:  panel,
		events: make(chan Event, eventBuffer),
		reap:   make(chan reaped, reapBuffer),
	}
	s.setState(types.StateUnloaded)
	s.SetSampleRate(types.DefaultSampleRate)
	return s
}

// Panel returns the physical controls the scheduler reads and drives.
func (s *Scheduler) Panel() *Panel {
	return s.panel
}

// OnSample pushes one input frame and returns one output frame. It is the
// only method the audio goroutine calls and it does not allocate unless the
// engine fails.
func (s *Scheduler) OnSample(in types.Frame) types.Frame {
	var out types.Frame

	if cur := s.current.Load(); cur != s.active {
		s.active = cur
		s.bufferIndex = 0
		s.frame = 0
		s.clock = 0
	}
	sl := s.active
	if sl == nil {
		return out
	}

	b := sl.block
	idx := s.bufferIndex
	for i := range types.NumRows {
		b.Inputs[i][idx] = in[i]
		out[i] = b.Outputs[i][idx]
	}

	s.clock++
	s.bufferIndex++
	if s.bufferIndex < b.BufferSize {
		return out
	}
	s.bufferIndex = 0

	s.frame++
	if s.frame < sl.settings.FrameDivider {
		return out
	}
	s.frame = 0
	s.dispatch(sl)
	return out
}

func (s *Scheduler) dispatch(sl *slot) {
	b := sl.block
	for i := range types.NumRows {
		k := s.panel.Knob(i)
		s.knobsRead[i] = k
		b.Knobs[i] = k
		b.Switches[i] = s.panel.Switch(i)
	}
	rate := s.SampleRate()
	b.SampleRate = rate
	b.SampleTime = float64(s.clock-int64(b.BufferSize)) / rate

	// A control goroutine holding the lock is mid-swap; this slot is on its
	// way out, so skip rather than wait for a compile.
	if !s.swapMu.TryLock() {
		s.skipped.Add(1)
		return
	}
	if s.current.Load() != sl {
		s.swapMu.Unlock()
		return
	}

	if err := sl.adapter.Process(); err != nil {
		s.current.Store(nil)
		sl.block.ZeroOutputs()
		s.panel.ClearLights()
		s.board.Post(displayMessage(err))
		s.setState(types.StateErrored)
		s.swapMu.Unlock()
		s.discard(sl, err)
		return
	}

	for i := range types.NumRows {
		if k := b.Knobs[i]; k != s.knobsRead[i] {
			s.panel.SetKnob(i, k)
		}
		s.panel.SetLight(i, b.Lights[i])
		s.panel.SetSwitchLight(i, b.SwitchLights[i])
	}
	s.swapMu.Unlock()
	s.dispatches.Add(1)
}

// discard hands an adapter that failed on the audio goroutine to the reaper,
// or closes it inline when the reaper is not running or is backed up.
func (s *Scheduler) discard(sl *slot, err error) {
	if s.running.Load() {
		select {
		case s.reap <- reaped{slot: sl, err: err}:
			return
		default:
		}
	}
	_ = sl.adapter.Close()
	s.emit(Event{State: types.StateErrored, Engine: sl.name, Path: sl.path, Message: displayMessage(err), Err: err, Runtime: true})
}

// SetEngine replaces the current engine with adapter, compiled from script.
// A nil adapter unloads. Must not be called from the audio goroutine.
func (s *Scheduler) SetEngine(adapter engine.Adapter, path, script string) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.discardLocked()

	if adapter == nil {
		s.board.Clear()
		s.setState(types.StateUnloaded)
		s.emit(Event{State: types.StateUnloaded})
		s.log.Info("Engine unloaded")
		return nil
	}

	name := adapter.Name()
	log := s.log.WithEngine(name)
	s.board.Clear()
	s.setState(types.StateLoading)
	s.emit(Event{State: types.StateLoading, Engine: name, Path: path})

	block := &types.ProcessBlock{BufferSize: types.DefaultBufferSize}
	block.SampleRate = s.SampleRate()
	host := &slotHost{block: block, board: &s.board, log: log}

	settings, err := runAdapter(adapter, host, path, script)
	if err == nil {
		if verr := settings.Validate(); verr != nil {
			err = &engine.Error{Kind: engine.ContractViolation, Engine: name, Message: verr.Error(), Err: verr}
		}
	}
	if err != nil {
		_ = adapter.Close()
		s.board.Post(displayMessage(err))
		s.setState(types.StateErrored)
		s.emit(Event{State: types.StateErrored, Engine: name, Path: path, Message: displayMessage(err), Err: err})
		log.Error("Engine failed to start", logger.WithField("path", path), logger.WithError(err))
		return fmt.Errorf("failed to start %s engine: %w", name, err)
	}

	block.Reset()
	block.BufferSize = settings.BufferSize
	block.SampleRate = s.SampleRate()

	s.current.Store(&slot{
		adapter:  adapter,
		block:    block,
		settings: settings,
		name:     name,
		path:     path,
	})
	s.setState(types.StateRunning)
	s.emit(Event{State: types.StateRunning, Engine: name, Path: path})
	log.Success("Engine running",
		logger.WithField("path", path),
		logger.WithField("frame_divider", settings.FrameDivider),
		logger.WithField("buffer_size", settings.BufferSize))
	return nil
}

// Fail unloads the current engine and shows message, for failures that
// happen before an engine exists (unknown extension, unreadable script).
func (s *Scheduler) Fail(message string) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.discardLocked()
	s.board.Post(message)
	s.setState(types.StateErrored)
	s.emit(Event{State: types.StateErrored, Message: message})
}

// Unload removes the current engine.
func (s *Scheduler) Unload() {
	_ = s.SetEngine(nil, "", "")
}

// discardLocked unpublishes and closes the current adapter. swapMu must be held.
func (s *Scheduler) discardLocked() {
	old := s.current.Swap(nil)
	s.panel.ClearLights()
	if old == nil {
		return
	}
	if err := old.adapter.Close(); err != nil {
		s.log.WithEngine(old.name).Warn("Engine close failed", logger.WithError(err))
	}
}

func runAdapter(adapter engine.Adapter, host engine.Host, path, script string) (settings types.Settings, err error) {
	defer engine.Recover(adapter.Name(), &err)
	return adapter.Run(host, path, script)
}

// displayMessage is what the panel shows for err.
func displayMessage(err error) string {
	var e *engine.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

var states = [...]types.SchedulerState{
	types.StateUnloaded,
	types.StateLoading,
	types.StateRunning,
	types.StateErrored,
}

// State returns the lifecycle state
func (s *Scheduler) State() types.SchedulerState {
	return states[s.state.Load()]
}

func (s *Scheduler) setState(st types.SchedulerState) {
	for i, v := range states {
		if v == st {
			s.state.Store(int32(i))
			return
		}
	}
}

// Message returns the engine's latest display message.
func (s *Scheduler) Message() string {
	return s.board.Message()
}

// Settings returns the running engine's declared settings, or false.
func (s *Scheduler) Settings() (types.Settings, bool) {
	if sl := s.current.Load(); sl != nil {
		return sl.settings, true
	}
	return types.Settings{}, false
}

// EngineName returns the running engine's name or "".
func (s *Scheduler) EngineName() string {
	if sl := s.current.Load(); sl != nil {
		return sl.name
	}
	return ""
}

// SetSampleRate updates the rate reported to engines from the next dispatch.
func (s *Scheduler) SetSampleRate(rate float64) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return
	}
	s.rate.Store(math.Float64bits(rate))
}

func (s *Scheduler) SampleRate() float64 {
	return math.Float64frombits(s.rate.Load())
}

// Stats reports how many buffers were processed and how many were skipped
// because a swap was in progress.
func (s *Scheduler) Stats() (dispatched, skipped uint64) {
	return s.dispatches.Load(), s.skipped.Load()
}

// Events delivers state transitions. Events are dropped when nobody reads.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

func (s *Scheduler) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Start launches the reaper, which closes engines that failed on the audio
// goroutine and reports their failure. Without it they are closed inline.
func (s *Scheduler) Start(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.running.Load() {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := NewSafeGroup(ctx, s.log)
	s.cancel = cancel
	s.group = group
	s.running.Store(true)

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case r := <-s.reap:
				s.reapSlot(r)
			}
		}
	})
	return nil
}

// Stop halts the reaper and closes anything still queued.
func (s *Scheduler) Stop() error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.cancel()
	err := s.group.Wait()

	for {
		select {
		case r := <-s.reap:
			s.reapSlot(r)
		default:
			return err
		}
	}
}

func (s *Scheduler) reapSlot(r reaped) {
	log := s.log.WithEngine(r.slot.name)
	log.Error("Engine failed while processing",
		logger.WithField("path", r.slot.path),
		logger.WithError(r.err))
	if err := r.slot.adapter.Close(); err != nil {
		log.Warn("Engine close failed", logger.WithError(err))
	}
	s.emit(Event{
		State:   types.StateErrored,
		Engine:  r.slot.name,
		Path:    r.slot.path,
		Message: displayMessage(r.err),
		Err:     r.err,
		Runtime: true,
	})
}

// slotHost is the engine.Host given to one adapter.
type slotHost struct {
	block *types.ProcessBlock
	board *engine.MessageBoard
	log   logger.Logger
}

func (h *slotHost) Block() *types.ProcessBlock { return h.block }

func (h *slotHost) Display(message string) { h.board.Post(message) }

func (h *slotHost) Logger() logger.Logger { return h.log }
