// Package mocks provides test doubles for the engine contract and the session's collaborators.
//
// mock_engine.go is generated by mockgen for strict interaction tests; the
// hand-written doubles below are for behavioural tests that drive a
// scheduler for thousands of samples.
package mocks

//go:generate mockgen -destination=mock_engine.go -package=mocks github.com/poltergeist/prototype/pkg/engine Adapter,Host

import (
	"sync"
	"sync/atomic"

	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/types"
)

// FakeAdapter is a scriptable engine.Adapter
type FakeAdapter struct {
	NameValue string
	Settings  types.Settings
	RunErr    error

	// ProcessFunc runs on every Process call against the host's block.
	ProcessFunc func(b *types.ProcessBlock) error

	// FailOnCall makes the Nth Process call (1-based) fail. Zero never fails.
	FailOnCall int64

	mu     sync.Mutex
	host   engine.Host
	path   string
	script string
	runs   atomic.Int64
	calls  atomic.Int64
	closes atomic.Int64
}

// NewFakeAdapter returns a fake declaring settings
func NewFakeAdapter(name string, settings types.Settings) *FakeAdapter {
	return &FakeAdapter{NameValue: name, Settings: settings}
}

func (f *FakeAdapter) Name() string { return f.NameValue }

func (f *FakeAdapter) Run(host engine.Host, path, script string) (types.Settings, error) {
	f.runs.Add(1)
	f.mu.Lock()
	f.host = host
	f.path = path
	f.script = script
	f.mu.Unlock()
	if f.RunErr != nil {
		return types.Settings{}, f.RunErr
	}
	return f.Settings, nil
}

func (f *FakeAdapter) Process() error {
	n := f.calls.Add(1)
	if f.FailOnCall > 0 && n == f.FailOnCall {
		return engine.Errorf(engine.RuntimeError, f.NameValue, "failed on call %d", n)
	}
	if f.ProcessFunc != nil {
		return f.ProcessFunc(f.host.Block())
	}
	return nil
}

func (f *FakeAdapter) Close() error {
	f.closes.Add(1)
	return nil
}

// Host returns the host passed to Run.
func (f *FakeAdapter) Host() engine.Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.host
}

// Script returns the path and script passed to Run.
func (f *FakeAdapter) Script() (path, script string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path, f.script
}

func (f *FakeAdapter) Runs() int64   { return f.runs.Load() }
func (f *FakeAdapter) Calls() int64  { return f.calls.Load() }
func (f *FakeAdapter) Closes() int64 { return f.closes.Load() }

// Doubler writes twice each input to the matching output.
func Doubler(b *types.ProcessBlock) error {
	for i := range types.NumRows {
		in, out := b.InputRow(i), b.OutputRow(i)
		for j := range in {
			out[j] = in[j] * 2
		}
	}
	return nil
}

// Identity copies inputs to outputs.
func Identity(b *types.ProcessBlock) error {
	for i := range types.NumRows {
		copy(b.OutputRow(i), b.InputRow(i))
	}
	return nil
}

// FakeFactory returns an engine.Factory handing out fakes and remembers them.
type FakeFactory struct {
	mu      sync.Mutex
	New     func() *FakeAdapter
	Created []*FakeAdapter
}

func (ff *FakeFactory) Factory() engine.Factory {
	return func() engine.Adapter {
		a := ff.New()
		ff.mu.Lock()
		ff.Created = append(ff.Created, a)
		ff.mu.Unlock()
		return a
	}
}

// Last returns the most recently created fake or nil.
func (ff *FakeFactory) Last() *FakeAdapter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.Created) == 0 {
		return nil
	}
	return ff.Created[len(ff.Created)-1]
}

// MockConfirmer answers confirmation prompts and records what was asked
type MockConfirmer struct {
	mu     sync.Mutex
	Answer bool
	asked  []string
}

func (m *MockConfirmer) Confirm(path, script string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asked = append(m.asked, path)
	return m.Answer
}

// Asked returns the paths the confirmer was asked about.
func (m *MockConfirmer) Asked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.asked...)
}

// MockNotifier records notifications instead of showing them
type MockNotifier struct {
	mu       sync.Mutex
	Failures []string
	Loads    []string
}

func (m *MockNotifier) NotifyLoadSuccess(engineName, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Loads = append(m.Loads, path)
}

func (m *MockNotifier) NotifyFailure(engineName, path, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures = append(m.Failures, message)
}

// FailureCount returns how many failures were recorded.
func (m *MockNotifier) FailureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Failures)
}
