package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/mocks"
	"github.com/poltergeist/prototype/pkg/types"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	return scheduler.New(logger.CreateLoggerWithOutput("", "debug", nil), nil)
}

func load(t *testing.T, s *scheduler.Scheduler, a engine.Adapter) {
	t.Helper()
	if err := s.SetEngine(a, "test.js", "// script"); err != nil {
		t.Fatalf("SetEngine failed: %v", err)
	}
}

func drive(s *scheduler.Scheduler, n int, in types.Frame) types.Frame {
	var out types.Frame
	for range n {
		out = s.OnSample(in)
	}
	return out
}

func TestNewSchedulerIsUnloaded(t *testing.T) {
	s := newScheduler(t)

	if s.State() != types.StateUnloaded {
		t.Errorf("expected unloaded, got %s", s.State())
	}
	if s.EngineName() != "" {
		t.Error("expected no engine")
	}
	if _, ok := s.Settings(); ok {
		t.Error("expected no settings")
	}
	out := drive(s, 100, types.Frame{1, 1, 1, 1, 1, 1})
	if out != (types.Frame{}) {
		t.Errorf("unloaded scheduler should output silence, got %v", out)
	}
	if s.Panel().Knob(3) != types.DefaultKnobValue {
		t.Errorf("knobs should rest at %v", types.DefaultKnobValue)
	}
}

func TestDispatchCadence(t *testing.T) {
	tests := []struct {
		bufferSize   int
		frameDivider int
	}{
		{1, 1},
		{1, 32},
		{4, 1},
		{4, 8},
		{64, 2},
		{types.MaxBufferSize, 1},
	}

	for _, tt := range tests {
		settings := types.Settings{FrameDivider: tt.frameDivider, BufferSize: tt.bufferSize}
		t.Run(cmpName(settings), func(t *testing.T) {
			s := newScheduler(t)
			fake := mocks.NewFakeAdapter("Fake", settings)
			load(t, s, fake)

			const buffers = 5
			period := settings.SamplesPerDispatch()

			drive(s, period*buffers-1, types.Frame{})
			if got := fake.Calls(); got != buffers-1 {
				t.Fatalf("after %d samples expected %d calls, got %d", period*buffers-1, buffers-1, got)
			}
			drive(s, 1, types.Frame{})
			if got := fake.Calls(); got != buffers {
				t.Fatalf("expected %d calls, got %d", buffers, got)
			}
			if dispatched, skipped := s.Stats(); dispatched != buffers || skipped != 0 {
				t.Errorf("Stats() = %d, %d", dispatched, skipped)
			}
		})
	}
}

func cmpName(s types.Settings) string {
	return fmt.Sprintf("divider%d_buffer%d", s.FrameDivider, s.BufferSize)
}

func TestSampleTimeAdvancesPerBuffer(t *testing.T) {
	const (
		rate       = 48000.0
		bufferSize = 4
		calls      = 10
	)

	s := newScheduler(t)
	s.SetSampleRate(rate)

	var times []float64
	var rates []float64
	fake := mocks.NewFakeAdapter("Fake", types.Settings{FrameDivider: 1, BufferSize: bufferSize})
	fake.ProcessFunc = func(b *types.ProcessBlock) error {
		times = append(times, b.SampleTime)
		rates = append(rates, b.SampleRate)
		if b.BufferSize != bufferSize {
			t.Errorf("block buffer size %d", b.BufferSize)
		}
		return nil
	}
	load(t, s, fake)

	drive(s, bufferSize*calls, types.Frame{})

	if len(times) != calls || fake.Calls() != calls {
		t.Fatalf("expected %d entry point calls, got %d", calls, len(times))
	}
	for k, got := range times {
		want := float64(k*bufferSize) / rate
		if diff := got - want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("call %d: sampleTime %v, want %v", k, got, want)
		}
		if rates[k] != rate {
			t.Errorf("call %d: sampleRate %v", k, rates[k])
		}
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	for _, bufferSize := range []int{1, 4, 64, types.MaxBufferSize} {
		t.Run(fmt.Sprintf("buffer%d", bufferSize), func(t *testing.T) {
			s := newScheduler(t)
			fake := mocks.NewFakeAdapter("Identity", types.Settings{FrameDivider: 1, BufferSize: bufferSize})
			fake.ProcessFunc = mocks.Identity
			load(t, s, fake)

			input := func(n int) types.Frame {
				var f types.Frame
				for i := range types.NumRows {
					f[i] = float32(n*types.NumRows + i + 1)
				}
				return f
			}

			for n := range 3 * bufferSize {
				out := s.OnSample(input(n))

				var want types.Frame
				if n >= bufferSize {
					want = input(n - bufferSize)
				}
				if diff := cmp.Diff(want, out); diff != "" {
					t.Fatalf("sample %d mismatch (-want +got):\n%s", n, diff)
				}
			}
		})
	}
}

func TestDoublerScenario(t *testing.T) {
	s := newScheduler(t)
	fake := mocks.NewFakeAdapter("Doubler", types.Settings{FrameDivider: 1, BufferSize: 4})
	fake.ProcessFunc = mocks.Doubler
	load(t, s, fake)

	in := types.Frame{1.0}
	for n := range 12 {
		out := s.OnSample(in)

		var want types.Frame
		if n >= 4 {
			want[0] = 2.0
		}
		if diff := cmp.Diff(want, out); diff != "" {
			t.Fatalf("sample %d (-want +got):\n%s", n, diff)
		}
	}
}

func TestFailureContainment(t *testing.T) {
	s := newScheduler(t)
	fake := mocks.NewFakeAdapter("Flaky", types.Settings{FrameDivider: 1, BufferSize: 2})
	fake.FailOnCall = 3
	fake.ProcessFunc = func(b *types.ProcessBlock) error {
		b.Lights[0] = types.RGB{1, 1, 1}
		b.SwitchLights[2] = types.RGB{0, 1, 0}
		return mocks.Identity(b)
	}
	load(t, s, fake)

	in := types.Frame{1, 1, 1, 1, 1, 1}

	// Calls 1 and 2 succeed on samples 1 and 3.
	out := drive(s, 5, in)
	if out != in {
		t.Fatalf("expected passthrough before failure, got %v", out)
	}
	if s.Panel().Light(0) != (types.RGB{1, 1, 1}) {
		t.Error("expected light copied to panel")
	}

	// Call 3 fails on sample 5.
	drive(s, 1, in)
	if fake.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", fake.Calls())
	}

	out = s.OnSample(in)
	if out != (types.Frame{}) {
		t.Errorf("outputs should be silent on the very next sample, got %v", out)
	}
	if s.State() != types.StateErrored {
		t.Errorf("expected errored, got %s", s.State())
	}
	if s.Message() != "failed on call 3" {
		t.Errorf("unexpected display %q", s.Message())
	}
	if s.Panel().Light(0) != (types.RGB{}) || s.Panel().SwitchLight(2) != (types.RGB{}) {
		t.Error("lights should be cleared")
	}
	if fake.Closes() != 1 {
		t.Errorf("failed adapter should be closed once, got %d", fake.Closes())
	}

	drive(s, 1000, in)
	if fake.Calls() != 3 {
		t.Errorf("no calls expected after failure, got %d", fake.Calls())
	}
	if s.EngineName() != "" {
		t.Error("failed engine should not remain current")
	}
}

func TestMissingEntryPoint(t *testing.T) {
	s := newScheduler(t)
	fake := mocks.NewFakeAdapter("JavaScript", types.DefaultSettings())
	fake.RunErr = engine.Errorf(engine.ContractViolation, "JavaScript", "No process() function")

	err := s.SetEngine(fake, "empty.js", "const x = 1")
	if !errors.Is(err, engine.ContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
	if s.State() != types.StateErrored {
		t.Errorf("expected errored, got %s", s.State())
	}
	if s.Message() != "No process() function" {
		t.Errorf("unexpected display %q", s.Message())
	}

	drive(s, 1000, types.Frame{1})
	if fake.Calls() != 0 {
		t.Errorf("process should never be called, got %d calls", fake.Calls())
	}
	if fake.Closes() != 1 {
		t.Errorf("failed adapter should be closed, got %d", fake.Closes())
	}
}

func TestDeclaredSettingsValidated(t *testing.T) {
	tests := []struct {
		name     string
		settings types.Settings
	}{
		{"zero divider", types.Settings{FrameDivider: 0, BufferSize: 1}},
		{"zero buffer", types.Settings{FrameDivider: 1, BufferSize: 0}},
		{"oversized buffer", types.Settings{FrameDivider: 1, BufferSize: types.MaxBufferSize + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(t)
			fake := mocks.NewFakeAdapter("Bad", tt.settings)

			err := s.SetEngine(fake, "bad.js", "")
			if !errors.Is(err, engine.ContractViolation) {
				t.Fatalf("expected contract violation, got %v", err)
			}
			if s.State() != types.StateErrored {
				t.Errorf("expected errored, got %s", s.State())
			}
		})
	}
}

func TestRunPanicIsContained(t *testing.T) {
	s := newScheduler(t)
	fake := mocks.NewFakeAdapter("Panicky", types.DefaultSettings())
	panicky := &panicOnRun{FakeAdapter: fake}

	err := s.SetEngine(panicky, "p.js", "")
	if !errors.Is(err, engine.RuntimeError) {
		t.Fatalf("expected runtime error from panic, got %v", err)
	}
	if s.State() != types.StateErrored {
		t.Errorf("expected errored, got %s", s.State())
	}
}

type panicOnRun struct {
	*mocks.FakeAdapter
}

func (p *panicOnRun) Run(engine.Host, string, string) (types.Settings, error) {
	panic("compiler exploded")
}

func TestSwapResetsBuffering(t *testing.T) {
	s := newScheduler(t)
	first := mocks.NewFakeAdapter("First", types.Settings{FrameDivider: 1, BufferSize: 4})
	load(t, s, first)
	drive(s, 3, types.Frame{})

	second := mocks.NewFakeAdapter("Second", types.Settings{FrameDivider: 2, BufferSize: 3})
	load(t, s, second)

	if first.Closes() != 1 {
		t.Errorf("replaced adapter should be closed once, got %d", first.Closes())
	}
	if s.EngineName() != "Second" {
		t.Errorf("expected Second, got %q", s.EngineName())
	}

	drive(s, 5, types.Frame{})
	if second.Calls() != 0 {
		t.Fatalf("dispatch should wait a full period after a swap, got %d calls", second.Calls())
	}
	drive(s, 1, types.Frame{})
	if second.Calls() != 1 {
		t.Errorf("expected first dispatch after 6 samples, got %d", second.Calls())
	}
	if first.Calls() != 0 {
		t.Errorf("old adapter should not be called, got %d", first.Calls())
	}
}

func TestReloadIsIdempotent(t *testing.T) {
	settings := types.Settings{FrameDivider: 2, BufferSize: 8}
	run := func(s *scheduler.Scheduler) []types.Frame {
		fake := mocks.NewFakeAdapter("Doubler", settings)
		fake.ProcessFunc = mocks.Doubler
		load(t, s, fake)

		got, _ := s.Settings()
		if got != settings {
			t.Fatalf("declared settings %+v", got)
		}

		var outs []types.Frame
		for n := range 64 {
			outs = append(outs, s.OnSample(types.Frame{float32(n), -float32(n)}))
		}
		return outs
	}

	s := newScheduler(t)
	first := run(s)
	second := run(s)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("reload changed the output sequence (-first +second):\n%s", diff)
	}
}

func TestUnload(t *testing.T) {
	s := newScheduler(t)
	fake := mocks.NewFakeAdapter("Identity", types.Settings{FrameDivider: 1, BufferSize: 1})
	fake.ProcessFunc = mocks.Identity
	load(t, s, fake)
	drive(s, 4, types.Frame{0.5})

	s.Unload()

	if s.State() != types.StateUnloaded {
		t.Errorf("expected unloaded, got %s", s.State())
	}
	if fake.Closes() != 1 {
		t.Errorf("expected close on unload, got %d", fake.Closes())
	}
	if out := s.OnSample(types.Frame{0.5}); out != (types.Frame{}) {
		t.Errorf("expected silence after unload, got %v", out)
	}
	if s.Message() != "" {
		t.Errorf("display should be cleared, got %q", s.Message())
	}
}

func TestKnobWriteBack(t *testing.T) {
	s := newScheduler(t)
	panel := s.Panel()
	panel.SetKnob(1, 0.3)
	panel.SetSwitch(4, true)

	var sawKnob float32
	var sawSwitch bool
	fake := mocks.NewFakeAdapter("Knobs", types.Settings{FrameDivider: 1, BufferSize: 1})
	fake.ProcessFunc = func(b *types.ProcessBlock) error {
		sawKnob = b.Knobs[1]
		sawSwitch = b.Switches[4]
		b.Knobs[0] = 0.9
		// a user turning knob 2 while the engine runs
		panel.SetKnob(2, 0.1)
		return nil
	}
	load(t, s, fake)
	drive(s, 1, types.Frame{})

	if sawKnob != 0.3 || !sawSwitch {
		t.Errorf("engine saw knob %v switch %v", sawKnob, sawSwitch)
	}
	if panel.Knob(0) != 0.9 {
		t.Errorf("engine change should be written back, got %v", panel.Knob(0))
	}
	if panel.Knob(1) != 0.3 {
		t.Errorf("untouched knob should keep its value, got %v", panel.Knob(1))
	}
	if panel.Knob(2) != 0.1 {
		t.Errorf("live user adjustment should not be overwritten, got %v", panel.Knob(2))
	}
}

func TestOnSampleDoesNotAllocate(t *testing.T) {
	s := newScheduler(t)
	fake := mocks.NewFakeAdapter("Doubler", types.Settings{FrameDivider: 1, BufferSize: 1})
	fake.ProcessFunc = mocks.Doubler
	load(t, s, fake)

	in := types.Frame{0.25, 0.5}
	allocs := testing.AllocsPerRun(1000, func() {
		s.OnSample(in)
	})
	if allocs != 0 {
		t.Errorf("OnSample allocated %v times per call", allocs)
	}
}

func TestReaperClosesFailedAdapter(t *testing.T) {
	s := newScheduler(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, scheduler.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	fake := mocks.NewFakeAdapter("Flaky", types.Settings{FrameDivider: 1, BufferSize: 1})
	fake.FailOnCall = 1
	load(t, s, fake)
	drive(s, 1, types.Frame{})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.State != types.StateErrored {
				continue
			}
			if ev.Engine != "Flaky" || !ev.Runtime || !errors.Is(ev.Err, engine.RuntimeError) {
				t.Errorf("unexpected event %+v", ev)
			}
			if err := s.Stop(); err != nil {
				t.Errorf("Stop failed: %v", err)
			}
			if fake.Closes() != 1 {
				t.Errorf("expected reaper to close adapter once, got %d", fake.Closes())
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for errored event")
		}
	}
}

func TestFailShowsLoaderError(t *testing.T) {
	s := newScheduler(t)
	fake := mocks.NewFakeAdapter("Fake", types.Settings{FrameDivider: 1, BufferSize: 1})
	fake.ProcessFunc = mocks.Identity
	load(t, s, fake)
	drive(s, 4, types.Frame{1})

	// drain the load transition
	for len(s.Events()) > 0 {
		<-s.Events()
	}

	s.Fail("No engine for .txt extension")

	if s.State() != types.StateErrored {
		t.Errorf("expected errored, got %s", s.State())
	}
	if s.Message() != "No engine for .txt extension" {
		t.Errorf("unexpected message %q", s.Message())
	}
	if s.EngineName() != "" || fake.Closes() != 1 {
		t.Errorf("previous engine not discarded: %q closes=%d", s.EngineName(), fake.Closes())
	}
	if out := drive(s, 4, types.Frame{1}); out != (types.Frame{}) {
		t.Errorf("expected silence after Fail, got %v", out)
	}

	select {
	case ev := <-s.Events():
		if ev.State != types.StateErrored || ev.Runtime || ev.Message != "No engine for .txt extension" {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Error("expected an errored event")
	}
}

func TestConcurrentSwapWhileRunning(t *testing.T) {
	s := newScheduler(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		in := types.Frame{1}
		for {
			select {
			case <-stop:
				return
			default:
				s.OnSample(in)
			}
		}
	}()

	var fakes []*mocks.FakeAdapter
	for i := range 20 {
		fake := mocks.NewFakeAdapter("Swap", types.Settings{FrameDivider: 1, BufferSize: 1 + i%5})
		fake.ProcessFunc = mocks.Doubler
		fakes = append(fakes, fake)
		if err := s.SetEngine(fake, "swap.js", ""); err != nil {
			t.Fatalf("swap %d failed: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	if s.State() != types.StateRunning {
		t.Errorf("expected running, got %s", s.State())
	}
	for i, f := range fakes[:len(fakes)-1] {
		if f.Closes() != 1 {
			t.Errorf("adapter %d closed %d times", i, f.Closes())
		}
	}
}

func TestSwapClosesPreviousAdapterOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	adapter := mocks.NewMockAdapter(ctrl)
	adapter.EXPECT().Name().Return("Mock").AnyTimes()
	adapter.EXPECT().Run(gomock.Any(), "a.js", "src").Return(types.Settings{FrameDivider: 1, BufferSize: 2}, nil)
	adapter.EXPECT().Process().Return(nil).Times(3)
	adapter.EXPECT().Close().Return(nil).Times(1)

	s := newScheduler(t)
	if err := s.SetEngine(adapter, "a.js", "src"); err != nil {
		t.Fatal(err)
	}
	drive(s, 6, types.Frame{})
	s.Unload()
	drive(s, 6, types.Frame{})
}

func TestSetSampleRateIgnoresInvalid(t *testing.T) {
	s := newScheduler(t)
	s.SetSampleRate(96000)
	s.SetSampleRate(0)
	s.SetSampleRate(-1)
	if s.SampleRate() != 96000 {
		t.Errorf("expected 96000, got %v", s.SampleRate())
	}
}
