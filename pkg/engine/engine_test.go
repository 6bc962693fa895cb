package engine_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/poltergeist/prototype/pkg/engine"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind engine.Kind
		code int
		text string
	}{
		{engine.CompileError, 1, "compile error"},
		{engine.ContractViolation, 2, "contract violation"},
		{engine.RuntimeError, 3, "runtime error"},
		{engine.ResourceError, 4, "resource error"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			err := engine.Errorf(tt.kind, "Lua", "failed at %d", 7)
			if err.Code() != tt.code {
				t.Errorf("Code() = %d, want %d", err.Code(), tt.code)
			}
			if tt.kind.String() != tt.text {
				t.Errorf("String() = %q, want %q", tt.kind.String(), tt.text)
			}
			wrapped := fmt.Errorf("load failed: %w", err)
			if !errors.Is(wrapped, tt.kind) {
				t.Error("expected errors.Is to match kind through wrapping")
			}
			if err.Error() != "Lua: failed at 7" {
				t.Errorf("unexpected message %q", err.Error())
			}
		})
	}

	if errors.Is(engine.Errorf(engine.CompileError, "", "x"), engine.RuntimeError) {
		t.Error("kinds should not cross-match")
	}
}

func TestWrap(t *testing.T) {
	if engine.Wrap(engine.RuntimeError, "JS", nil) != nil {
		t.Error("wrapping nil should return nil")
	}

	cause := errors.New("stack overflow")
	err := engine.Wrap(engine.RuntimeError, "JS", cause)
	if !errors.Is(err, cause) || !errors.Is(err, engine.RuntimeError) {
		t.Error("wrapped error should match both cause and kind")
	}

	classified := engine.Errorf(engine.ContractViolation, "JS", "No process() function")
	if engine.Wrap(engine.RuntimeError, "JS", classified) != error(classified) {
		t.Error("classified errors should pass through unchanged")
	}

	var e *engine.Error
	if !errors.As(err, &e) || e.Engine != "JS" {
		t.Error("expected *engine.Error via errors.As")
	}
}

func TestRecover(t *testing.T) {
	run := func() (err error) {
		defer engine.Recover("Lua", &err)
		var m map[string]int
		m["boom"] = 1
		return nil
	}

	err := run()
	if !errors.Is(err, engine.RuntimeError) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Errorf("expected panic in message, got %q", err.Error())
	}

	ok := func() (err error) {
		defer engine.Recover("Lua", &err)
		return nil
	}
	if ok() != nil {
		t.Error("no panic should leave err nil")
	}
}

func TestMessageBoard(t *testing.T) {
	var b engine.MessageBoard
	if b.Message() != "" {
		t.Error("new board should be empty")
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Post(fmt.Sprintf("msg %d", i))
		}()
	}
	wg.Wait()

	if !strings.HasPrefix(b.Message(), "msg ") {
		t.Errorf("expected a posted message, got %q", b.Message())
	}

	b.Post("last")
	if b.Message() != "last" {
		t.Error("last write should win")
	}
	b.Clear()
	if b.Message() != "" {
		t.Error("Clear should empty the board")
	}
}

func TestStandaloneHost(t *testing.T) {
	h := engine.NewStandaloneHost(16, nil)
	if h.Block().BufferSize != 16 || h.Block().SampleRate != 44100 {
		t.Errorf("unexpected block: size %d rate %v", h.Block().BufferSize, h.Block().SampleRate)
	}
	h.Display("hello")
	if h.Board.Message() != "hello" {
		t.Error("Display should post to the board")
	}
	h.Resize(4)
	if h.Block().BufferSize != 4 || h.Block().SampleRate != 44100 {
		t.Error("Resize should keep the rate")
	}
	if h.Logger() == nil {
		t.Error("expected a logger")
	}
}
