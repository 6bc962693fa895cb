package scheduler_test

import (
	"math"
	"testing"

	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/pkg/types"
)

func TestPanelKnobClamp(t *testing.T) {
	tests := []struct {
		in   float32
		want float32
	}{
		{0.25, 0.25},
		{-1, 0},
		{2, 1},
		{float32(math.NaN()), 0},
	}

	p := scheduler.NewPanel()
	for _, tt := range tests {
		p.SetKnob(0, tt.in)
		if got := p.Knob(0); got != tt.want {
			t.Errorf("SetKnob(%v) -> %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPanelSnapshot(t *testing.T) {
	p := scheduler.NewPanel()
	p.SetSwitch(2, true)
	p.SetLight(1, types.RGB{0.1, 0.2, 0.3})
	p.SetSwitchLight(5, types.RGB{1, 0, 0})

	snap := p.Snapshot()
	if snap.Knobs[0] != types.DefaultKnobValue || !snap.Switches[2] {
		t.Errorf("unexpected controls %+v", snap)
	}
	if snap.Lights[1] != (types.RGB{0.1, 0.2, 0.3}) || snap.SwitchLights[5] != (types.RGB{1, 0, 0}) {
		t.Errorf("unexpected lights %+v", snap)
	}

	p.ClearLights()
	snap = p.Snapshot()
	if snap.Lights[1] != (types.RGB{}) || snap.SwitchLights[5] != (types.RGB{}) {
		t.Error("ClearLights should turn every light off")
	}
	if !snap.Switches[2] {
		t.Error("ClearLights should leave switches alone")
	}
}
