package scheduler

import (
	"math"
	"sync/atomic"

	"github.com/poltergeist/prototype/pkg/types"
)

// Panel holds the physical controls and indicators. Every field is an
// atomic so UI goroutines and the audio goroutine share it without locks.
type Panel struct {
	knobs        [types.NumRows]atomic.Uint32
	switches     [types.NumRows]atomic.Bool
	lights       [types.NumRows][3]atomic.Uint32
	switchLights [types.NumRows][3]atomic.Uint32
}

// PanelSnapshot is a plain copy of the panel at one instant
type PanelSnapshot struct {
	Knobs        [types.NumRows]float32   `json:"knobs"`
	Switches     [types.NumRows]bool      `json:"switches"`
	Lights       [types.NumRows]types.RGB `json:"lights"`
	SwitchLights [types.NumRows]types.RGB `json:"switchLights"`
}

// NewPanel creates a panel with every knob at rest.
func NewPanel() *Panel {
	p := &Panel{}
	for i := range types.NumRows {
		p.SetKnob(i, types.DefaultKnobValue)
	}
	return p
}

func clamp01(v float32) float32 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// SetKnob moves knob i, clamped to [0,1].
func (p *Panel) SetKnob(i int, v float32) {
	p.knobs[i].Store(math.Float32bits(clamp01(v)))
}

func (p *Panel) Knob(i int) float32 {
	return math.Float32frombits(p.knobs[i].Load())
}

func (p *Panel) SetSwitch(i int, pressed bool) {
	p.switches[i].Store(pressed)
}

func (p *Panel) Switch(i int) bool {
	return p.switches[i].Load()
}

func (p *Panel) SetLight(i int, c types.RGB) {
	storeRGB(&p.lights[i], c)
}

func (p *Panel) Light(i int) types.RGB {
	return loadRGB(&p.lights[i])
}

func (p *Panel) SetSwitchLight(i int, c types.RGB) {
	storeRGB(&p.switchLights[i], c)
}

func (p *Panel) SwitchLight(i int) types.RGB {
	return loadRGB(&p.switchLights[i])
}

// ClearLights turns every indicator off.
func (p *Panel) ClearLights() {
	for i := range types.NumRows {
		p.SetLight(i, types.RGB{})
		p.SetSwitchLight(i, types.RGB{})
	}
}

// Snapshot copies the panel.
func (p *Panel) Snapshot() PanelSnapshot {
	var s PanelSnapshot
	for i := range types.NumRows {
		s.Knobs[i] = p.Knob(i)
		s.Switches[i] = p.Switch(i)
		s.Lights[i] = p.Light(i)
		s.SwitchLights[i] = p.SwitchLight(i)
	}
	return s
}

func storeRGB(dst *[3]atomic.Uint32, c types.RGB) {
	for ch := range 3 {
		dst[ch].Store(math.Float32bits(c[ch]))
	}
}

func loadRGB(src *[3]atomic.Uint32) types.RGB {
	var c types.RGB
	for ch := range 3 {
		c[ch] = math.Float32frombits(src[ch].Load())
	}
	return c
}
