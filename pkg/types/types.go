// Package types provides the core data model shared by the scheduler and script engines
package types

import (
	"errors"
	"fmt"
)

const (
	// NumRows is the number of physical rows on the panel. Each row has one
	// input jack, one output jack, one knob, one switch and two RGB lights.
	NumRows = 6

	// MaxBufferSize bounds the number of samples an engine may batch.
	MaxBufferSize = 4096

	// DefaultFrameDivider is used when a script declares none.
	DefaultFrameDivider = 32

	// DefaultBufferSize is used when a script declares none.
	DefaultBufferSize = 1

	// DefaultSampleRate is the host rate assumed until one is set.
	DefaultSampleRate = 44100.0

	// DefaultKnobValue is the resting position of a physical knob.
	DefaultKnobValue = 0.5
)

// Sentinel errors for declared engine settings
var (
	ErrInvalidFrameDivider = errors.New("frame divider must be at least 1")
	ErrInvalidBufferSize   = fmt.Errorf("buffer size must be between 1 and %d", MaxBufferSize)
)

// SchedulerState represents the lifecycle state of the realtime scheduler
type SchedulerState string

const (
	StateUnloaded SchedulerState = "unloaded"
	StateLoading  SchedulerState = "loading"
	StateRunning  SchedulerState = "running"
	StateErrored  SchedulerState = "errored"
)

// IsActive reports whether an engine is installed and receiving buffers.
func (s SchedulerState) IsActive() bool {
	return s == StateRunning
}

// Frame holds one sample of voltages, one per row.
type Frame [NumRows]float32

// RGB is one light's red, green and blue brightness.
type RGB [3]float32

// Settings are the values an engine declares once at load time.
type Settings struct {
	FrameDivider int `json:"frameDivider" yaml:"frameDivider"`
	BufferSize   int `json:"bufferSize" yaml:"bufferSize"`
}

// DefaultSettings returns the settings used when a script declares nothing.
func DefaultSettings() Settings {
	return Settings{
		FrameDivider: DefaultFrameDivider,
		BufferSize:   DefaultBufferSize,
	}
}

// Validate checks the declared settings against the fixed bounds.
func (s Settings) Validate() error {
	if s.FrameDivider < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidFrameDivider, s.FrameDivider)
	}
	if s.BufferSize < 1 || s.BufferSize > MaxBufferSize {
		return fmt.Errorf("%w: got %d", ErrInvalidBufferSize, s.BufferSize)
	}
	return nil
}

// SamplesPerDispatch is the number of host samples between two engine calls.
func (s Settings) SamplesPerDispatch() int {
	return s.FrameDivider * s.BufferSize
}

// ProcessBlock is the buffer exchanged between the scheduler and an engine.
// Only the first BufferSize entries of each input and output row are used.
type ProcessBlock struct {
	SampleRate float64
	SampleTime float64
	BufferSize int

	Inputs       [NumRows][MaxBufferSize]float32
	Outputs      [NumRows][MaxBufferSize]float32
	Knobs        [NumRows]float32
	Switches     [NumRows]bool
	Lights       [NumRows]RGB
	SwitchLights [NumRows]RGB
}

// NewProcessBlock allocates a zeroed block for the given buffer size.
// Out of range sizes fall back to DefaultBufferSize.
func NewProcessBlock(bufferSize int) *ProcessBlock {
	b := &ProcessBlock{}
	b.BufferSize = bufferSize
	if bufferSize < 1 || bufferSize > MaxBufferSize {
		b.BufferSize = DefaultBufferSize
	}
	return b
}

// Reset zeroes every field while keeping BufferSize.
func (b *ProcessBlock) Reset() {
	size := b.BufferSize
	*b = ProcessBlock{}
	b.BufferSize = size
}

// InputRow returns the live slice of row i's input samples.
func (b *ProcessBlock) InputRow(i int) []float32 {
	return b.Inputs[i][:b.BufferSize]
}

// OutputRow returns the live slice of row i's output samples.
func (b *ProcessBlock) OutputRow(i int) []float32 {
	return b.Outputs[i][:b.BufferSize]
}

// ZeroOutputs clears outputs and both light banks.
func (b *ProcessBlock) ZeroOutputs() {
	for i := range NumRows {
		clear(b.Outputs[i][:b.BufferSize])
		b.Lights[i] = RGB{}
		b.SwitchLights[i] = RGB{}
	}
}

// Patch is the persisted state of a loaded script.
// A readable file at Path takes precedence over the embedded Script.
type Patch struct {
	Path   string `json:"path" yaml:"path"`
	Script string `json:"script" yaml:"script"`
}

// IsEmpty reports whether the patch requests no script at all.
func (p Patch) IsEmpty() bool {
	return p.Path == ""
}
