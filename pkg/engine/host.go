package engine

import (
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/types"
)

// StandaloneHost is a Host outside of any scheduler, used for compile
// checks and by adapter tests.
type StandaloneHost struct {
	block *types.ProcessBlock
	log   logger.Logger
	Board MessageBoard
}

// NewStandaloneHost returns a host owning a block of bufferSize samples.
func NewStandaloneHost(bufferSize int, log logger.Logger) *StandaloneHost {
	if log == nil {
		log = logger.Discard()
	}
	block := types.NewProcessBlock(bufferSize)
	block.SampleRate = types.DefaultSampleRate
	return &StandaloneHost{block: block, log: log}
}

func (h *StandaloneHost) Block() *types.ProcessBlock { return h.block }

func (h *StandaloneHost) Display(message string) { h.Board.Post(message) }

func (h *StandaloneHost) Logger() logger.Logger { return h.log }

// Resize replaces the block with one of a new buffer size, keeping the rate.
func (h *StandaloneHost) Resize(bufferSize int) {
	rate := h.block.SampleRate
	h.block = types.NewProcessBlock(bufferSize)
	h.block.SampleRate = rate
}

// Run starts a against this host and sizes the block to the declared
// buffer, the way a scheduler would.
func (h *StandaloneHost) Run(a Adapter, path, script string) (settings types.Settings, err error) {
	defer Recover(a.Name(), &err)

	settings, err = a.Run(h, path, script)
	if err != nil {
		return settings, err
	}
	if verr := settings.Validate(); verr != nil {
		return settings, &Error{Kind: ContractViolation, Engine: a.Name(), Message: verr.Error(), Err: verr}
	}
	h.block.BufferSize = settings.BufferSize
	return settings, nil
}
