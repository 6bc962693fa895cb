// Package engine defines the contract between the realtime scheduler and script runtimes.
//
// An Adapter wraps one script runtime instance. The scheduler calls Run once
// from a control goroutine to compile the script and read its declared
// settings, then calls Process once per dispatched buffer from the audio
// goroutine. Process must not block on I/O; everything it needs is in the
// ProcessBlock returned by Host.Block.
package engine

import (
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/types"
)

// Adapter is one script runtime bound to one loaded script
type Adapter interface {
	// Name is the human readable runtime name, e.g. "JavaScript".
	Name() string

	// Run compiles script (path is for diagnostics and module resolution),
	// returns the declared settings and resolves the per-buffer entry point.
	// Called exactly once per adapter.
	Run(host Host, path, script string) (types.Settings, error)

	// Process invokes the entry point once against Host.Block.
	Process() error

	// Close releases the runtime. Safe to call more than once.
	Close() error
}

// Host is what the scheduler exposes to a running adapter
type Host interface {
	// Block returns the exchange buffer. Contents are only fresh inside Process.
	Block() *types.ProcessBlock

	// Display posts a status message, last write wins.
	Display(message string)

	// Logger returns a logger scoped to the adapter's engine.
	Logger() logger.Logger
}

// Factory creates a fresh, unstarted adapter
type Factory func() Adapter
