// Package registry maps script file extensions to engine factories
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/poltergeist/prototype/pkg/engine"
)

// Sentinel errors for registry operations
var (
	// ErrDuplicateExtension indicates the extension already has a factory
	ErrDuplicateExtension = errors.New("extension already registered")

	// ErrInvalidExtension indicates an empty extension or a nil factory
	ErrInvalidExtension = errors.New("invalid extension")

	// ErrNoEngine indicates no factory is registered for an extension
	ErrNoEngine = errors.New("no engine for extension")
)

// Registry is a set of engine factories keyed by lowercase extension
// without the leading dot. It is populated at startup and read afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]engine.Factory
}

// New creates an empty registry
func New() *Registry {
	return &Registry{factories: make(map[string]engine.Factory)}
}

// NormalizeExtension lowercases ext and strips one leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Register adds a factory for ext
func (r *Registry) Register(ext string, factory engine.Factory) error {
	key := NormalizeExtension(ext)
	if key == "" {
		return fmt.Errorf("%w: empty extension", ErrInvalidExtension)
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for .%s", ErrInvalidExtension, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: .%s", ErrDuplicateExtension, key)
	}
	r.factories[key] = factory
	return nil
}

// MustRegister is Register that panics on error, for startup wiring
func (r *Registry) MustRegister(ext string, factory engine.Factory) {
	if err := r.Register(ext, factory); err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
}

// Create returns a fresh adapter for ext, or false when none is registered
func (r *Registry) Create(ext string) (engine.Adapter, bool) {
	r.mu.RLock()
	factory, ok := r.factories[NormalizeExtension(ext)]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return factory(), true
}

// ForPath returns a fresh adapter for path's extension. The error message
// matches what is shown on the panel: "No engine for .ext extension".
func (r *Registry) ForPath(path string) (engine.Adapter, error) {
	ext := NormalizeExtension(filepath.Ext(path))
	if adapter, ok := r.Create(ext); ok {
		return adapter, nil
	}
	return nil, &NoEngineError{Extension: ext}
}

// Extensions lists the registered extensions in sorted order
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.factories))
	for ext := range r.factories {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// NoEngineError reports a path whose extension has no factory
type NoEngineError struct {
	Extension string
}

func (e *NoEngineError) Error() string {
	return fmt.Sprintf("No engine for .%s extension", e.Extension)
}

func (e *NoEngineError) Is(target error) bool {
	return target == ErrNoEngine
}
