// Package engines wires the bundled script runtimes into a registry.
package engines

import (
	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/engines/hclscript"
	"github.com/poltergeist/prototype/pkg/engines/javascript"
	"github.com/poltergeist/prototype/pkg/engines/lua"
	"github.com/poltergeist/prototype/pkg/registry"
)

// Defaults maps each bundled engine's file extension to its factory.
func Defaults() map[string]engine.Factory {
	return map[string]engine.Factory{
		"js":  javascript.New,
		"lua": lua.New,
		"hcl": hclscript.New,
	}
}

// RegisterDefaults registers every bundled engine by file extension.
func RegisterDefaults(reg *registry.Registry) error {
	for ext, factory := range Defaults() {
		if err := reg.Register(ext, factory); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry holding every bundled engine.
func NewDefaultRegistry() *registry.Registry {
	reg := registry.New()
	if err := RegisterDefaults(reg); err != nil {
		panic(err)
	}
	return reg
}
