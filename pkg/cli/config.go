package cli

import (
	"path/filepath"

	"github.com/poltergeist/prototype/pkg/config"
)

// Config holds the flags every command shares.
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Version     string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
	}
}

// configPath is where init writes and where a missing --config points.
func (c *Config) configPath(ext string) string {
	if c.ConfigFile != "" {
		return c.ConfigFile
	}
	return filepath.Join(c.ProjectRoot, config.FileBaseName+ext)
}

// stateRoot resolves the host's state directory against the project root.
func (c *Config) stateRoot(host *config.HostConfig) string {
	dir := host.StateDir
	if dir == "" {
		dir = "."
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.ProjectRoot, dir)
}
