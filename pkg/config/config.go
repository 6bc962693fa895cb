// Package config handles host configuration loading and management
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/poltergeist/prototype/pkg/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Version is the only config version this host reads.
const Version = "1.0"

// FileBaseName is the config file looked up in the project root, as .json or .yaml.
const FileBaseName = "prototype.config"

// EnvPrefix prefixes environment overrides, e.g. PROTOTYPE_SAMPLE_RATE.
const EnvPrefix = "PROTOTYPE"

// Override keys shared by flags and environment variables.
const (
	KeySampleRate    = "sample-rate"
	KeyLogLevel      = "log-level"
	KeyLogFile       = "log-file"
	KeyWatch         = "watch"
	KeyDebounceMs    = "debounce-ms"
	KeyNotifications = "notifications"
	KeyTrustPatches  = "trust-patches"
	KeyMonitor       = "monitor"
	KeySession       = "session"
)

var (
	ErrNotFound = errors.New("no config file found")
	ErrInvalid  = errors.New("invalid config")
)

// HostConfig is the configuration of one host process
type HostConfig struct {
	Version       string             `json:"version" yaml:"version"`
	SampleRate    float64            `json:"sampleRate" yaml:"sampleRate"`
	Session       string             `json:"session,omitempty" yaml:"session,omitempty"`
	Script        string             `json:"script,omitempty" yaml:"script,omitempty"`
	Log           LogConfig          `json:"log" yaml:"log"`
	Watch         WatchConfig        `json:"watch" yaml:"watch"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications"`
	Monitor       MonitorConfig      `json:"monitor" yaml:"monitor"`
	// TrustPatches runs scripts restored from saved state without asking.
	TrustPatches bool `json:"trustPatches" yaml:"trustPatches"`
	// StateDir is the project root holding .prototype/state.
	StateDir string `json:"stateDir,omitempty" yaml:"stateDir,omitempty"`
	// Knobs are the initial knob positions, one per row.
	Knobs []float32 `json:"knobs,omitempty" yaml:"knobs,omitempty"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
}

type WatchConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	DebounceMs int  `json:"debounceMs" yaml:"debounceMs"`
}

type NotificationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Sound   bool `json:"sound" yaml:"sound"`
	Loads   bool `json:"loads" yaml:"loads"`
}

// MonitorConfig configures the websocket telemetry feed. An empty address disables it.
type MonitorConfig struct {
	Address    string `json:"address,omitempty" yaml:"address,omitempty"`
	IntervalMs int    `json:"intervalMs" yaml:"intervalMs"`
}

// DefaultHostConfig returns the configuration used when no file exists
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Version:    Version,
		SampleRate: types.DefaultSampleRate,
		Session:    "default",
		Log:        LogConfig{Level: "info"},
		Watch:      WatchConfig{Enabled: true, DebounceMs: 200},
		Notifications: NotificationConfig{
			Enabled: true,
			Sound:   false,
		},
		Monitor:  MonitorConfig{IntervalMs: 50},
		StateDir: ".",
	}
}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads a config file, JSON first with YAML as fallback.
// Fields missing from the file keep their defaults.
func (m *Manager) LoadConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultHostConfig()
	if jerr := json.Unmarshal(data, cfg); jerr != nil {
		cfg = DefaultHostConfig()
		if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
			return nil, fmt.Errorf("failed to parse config as JSON or YAML: %w", errors.Join(jerr, yerr))
		}
	}

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfig returns the config file in root, preferring JSON.
func (m *Manager) FindConfig(root string) (string, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(root, FileBaseName+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNotFound, root)
}

// Load reads the config at file, or the one found in root when file is
// empty. Without any file the defaults are returned with an empty path.
func (m *Manager) Load(root, file string) (*HostConfig, string, error) {
	if file == "" {
		found, err := m.FindConfig(root)
		if errors.Is(err, ErrNotFound) {
			return DefaultHostConfig(), "", nil
		}
		file = found
	}
	cfg, err := m.LoadConfig(file)
	if err != nil {
		return nil, file, err
	}
	return cfg, file, nil
}

// Save writes cfg as JSON or YAML depending on the path's extension
func (m *Manager) Save(path string, cfg *HostConfig) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *HostConfig) error {
	if cfg.Version != Version {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalid, cfg.Version)
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 768000 {
		return fmt.Errorf("%w: sample rate %v out of range", ErrInvalid, cfg.SampleRate)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, cfg.Log.Level)
	}
	if cfg.Watch.DebounceMs < 0 {
		return fmt.Errorf("%w: negative debounce", ErrInvalid)
	}
	if cfg.Monitor.IntervalMs <= 0 {
		return fmt.Errorf("%w: monitor interval must be positive", ErrInvalid)
	}
	if len(cfg.Knobs) > types.NumRows {
		return fmt.Errorf("%w: %d knobs, at most %d", ErrInvalid, len(cfg.Knobs), types.NumRows)
	}
	for i, k := range cfg.Knobs {
		if k < 0 || k > 1 {
			return fmt.Errorf("%w: knob %d value %v outside [0, 1]", ErrInvalid, i, k)
		}
	}
	return nil
}

// NewViper returns a viper instance reading PROTOTYPE_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v, through a changed flag or an
// environment variable, over cfg and revalidates it.
func (m *Manager) ApplyOverrides(cfg *HostConfig, v *viper.Viper) error {
	if v.IsSet(KeySampleRate) {
		cfg.SampleRate = v.GetFloat64(KeySampleRate)
	}
	if v.IsSet(KeyLogLevel) {
		cfg.Log.Level = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyLogFile) {
		cfg.Log.File = v.GetString(KeyLogFile)
	}
	if v.IsSet(KeyWatch) {
		cfg.Watch.Enabled = v.GetBool(KeyWatch)
	}
	if v.IsSet(KeyDebounceMs) {
		cfg.Watch.DebounceMs = v.GetInt(KeyDebounceMs)
	}
	if v.IsSet(KeyNotifications) {
		cfg.Notifications.Enabled = v.GetBool(KeyNotifications)
	}
	if v.IsSet(KeyTrustPatches) {
		cfg.TrustPatches = v.GetBool(KeyTrustPatches)
	}
	if v.IsSet(KeyMonitor) {
		cfg.Monitor.Address = v.GetString(KeyMonitor)
	}
	if v.IsSet(KeySession) {
		cfg.Session = v.GetString(KeySession)
	}
	return m.ValidateConfig(cfg)
}
