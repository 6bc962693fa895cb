package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poltergeist/prototype/pkg/config"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/spf13/cobra"
)

func TestLoadConfig_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "prototype.config.json")
	os.WriteFile(configPath, []byte(`{
		"version": "1.0",
		"sampleRate": 48000,
		"watch": {"enabled": false, "debounceMs": 50},
		"knobs": [0.1, 0.9]
	}`), 0o644)

	cfg, err := config.NewManager().LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("expected sample rate 48000, got %v", cfg.SampleRate)
	}
	if cfg.Watch.Enabled || cfg.Watch.DebounceMs != 50 {
		t.Errorf("unexpected watch config %+v", cfg.Watch)
	}
	if len(cfg.Knobs) != 2 || cfg.Knobs[1] != 0.9 {
		t.Errorf("unexpected knobs %v", cfg.Knobs)
	}
	// fields missing from the file keep their defaults
	if cfg.Log.Level != "info" || cfg.Monitor.IntervalMs != 50 {
		t.Errorf("defaults not kept: %+v", cfg)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "prototype.config.yaml")
	os.WriteFile(configPath, []byte(`
version: "1.0"
sampleRate: 96000
session: studio
log:
  level: debug
notifications:
  enabled: false
monitor:
  address: 127.0.0.1:7070
  intervalMs: 100
`), 0o644)

	cfg, err := config.NewManager().LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load YAML config: %v", err)
	}
	if cfg.SampleRate != 96000 || cfg.Session != "studio" || cfg.Log.Level != "debug" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Notifications.Enabled {
		t.Error("expected notifications disabled")
	}
	if cfg.Monitor.Address != "127.0.0.1:7070" || cfg.Monitor.IntervalMs != 100 {
		t.Errorf("unexpected monitor config %+v", cfg.Monitor)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()
	manager := config.NewManager()

	if _, err := manager.LoadConfig(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	garbage := filepath.Join(tmpDir, "garbage.json")
	os.WriteFile(garbage, []byte("{not: [valid"), 0o644)
	if _, err := manager.LoadConfig(garbage); err == nil {
		t.Error("expected parse error")
	}

	badVersion := filepath.Join(tmpDir, "v2.json")
	os.WriteFile(badVersion, []byte(`{"version": "2.0"}`), 0o644)
	if _, err := manager.LoadConfig(badVersion); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	manager := config.NewManager()

	tests := []struct {
		name   string
		mutate func(*config.HostConfig)
		errMsg string
	}{
		{"defaults", func(*config.HostConfig) {}, ""},
		{"invalid version", func(c *config.HostConfig) { c.Version = "2.0" }, "unsupported version"},
		{"zero sample rate", func(c *config.HostConfig) { c.SampleRate = 0 }, "sample rate"},
		{"unknown log level", func(c *config.HostConfig) { c.Log.Level = "loud" }, "unknown log level"},
		{"negative debounce", func(c *config.HostConfig) { c.Watch.DebounceMs = -1 }, "negative debounce"},
		{"zero monitor interval", func(c *config.HostConfig) { c.Monitor.IntervalMs = 0 }, "monitor interval"},
		{"too many knobs", func(c *config.HostConfig) { c.Knobs = make([]float32, types.NumRows+1) }, "at most"},
		{"knob out of range", func(c *config.HostConfig) { c.Knobs = []float32{0.5, 1.5} }, "outside [0, 1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultHostConfig()
			tt.mutate(cfg)
			err := manager.ValidateConfig(cfg)
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	manager := config.NewManager()

	cfg, path, err := manager.Load(tmpDir, "")
	if err != nil {
		t.Fatalf("load without file failed: %v", err)
	}
	if path != "" || cfg.SampleRate != types.DefaultSampleRate {
		t.Errorf("expected defaults, got %q %+v", path, cfg)
	}

	yamlPath := filepath.Join(tmpDir, "prototype.config.yaml")
	os.WriteFile(yamlPath, []byte("version: \"1.0\"\nsampleRate: 22050\n"), 0o644)
	jsonPath := filepath.Join(tmpDir, "prototype.config.json")
	os.WriteFile(jsonPath, []byte(`{"version": "1.0", "sampleRate": 32000}`), 0o644)

	found, err := manager.FindConfig(tmpDir)
	if err != nil || found != jsonPath {
		t.Errorf("expected JSON to win, got %q (%v)", found, err)
	}

	cfg, path, err = manager.Load(tmpDir, yamlPath)
	if err != nil || path != yamlPath || cfg.SampleRate != 22050 {
		t.Errorf("explicit file not used: %q %+v %v", path, cfg, err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	manager := config.NewManager()

	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultHostConfig()
			cfg.SampleRate = 48000
			cfg.Knobs = []float32{0.25}
			path := filepath.Join(tmpDir, name)

			if err := manager.Save(path, cfg); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			loaded, err := manager.LoadConfig(path)
			if err != nil {
				t.Fatalf("reload failed: %v", err)
			}
			if loaded.SampleRate != 48000 || len(loaded.Knobs) != 1 || loaded.Knobs[0] != 0.25 {
				t.Errorf("unexpected config after round trip %+v", loaded)
			}
		})
	}
}

func TestApplyOverrides_Env(t *testing.T) {
	t.Setenv("PROTOTYPE_SAMPLE_RATE", "48000")
	t.Setenv("PROTOTYPE_WATCH", "false")
	t.Setenv("PROTOTYPE_SESSION", "live")

	cfg := config.DefaultHostConfig()
	if err := config.NewManager().ApplyOverrides(cfg, config.NewViper()); err != nil {
		t.Fatal(err)
	}
	if cfg.SampleRate != 48000 || cfg.Watch.Enabled || cfg.Session != "live" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("unset keys must keep their value, got %q", cfg.Log.Level)
	}
}

func TestApplyOverrides_Flags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Float64(config.KeySampleRate, 0, "")
	cmd.Flags().String(config.KeyLogLevel, "info", "")
	cmd.Flags().String(config.KeyMonitor, "", "")
	if err := cmd.Flags().Parse([]string{"--sample-rate=96000", "--monitor=:7070"}); err != nil {
		t.Fatal(err)
	}

	v := config.NewViper()
	for _, key := range []string{config.KeySampleRate, config.KeyLogLevel, config.KeyMonitor} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.DefaultHostConfig()
	cfg.Log.Level = "debug"
	if err := config.NewManager().ApplyOverrides(cfg, v); err != nil {
		t.Fatal(err)
	}
	if cfg.SampleRate != 96000 || cfg.Monitor.Address != ":7070" {
		t.Errorf("flag overrides not applied: %+v", cfg)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("an unchanged flag must not override the file, got %q", cfg.Log.Level)
	}
}

func TestApplyOverrides_Invalid(t *testing.T) {
	t.Setenv("PROTOTYPE_SAMPLE_RATE", "-1")
	err := config.NewManager().ApplyOverrides(config.DefaultHostConfig(), config.NewViper())
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}
