package cli

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/poltergeist/prototype/pkg/config"
	"github.com/poltergeist/prototype/pkg/engines"
	"github.com/spf13/cobra"
)

//go:embed templates/*
var templates embed.FS

func (c *CLI) newInitCmd() *cobra.Command {
	var (
		format  string
		example string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Initialize writes prototype.config.json (or .yaml) in the project root,
optionally with an example gain script for one of the engines.`,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(format, example, force)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "config format (json or yaml)")
	cmd.Flags().StringVar(&example, "example", "", "also write an example script (js, lua or hcl)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")

	return cmd
}

func (c *CLI) runInit(format, example string, force bool) error {
	var ext string
	switch strings.ToLower(format) {
	case "json":
		ext = ".json"
	case "yaml", "yml":
		ext = ".yaml"
	default:
		return fmt.Errorf("unknown config format %q", format)
	}

	cfg := config.DefaultHostConfig()

	var script []byte
	scriptPath := ""
	if example != "" {
		scriptExt := strings.TrimPrefix(strings.ToLower(example), ".")
		if _, ok := engines.Defaults()[scriptExt]; !ok {
			return fmt.Errorf("no engine for .%s extension", scriptExt)
		}
		data, err := templates.ReadFile("templates/gain." + scriptExt)
		if err != nil {
			return fmt.Errorf("no example for .%s: %w", scriptExt, err)
		}
		script = data
		scriptPath = filepath.Join(c.config.ProjectRoot, "gain."+scriptExt)
		cfg.Script = scriptPath
	}

	configPath := c.config.configPath(ext)
	for _, path := range []string{configPath, scriptPath} {
		if path == "" || force {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists. Use --force to overwrite", path)
		}
	}

	if err := config.NewManager().Save(configPath, cfg); err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("Created configuration at %s", configPath))

	if scriptPath != "" {
		if err := os.WriteFile(scriptPath, script, 0o644); err != nil {
			return fmt.Errorf("failed to write example script: %w", err)
		}
		c.printSuccess(fmt.Sprintf("Created example script at %s", scriptPath))
		c.printInfo("Try: prototype run " + scriptPath)
	}
	return nil
}
