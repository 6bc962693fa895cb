// Package cli provides the command-line interface for the prototype host
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/poltergeist/prototype/pkg/config"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// skipConfig marks commands that run without loading the host config.
const skipConfig = "skip-config"

// CLI holds the command tree and everything it writes to, so tests can run
// commands without globals.
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	host     *config.HostConfig
	hostFile string
	logger   logger.Logger
	input    io.Reader
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	cli := &CLI{
		config:   cfg,
		viper:    config.NewViper(),
		logger:   logger.Discard(),
		input:    os.Stdin,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom streams (for testing)
func NewCLIWithOutput(cfg *Config, input io.Reader, output, errorOut io.Writer) *CLI {
	cli := NewCLI(cfg)
	cli.input = input
	cli.output = output
	cli.errorOut = errorOut
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "prototype",
		Short: "Script the six rows of a realtime audio panel",
		Long: `🎛 Prototype - a realtime audio host driven by scripts

Each row has an input, an output, a knob, a switch and two lights. A script in
JavaScript, Lua or HCL processes them buffer by buffer, and is reloaded the
moment its file changes.`,

		PersistentPreRunE: c.initializeConfig,
		SilenceUsage:      true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("🎛 Prototype v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newRenderCmd())
	c.rootCmd.AddCommand(c.newCheckCmd())
	c.rootCmd.AddCommand(c.newEnginesCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: prototype.config.json or .yaml)")
	flags.StringVar(&c.config.ProjectRoot, "root", ".", "project root directory")
	flags.StringP(config.KeyLogLevel, "v", "info", "log level (debug, info, warn, error)")
	flags.String(config.KeyLogFile, "", "also write logs to this file")
	flags.Float64(config.KeySampleRate, 0, "sample rate in Hz")
	flags.String(config.KeySession, "", "session name for persisted state")

	c.bindFlags(flags, config.KeyLogLevel, config.KeyLogFile, config.KeySampleRate, config.KeySession)
}

// bindFlags routes flags through viper so they override the config file
// only when set.
func (c *CLI) bindFlags(flags *pflag.FlagSet, keys ...string) {
	for _, key := range keys {
		if err := c.viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", key, err))
		}
	}
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipConfig] != "" {
		c.logger = c.newLogger("", "info")
		return nil
	}

	manager := config.NewManager()
	host, path, err := manager.Load(c.config.ProjectRoot, c.config.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := manager.ApplyOverrides(host, c.viper); err != nil {
		return err
	}

	c.host = host
	c.hostFile = path
	c.logger = c.newLogger(host.Log.File, host.Log.Level)
	if path != "" {
		c.logger.Debug("Using config file", logger.WithField("file", path))
	}
	return nil
}

func (c *CLI) newLogger(file, level string) logger.Logger {
	if c.errorOut == os.Stderr {
		return logger.CreateLogger(file, level)
	}
	return logger.CreateLoggerWithOutput(file, level, c.errorOut)
}

// Helper methods for user-facing output

func (c *CLI) printSuccess(message string) {
	fmt.Fprintf(c.output, "🎛 %s %s\n", color.GreenString("[Prototype]"), message)
}

func (c *CLI) printError(message string) {
	fmt.Fprintf(c.errorOut, "🎛 %s %s\n", color.RedString("[Prototype]"), message)
}

func (c *CLI) printInfo(message string) {
	fmt.Fprintf(c.output, "🎛 %s %s\n", color.CyanString("[Prototype]"), message)
}

func (c *CLI) printWarning(message string) {
	fmt.Fprintf(c.output, "🎛 %s %s\n", color.YellowString("[Prototype]"), message)
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version number",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "🎛 Prototype v%s\n", c.config.Version)
		},
	}
}

// Execute runs the CLI against os.Args
func Execute(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).Execute(os.Args[1:])
}
