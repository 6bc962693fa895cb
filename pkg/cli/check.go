package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/poltergeist/prototype/internal/session"
	"github.com/poltergeist/prototype/pkg/engine"
	"github.com/poltergeist/prototype/pkg/engines"
	"github.com/poltergeist/prototype/pkg/registry"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/spf13/cobra"
)

// ErrCheckFailed is returned when any checked script fails.
var ErrCheckFailed = errors.New("script check failed")

// checkResult is the outcome of compiling one script
type checkResult struct {
	Path     string
	Engine   string
	Settings types.Settings
	Display  string
	Err      error
}

func (c *CLI) newCheckCmd() *cobra.Command {
	var calls int

	cmd := &cobra.Command{
		Use:   "check <script>...",
		Short: "Compile scripts and report their declared settings",
		Long: `Check runs each script once outside of any audio clock, then calls its
process entry point --calls times with silent inputs. Nothing is played.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := engines.NewDefaultRegistry()

			failed := 0
			for _, path := range args {
				res := c.checkScript(reg, path, calls)
				if res.Err != nil {
					failed++
					fmt.Fprintf(c.output, "%s %s: %v\n", color.RedString("✗"), path, res.Err)
					continue
				}
				fmt.Fprintf(c.output, "%s %s (%s) frameDivider=%d bufferSize=%d\n",
					color.GreenString("✓"), path, res.Engine,
					res.Settings.FrameDivider, res.Settings.BufferSize)
				if res.Display != "" {
					fmt.Fprintf(c.output, "  display: %s\n", res.Display)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", ErrCheckFailed, failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&calls, "calls", 1, "process calls to make after compiling")
	return cmd
}

func (c *CLI) checkScript(reg *registry.Registry, path string, calls int) (res checkResult) {
	res.Path = path

	a, err := reg.ForPath(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer a.Close()
	res.Engine = a.Name()

	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("failed to read script: %w", err)
		return res
	}
	if len(data) == 0 {
		res.Err = session.ErrEmptyScript
		return res
	}

	host := engine.NewStandaloneHost(types.MaxBufferSize, c.logger.WithEngine(a.Name()))
	host.Block().SampleRate = c.host.SampleRate

	res.Settings, res.Err = host.Run(a, path, string(data))
	if res.Err == nil {
		for i := 0; i < calls && res.Err == nil; i++ {
			res.Err = process(a)
		}
	}
	res.Display = host.Board.Message()
	return res
}

func process(a engine.Adapter) (err error) {
	defer engine.Recover(a.Name(), &err)
	return a.Process()
}

func (c *CLI) newEnginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "engines",
		Short:       "List the script engines and their file extensions",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := engines.NewDefaultRegistry()
			w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EXTENSION\tENGINE")
			for _, ext := range reg.Extensions() {
				a, ok := reg.Create(ext)
				if !ok {
					continue
				}
				fmt.Fprintf(w, ".%s\t%s\n", ext, a.Name())
				a.Close()
			}
			return w.Flush()
		},
	}
}
