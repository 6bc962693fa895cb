package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/poltergeist/prototype/internal/state"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted sessions and their scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus()
		},
	}
}

func (c *CLI) runStatus() error {
	sm := state.NewManager(c.config.stateRoot(c.host), c.logger)

	states, err := sm.Discover()
	if err != nil {
		return fmt.Errorf("failed to discover sessions: %w", err)
	}
	if len(states) == 0 {
		c.printInfo("No sessions yet. Start one with: prototype run <script>")
		return nil
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tSCRIPT\tENGINE\tLAST LOAD\tLOADS\tFAILURES")
	fmt.Fprintln(w, "-------\t------\t------\t------\t---------\t-----\t--------")

	for _, name := range names {
		st := states[name]

		script := "-"
		if st.Patch.Path != "" {
			script = filepath.Base(st.Patch.Path)
		}
		engineName := st.Engine
		if engineName == "" {
			engineName = "-"
		}
		lastLoad := "-"
		if !st.LastLoadTime.IsZero() {
			lastLoad = st.LastLoadTime.Format("15:04:05")
		}

		status := string(st.Status)
		if locked, _ := sm.IsLocked(name); locked {
			status += " (live)"
		}
		statusColor := color.WhiteString(status)
		switch st.Status {
		case types.StateRunning:
			statusColor = color.GreenString(status)
		case types.StateErrored:
			statusColor = color.RedString(status)
		case types.StateLoading:
			statusColor = color.YellowString(status)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			name, statusColor, script, engineName, lastLoad, st.LoadCount, st.FailureCount)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, name := range names {
		if msg := states[name].LastError; msg != "" {
			c.printWarning(fmt.Sprintf("%s: %s", name, msg))
		}
	}
	return nil
}
