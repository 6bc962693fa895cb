package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/internal/session"
	"github.com/poltergeist/prototype/pkg/engines"
	"github.com/poltergeist/prototype/pkg/render"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newRenderCmd() *cobra.Command {
	var (
		output   string
		seconds  float64
		bitDepth int
		tail     int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "render <script> [input.wav]",
		Short: "Render a script offline into a six-channel WAV file",
		Long: `Render runs a script as fast as possible. Channel N of the input file drives
input jack N, and output jack N is written to channel N of the result. Without
an input file the script is fed silence for --seconds.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := ""
			if len(args) > 1 {
				input = args[1]
			}

			sched := scheduler.New(c.logger, nil)
			for i, k := range c.host.Knobs {
				sched.Panel().SetKnob(i, k)
			}
			sess := session.New(c.logger, session.Dependencies{
				Registry:  engines.NewDefaultRegistry(),
				Scheduler: sched,
			}, session.Options{Name: c.host.Session})
			defer sess.Close()

			if err := sess.Load(args[0], session.SourceUser); err != nil {
				return fmt.Errorf("failed to load %s: %w", args[0], err)
			}

			opts := render.Options{
				Frames:     int(seconds * c.host.SampleRate),
				SampleRate: int(c.host.SampleRate),
				BitDepth:   bitDepth,
				Tail:       tail,
			}
			start := time.Now()
			stats, err := render.New(sched, c.logger).RenderFile(cmd.Context(), input, output, opts)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(c.output)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			c.printSuccess(fmt.Sprintf("Rendered %d frames to %s in %s",
				stats.Frames, output, time.Since(start).Round(time.Millisecond)))
			if stats.Skipped > 0 {
				c.printWarning(fmt.Sprintf("%d buffers skipped", stats.Skipped))
			}
			c.printStats(stats)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "out.wav", "output WAV file")
	cmd.Flags().Float64Var(&seconds, "seconds", 1, "length when rendering without an input file")
	cmd.Flags().IntVar(&bitDepth, "bit-depth", 16, "output bit depth (16 or 24)")
	cmd.Flags().IntVar(&tail, "tail", 0, "silent frames after the input (0: one dispatch, -1: none)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print statistics as JSON")

	return cmd
}

func (c *CLI) printStats(stats *render.Stats) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OUTPUT\tPEAK dB\tRMS dB\tDC\tCLIPPED")
	for i := range types.NumRows {
		o := stats.Outputs[i]
		fmt.Fprintf(w, "%d\t%.1f\t%.1f\t%.4f\t%d\n", i+1, o.PeakDB, o.RMSDB, o.DC, o.Clipped)
	}
	w.Flush()
}
