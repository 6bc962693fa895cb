package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/internal/session"
	"github.com/poltergeist/prototype/internal/state"
	"github.com/poltergeist/prototype/pkg/config"
	"github.com/poltergeist/prototype/pkg/engines"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/monitor"
	"github.com/poltergeist/prototype/pkg/notifier"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/spf13/cobra"
)

// ErrSessionLocked is returned when another live process owns the session.
var ErrSessionLocked = errors.New("session is in use by another process")

const clockTick = 10 * time.Millisecond

func (c *CLI) newRunCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run [script]",
		Short: "Run a script against a simulated realtime clock",
		Long: `Run loads a script and feeds it silence at the configured sample rate, the
way an audio callback would. The script is reloaded whenever its file changes.

Without a script argument the configured script is used, and failing that the
patch saved by the previous run of this session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script := c.host.Script
			if len(args) > 0 {
				script = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return c.runHost(ctx, script)
		},
	}

	flags := cmd.Flags()
	flags.Bool(config.KeyWatch, true, "reload the script when its file changes")
	flags.Int(config.KeyDebounceMs, 200, "hot reload debounce in milliseconds")
	flags.Bool(config.KeyNotifications, true, "desktop notifications on script failures")
	flags.Bool(config.KeyTrustPatches, false, "run restored scripts without asking")
	flags.String(config.KeyMonitor, "", "serve panel telemetry over websocket on this address")
	flags.DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	c.bindFlags(flags, config.KeyWatch, config.KeyDebounceMs, config.KeyNotifications, config.KeyTrustPatches, config.KeyMonitor)

	return cmd
}

func (c *CLI) runHost(ctx context.Context, scriptPath string) error {
	host := c.host
	log := c.logger

	states := state.NewManager(c.config.stateRoot(host), log)
	if locked, err := states.IsLocked(host.Session); err == nil && locked {
		return fmt.Errorf("%w: %s", ErrSessionLocked, host.Session)
	}

	sched := scheduler.New(log, nil)
	sched.SetSampleRate(host.SampleRate)
	for i, k := range host.Knobs {
		sched.Panel().SetKnob(i, k)
	}

	deps := session.Dependencies{
		Registry:  engines.NewDefaultRegistry(),
		Scheduler: sched,
		State:     states,
		Confirmer: newPromptConfirmer(c.input, c.output),
	}
	if host.Notifications.Enabled {
		deps.Notifier = notifier.New(notifier.Config{
			Enabled: true,
			Sound:   host.Notifications.Sound,
			Loads:   host.Notifications.Loads,
		}, log)
	}
	sess := session.New(log, deps, session.Options{
		Name:           host.Session,
		Watch:          host.Watch.Enabled,
		DebouncePeriod: time.Duration(host.Watch.DebounceMs) * time.Millisecond,
		TrustPatches:   host.TrustPatches,
	})

	if err := sched.Start(ctx); err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	states.StartHeartbeat(ctx, state.HeartbeatInterval)

	c.printInfo(fmt.Sprintf("Starting Prototype v%s at %g Hz", c.config.Version, host.SampleRate))

	// A failed load leaves the host running so a fixed file is picked up.
	if scriptPath != "" {
		if err := sess.Load(scriptPath, session.SourceUser); err != nil {
			c.printWarning(fmt.Sprintf("%s: %v", scriptPath, err))
		}
	} else if err := sess.Restore(); err != nil && !errors.Is(err, state.ErrNotFound) {
		c.printWarning(fmt.Sprintf("Could not restore session: %v", err))
	}
	c.printInfo(sess.Display())

	group, gctx := scheduler.NewSafeGroup(ctx, log)
	group.Go(func() error {
		return runClock(gctx, sched, host.SampleRate)
	})
	if host.Monitor.Address != "" {
		mon := monitor.New(sched, log, monitor.Options{
			Interval: time.Duration(host.Monitor.IntervalMs) * time.Millisecond,
			Display:  sess.Display,
		})
		group.Go(func() error {
			return mon.ListenAndServe(gctx, host.Monitor.Address)
		})
	}

	runErr := group.Wait()
	c.printInfo("Shutting down gracefully...")

	states.StopHeartbeat()
	closeErr := sess.Close()
	if err := sched.Stop(); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	sched.Unload()
	if closeErr != nil {
		c.printWarning(fmt.Sprintf("Cleanup error: %v", closeErr))
	}

	dispatched, skipped := sched.Stats()
	log.Info("Host stopped",
		logger.WithField("dispatched", dispatched),
		logger.WithField("skipped", skipped))
	if runErr != nil {
		return runErr
	}
	c.printSuccess("Prototype stopped gracefully")
	return nil
}

// runClock calls OnSample at rate samples per second of wall time until ctx
// is done. When it falls more than a quarter second behind it drops the
// backlog instead of catching up.
func runClock(ctx context.Context, sched *scheduler.Scheduler, rate float64) error {
	ticker := time.NewTicker(clockTick)
	defer ticker.Stop()

	maxBacklog := int64(rate / 4)
	start := time.Now()
	var produced int64
	var silence types.Frame

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			due := int64(now.Sub(start).Seconds() * rate)
			if due-produced > maxBacklog {
				produced = due - maxBacklog
			}
			for ; produced < due; produced++ {
				sched.OnSample(silence)
			}
		}
	}
}

// promptConfirmer asks on the terminal before running a restored script.
type promptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	p := &promptConfirmer{out: out}
	if in != nil {
		p.in = bufio.NewReader(in)
	}
	return p
}

func (p *promptConfirmer) Confirm(path, script string) bool {
	if p.in == nil {
		return false
	}
	fmt.Fprintf(p.out, "Run script restored from the last session (%s, %d bytes)? [y/N] ", path, len(script))
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(p.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
