package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"shockctl/pkg/config"
	"shockctl/pkg/events"
	"shockctl/pkg/history"
	"shockctl/pkg/log"
	"shockctl/pkg/metrics"
	"shockctl/pkg/runner"
	"shockctl/pkg/session"
)

var (
	runPort          string
	runBaud          int
	runRandom        string
	runExperiment    string
	runTranscriptDir string
	runHistory       string
	runMetricsAddr   string
	runNoBell        bool
)

// runCmd executes one protocol from start to finish
var runCmd = &cobra.Command{
	Use:   "run PROTOCOL",
	Short: "Run an experiment protocol on the device",
	Long: `Loads the protocol, connects to the device, plays every phase in order and
prints the run transcript. Ctrl+C stops the run and returns the device to
neutral.

Examples:
  shockctl run avoidance.cfg --port /dev/ttyACM0
  shockctl run avoidance.yaml --random schedule.txt --history runs.db`,
	Args: cobra.ExactArgs(1),
	RunE: runProtocol,
}

func init() {
	addDeviceFlags(runCmd, &runPort, &runBaud)
	runCmd.Flags().StringVarP(&runRandom, "random", "r", "", "Random schedule file (overrides random_file)")
	runCmd.Flags().StringVarP(&runExperiment, "experiment", "e", "", "Experiment name (overrides the protocol)")
	runCmd.Flags().StringVar(&runTranscriptDir, "transcript-dir", "", "Directory for the saved run transcript")
	runCmd.Flags().StringVar(&runHistory, "history", "", "SQLite database recording the run")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	runCmd.Flags().BoolVar(&runNoBell, "no-bell", false, "Do not ring the terminal bell on cues")
}

func runProtocol(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(commandContext(cmd))
	defer cancel()
	out := cmd.OutOrStdout()

	p, err := config.LoadProtocol(args[0])
	if err != nil {
		return config.HostError(err)
	}
	if runBaud > 0 {
		p.Device.Baud = runBaud
	}
	if runExperiment != "" {
		p.Experiment = runExperiment
	}

	var store *history.Store
	if runHistory != "" {
		if store, err = history.Open(runHistory); err != nil {
			return err
		}
		defer store.Close()
	}

	var m *metrics.ShockMetrics
	if runMetricsAddr != "" {
		m = metrics.NewShockMetrics()
		cfg := metrics.DefaultMetricsServerConfig()
		cfg.Address = runMetricsAddr
		ms := metrics.NewMetricsServer(m, cfg)
		if err := ms.Listen(); err != nil {
			return err
		}
		go func() {
			if err := ms.Serve(); err != nil {
				logger.WithError(err).Error("metrics server")
			}
		}()
		defer ms.Shutdown(context.Background())
		logger.Info("metrics on http://%s/metrics", ms.Addr())
	}

	sess := session.New(session.Options{
		History:       store,
		TranscriptDir: runTranscriptDir,
		TranscriptOut: out,
		Metrics:       m,
		Logger:        log.GetLogger("session"),
	})
	defer sess.Close()

	if err := sess.SetProtocol(p); err != nil {
		return err
	}
	random := runRandom
	if random == "" {
		random = p.RandomFile
	}
	if random != "" {
		stats, err := sess.LoadRandom(random)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Random schedule: %d raw -> %d merged steps (%d ms)\n", stats.Raw, stats.Merged, stats.TotalMS)
	}

	if _, err := sess.Connect(ctx, runPort); err != nil {
		return err
	}
	fmt.Fprintln(out, sess.Status().Status)

	res, err := execute(ctx, sess, cmd.ErrOrStderr(), !runNoBell)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run %s: %s\n", res.RunID, res.State.StatusText())
	if saved := sess.Status().LastRun; saved != nil && saved.Transcript != "" {
		fmt.Fprintf(out, "Transcript saved to %s\n", saved.Transcript)
	}
	if res.State == runner.StateAborted {
		return fmt.Errorf("run aborted: %w", res.Err)
	}
	return nil
}

// execute starts the loaded protocol and blocks until the run has been
// recorded. Cancelling ctx stops the run. Cue events ring the terminal bell
// on bell when ring is set.
func execute(ctx context.Context, sess *session.Session, bell io.Writer, ring bool) (runner.Result, error) {
	sub := sess.Bus().Subscribe(events.DefaultBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		events.Consume(context.Background(), sub, func(e events.Event) {
			if e.Kind == events.KindCue && ring {
				fmt.Fprint(bell, "\a")
			}
		})
	}()
	defer func() {
		sub.Close()
		wg.Wait()
	}()

	if _, err := sess.Start(ctx, ""); err != nil {
		return runner.Result{}, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if _, err := sess.Stop(context.Background()); err != nil {
				logger.WithError(err).Warn("stopping run")
			}
		case <-done:
		}
	}()

	return sess.Wait(context.Background())
}

// commandContext returns the command's context, or Background when the
// command was invoked without Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
