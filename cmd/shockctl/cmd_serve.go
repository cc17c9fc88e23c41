package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shockctl/pkg/config"
	"shockctl/pkg/history"
	"shockctl/pkg/log"
	"shockctl/pkg/metrics"
	"shockctl/pkg/monitor"
	"shockctl/pkg/session"
)

var (
	serveListen        string
	serveProtocol      string
	servePort          string
	serveBaud          int
	serveHistory       string
	serveTranscriptDir string
	serveWatch         bool
	serveMetrics       bool
)

// serveCmd runs the monitor API until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and websocket monitor API",
	Long: `Starts the monitor: a JSON API to connect the device, load protocols, start
and stop runs and read run history, plus a websocket that streams run events.

With --watch the protocol file is reloaded whenever it changes on disk. A
reload that arrives during a run is not applied.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", monitor.DefaultAddr, "Listen address")
	serveCmd.Flags().StringVar(&serveProtocol, "protocol", "", "Protocol file loaded at startup")
	addDeviceFlags(serveCmd, &servePort, &serveBaud)
	serveCmd.Flags().StringVar(&serveHistory, "history", "shockctl.db", "SQLite run history database (empty disables)")
	serveCmd.Flags().StringVar(&serveTranscriptDir, "transcript-dir", "", "Directory for saved run transcripts")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Reload the protocol file when it changes")
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", true, "Expose Prometheus metrics on /metrics")
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(commandContext(cmd))
	defer cancel()

	if serveWatch && serveProtocol == "" {
		return errors.New("--watch needs --protocol")
	}

	var store *history.Store
	if serveHistory != "" {
		var err error
		if store, err = history.Open(serveHistory); err != nil {
			return err
		}
		defer store.Close()
	}

	var m *metrics.ShockMetrics
	if serveMetrics {
		m = metrics.NewShockMetrics()
	}

	sess := session.New(session.Options{
		History:       store,
		TranscriptDir: serveTranscriptDir,
		Metrics:       m,
		Logger:        log.GetLogger("session"),
	})
	defer sess.Close()

	if serveProtocol != "" {
		p, err := config.LoadProtocol(serveProtocol)
		if err == nil && serveBaud > 0 {
			p.Device.Baud = serveBaud
		}
		if err := applyProtocol(sess, p, err); err != nil {
			return err
		}
	}
	if servePort != "" {
		if _, err := sess.Connect(ctx, servePort); err != nil {
			return err
		}
	}

	srv := monitor.New(monitor.Config{
		Addr:    serveListen,
		Session: sess,
		History: store,
		Metrics: m,
		Logger:  log.GetLogger("monitor"),
	})
	if err := srv.Listen(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Monitor listening on http://%s\n", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if serveWatch {
		w, err := config.NewWatcher(serveProtocol, config.DefaultDebounce, func(p *config.Protocol, err error) {
			if serveBaud > 0 && p != nil {
				p.Device.Baud = serveBaud
			}
			err = applyProtocol(sess, p, err)
			m.RecordReload(err)
			if err != nil {
				logger.WithError(err).Warn("protocol reload not applied")
			}
		})
		if err != nil {
			cancel()
			return errors.Join(err, g.Wait())
		}
		if err := w.Start(gctx); err != nil {
			cancel()
			return errors.Join(err, g.Wait())
		}
		g.Go(func() error {
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}

	return g.Wait()
}

// applyProtocol installs a freshly loaded protocol, and its random schedule
// when it names one. loadErr is the error from loading p.
func applyProtocol(sess *session.Session, p *config.Protocol, loadErr error) error {
	if loadErr != nil {
		return config.HostError(loadErr)
	}
	if err := sess.SetProtocol(p); err != nil {
		return err
	}
	if p.RandomFile != "" {
		if _, err := sess.LoadRandom(p.RandomFile); err != nil {
			return err
		}
	}
	logger.WithFields(log.Fields{"path": p.Path, "phases": len(p.Phases)}).Info("protocol applied")
	return nil
}
