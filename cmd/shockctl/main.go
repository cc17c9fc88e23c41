// Command shockctl drives a shock-avoidance shuttle box: it runs experiment
// protocols against the device, serves the monitor API, and inspects run
// history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"shockctl/pkg/config"
	"shockctl/pkg/log"
	"shockctl/pkg/serial"
)

var (
	// Global flags
	logLevel  string
	logFormat string
	logCaller bool

	logFilePath    string
	logFileSizeMB  int
	logFileBackups int
	logFile        *log.RotatingFile

	logger = log.GetLogger("cli")
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "shockctl",
	Short: "Shock-avoidance assay controller",
	Long: `shockctl runs timed experiment protocols on a shuttle-box shock device.

A protocol is an ordered list of phases, each holding one side of the box
electrified (or none, or all) for a fixed time. A phase marked random plays a
schedule of side/duration steps instead. The device is driven over a serial
line with one MODE command per state change.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogFile()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&logCaller, "log-caller", false, "Include caller in log lines")
	rootCmd.PersistentFlags().StringVar(&logFilePath, "log-file", "", "Also write logs to this file, rotated by size")
	rootCmd.PersistentFlags().IntVar(&logFileSizeMB, "log-max-size", 10, "Rotate the log file after this many megabytes")
	rootCmd.PersistentFlags().IntVar(&logFileBackups, "log-backups", 5, "Rotated log files to keep")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		closeLogFile()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configureLogging applies the global flags on top of the environment
// configuration already loaded by pkg/log.
func configureLogging() error {
	l := log.Default()
	if logLevel != "" {
		l.SetLevel(log.ParseLevel(logLevel))
	}
	switch strings.ToLower(logFormat) {
	case "":
	case "text":
		l.SetFormat(log.FormatText)
	case "json":
		l.SetFormat(log.FormatJSON)
	default:
		return fmt.Errorf("unknown log format %q", logFormat)
	}
	if logCaller {
		l.SetCaller(true)
	}
	if logFilePath != "" && logFile == nil {
		f, err := log.OpenRotatingFile(log.RotationConfig{
			Path:       logFilePath,
			MaxSizeMB:  logFileSizeMB,
			MaxBackups: logFileBackups,
			Compress:   true,
		})
		if err != nil {
			return err
		}
		logFile = f
		l.SetFile(f)
	}
	return nil
}

// closeLogFile flushes the default logger and detaches the log file.
func closeLogFile() {
	l := log.Default()
	_ = l.Sync()
	if logFile == nil {
		return
	}
	l.SetFile(nil)
	_ = logFile.Close()
	logFile = nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// deviceProtocol returns a protocol carrying only device settings, for
// commands that talk to the device without running anything.
func deviceProtocol(port string, baud int) *config.Protocol {
	p := config.DefaultProtocol()
	p.Device.Serial = port
	if baud > 0 {
		p.Device.Baud = baud
	}
	return p
}

func addDeviceFlags(cmd *cobra.Command, port *string, baud *int) {
	cmd.Flags().StringVarP(port, "port", "p", "", "Device path, tcp://host:port or unix:///path")
	cmd.Flags().IntVar(baud, "baud", 0, fmt.Sprintf("Baud rate (default from protocol, else %d)", serial.DefaultBaudRate))
}
