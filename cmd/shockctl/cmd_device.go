package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"shockctl/pkg/log"
	"shockctl/pkg/serial"
	"shockctl/pkg/session"
	"shockctl/pkg/timeline"
)

var (
	devicePort string
	deviceBaud int
)

// modeCmd sends a single MODE command outside a run
var modeCmd = &cobra.Command{
	Use:   "mode SIDE",
	Short: "Set the device to one side (N, U, D or A)",
	Long: `Connects to the device and sends one MODE command, printing the device's
acknowledgment. SIDE is none, upside, downside or all (or N, U, D, A).`,
	Args: cobra.ExactArgs(1),
	RunE: setMode,
}

// pingCmd probes the device
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to the device and report its PING reply",
	Args:  cobra.NoArgs,
	RunE:  ping,
}

// portsCmd lists candidate serial devices
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial devices, USB adapters first",
	Args:  cobra.NoArgs,
	RunE:  listPorts,
}

func init() {
	for _, c := range []*cobra.Command{modeCmd, pingCmd} {
		addDeviceFlags(c, &devicePort, &deviceBaud)
		_ = c.MarkFlagRequired("port")
	}
}

func setMode(cmd *cobra.Command, args []string) error {
	side, err := timeline.ParseSide(args[0])
	if err != nil {
		return err
	}
	if !side.IsDevice() {
		return fmt.Errorf("side %s cannot be sent to the device", side.Name())
	}
	return withDevice(cmd, func(out io.Writer, sess *session.Session) error {
		ack, err := sess.Manual(side)
		if err != nil {
			return err
		}
		if ack == "" {
			ack = "no echo"
		}
		fmt.Fprintf(out, "MODE=%s [%s]\n", side, ack)
		return nil
	})
}

func ping(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(out io.Writer, sess *session.Session) error {
		return nil
	})
}

// withDevice connects a throwaway session, prints its status line and
// runs fn against it.
func withDevice(cmd *cobra.Command, fn func(io.Writer, *session.Session) error) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()
	out := cmd.OutOrStdout()

	sess := session.New(session.Options{Logger: log.GetLogger("session")})
	defer sess.Close()
	if err := sess.SetProtocol(deviceProtocol(devicePort, deviceBaud)); err != nil {
		return err
	}
	if _, err := sess.Connect(ctx, ""); err != nil {
		return err
	}
	fmt.Fprintln(out, sess.Status().Status)
	return fn(out, sess)
}

func listPorts(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial devices found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}
