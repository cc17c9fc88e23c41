package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shockctl/pkg/config"
	hosterrors "shockctl/pkg/errors"
	"shockctl/pkg/history"
	"shockctl/pkg/log"
	"shockctl/pkg/session"
)

// tcpDevice is a line device on a loopback port that acknowledges every
// command with "ACK <line>".
type tcpDevice struct {
	addr string

	mu    sync.Mutex
	lines []string
}

func startDevice(t *testing.T) *tcpDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &tcpDevice{addr: "tcp://" + ln.Addr().String()}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					line := strings.TrimSpace(sc.Text())
					d.mu.Lock()
					d.lines = append(d.lines, line)
					d.mu.Unlock()
					if _, err := conn.Write([]byte("ACK " + line + "\n")); err != nil {
						return
					}
				}
			}()
		}
	}()
	return d
}

func (d *tcpDevice) modes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, l := range d.lines {
		if strings.HasPrefix(l, "MODE=") {
			out = append(out, strings.TrimPrefix(l, "MODE="))
		}
	}
	return out
}

// requireModes waits for the device to have read exactly want. Commands
// arrive on the listener goroutine after the host side has returned.
func (d *tcpDevice) requireModes(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Equal(d.modes(), want)
	}, time.Second, 5*time.Millisecond, "device never read modes %v", want)
}

// resetFlags restores every package-level flag variable after the test.
func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		closeLogFile()
		logLevel, logFormat, logCaller = "", "", false
		logFilePath, logFileSizeMB, logFileBackups = "", 10, 5
		runPort, runBaud, runRandom, runExperiment = "", 0, "", ""
		runTranscriptDir, runHistory, runMetricsAddr, runNoBell = "", "", "", false
		devicePort, deviceBaud = "", 0
		scheduleBudget = ""
		historyDB, historyExperiment, historyState, historyLimit = "", "", "", 20
	})
}

func testCommand() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	return cmd, &out, &errOut
}

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

const benchProtocol = `[experiment]
name: bench
[device]
settle_time: 0
ack_timeout: 50ms
[phase up]
duration: 0.04
side: U
[phase down]
duration: 0.04
side: D
`

func TestConfigureLogging(t *testing.T) {
	resetFlags(t)

	logFormat = "yaml"
	assert.Error(t, configureLogging())

	logFormat = "JSON"
	assert.NoError(t, configureLogging())
	logFormat = "text"
	assert.NoError(t, configureLogging())
}

func TestLogFile(t *testing.T) {
	resetFlags(t)
	logFilePath = filepath.Join(t.TempDir(), "logs", "shockctl.log")
	require.NoError(t, configureLogging())
	require.NotNil(t, logFile)

	log.GetLogger("cli-test").WithField("device", "fake0").Warn("written to file")
	closeLogFile()
	assert.Nil(t, logFile)

	data, err := os.ReadFile(logFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), "fake0")

	logFilePath = filepath.Join(t.TempDir(), "missing-parent", "\x00bad")
	assert.Error(t, configureLogging())
}

func TestRootCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "serve", "mode", "ping", "ports", "schedule", "history"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestDeviceProtocol(t *testing.T) {
	p := deviceProtocol("/dev/ttyACM0", 0)
	assert.Equal(t, "/dev/ttyACM0", p.Device.Serial)
	assert.Equal(t, config.DefaultBaud, p.Device.Baud)
	assert.Empty(t, p.Phases)

	assert.Equal(t, 9600, deviceProtocol("x", 9600).Device.Baud)
}

func TestShowSchedule(t *testing.T) {
	resetFlags(t)
	path := writeFile(t, t.TempDir(), "r.txt", "state,duration\nU 1\nU 0.5\nD, 2\nbogus\nN 0\n")

	cmd, out, _ := testCommand()
	scheduleBudget = "6"
	require.NoError(t, showSchedule(cmd, []string{path}))

	text := out.String()
	assert.Contains(t, text, "3 steps, 2 skipped")
	assert.Contains(t, text, "Merged: 3 -> 2 steps, 3500 ms total")
	assert.Contains(t, text, "U for 1500 ms")
	assert.Contains(t, text, "Playback for 00:06: 4 steps")
	// the schedule wraps and its fourth step is clipped to the remaining 1000 ms
	assert.Contains(t, text, "+5000     D for 1000 ms")
}

func TestShowScheduleEmpty(t *testing.T) {
	resetFlags(t)
	path := writeFile(t, t.TempDir(), "r.txt", "# nothing here\n")
	cmd, _, _ := testCommand()
	assert.Error(t, showSchedule(cmd, []string{path}))
}

func TestRunProtocolRecordsHistory(t *testing.T) {
	resetFlags(t)
	dev := startDevice(t)
	dir := t.TempDir()
	proto := writeFile(t, dir, "bench.cfg", benchProtocol)

	runPort = dev.addr
	runHistory = filepath.Join(dir, "runs.db")
	runTranscriptDir = dir
	runExperiment = "mouse-07"

	cmd, out, errOut := testCommand()
	require.NoError(t, runProtocol(cmd, []string{proto}))

	text := out.String()
	assert.Contains(t, text, "Connected "+dev.addr)
	assert.Contains(t, text, "[Experiment: mouse-07] RUN START")
	assert.Contains(t, text, "===== RUN FINISHED =====")
	assert.Contains(t, text, ": Done")
	assert.Contains(t, text, "Transcript saved to "+filepath.Join(dir, "mouse-07_log_"))
	assert.Contains(t, errOut.String(), "\a")
	dev.requireModes(t, "U", "D", "N")

	// history subcommands read what the run recorded
	historyDB = runHistory
	cmd, out, _ = testCommand()
	require.NoError(t, listRuns(cmd, nil))
	assert.Contains(t, out.String(), "mouse-07")
	assert.Contains(t, out.String(), "finished")

	store, err := history.Open(historyDB)
	require.NoError(t, err)
	runs, err := store.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	id := runs[0].RunID

	cmd, out, _ = testCommand()
	require.NoError(t, showRun(cmd, []string{id}))
	assert.Contains(t, out.String(), "Phases:      2/2")
	assert.Contains(t, out.String(), "RUN FINISHED")

	cmd, out, _ = testCommand()
	require.NoError(t, runStats(cmd, nil))
	assert.Contains(t, out.String(), "finished")
	assert.Contains(t, out.String(), "total      1")

	cmd, _, _ = testCommand()
	require.NoError(t, deleteRun(cmd, []string{id}))
	cmd, out, _ = testCommand()
	require.NoError(t, listRuns(cmd, nil))
	assert.Contains(t, out.String(), "No runs recorded")
	assert.ErrorIs(t, deleteRun(cmd, []string{id}), history.ErrNotFound)
}

func TestRunProtocolRejectsBadFile(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	proto := writeFile(t, dir, "bad.cfg", "[phase a]\nduration: 0\nside: U\n")

	cmd, _, _ := testCommand()
	err := runProtocol(cmd, []string{proto})
	require.Error(t, err)
	assert.True(t, hosterrors.IsConfig(err), "got %v", err)
}

func TestRunProtocolNeedsRandom(t *testing.T) {
	resetFlags(t)
	dev := startDevice(t)
	dir := t.TempDir()
	proto := writeFile(t, dir, "r.cfg", "[device]\nsettle_time: 0\nack_timeout: 50ms\n[phase r]\nduration: 0.03\nside: R\n")
	runPort = dev.addr

	cmd, _, _ := testCommand()
	err := runProtocol(cmd, []string{proto})
	require.Error(t, err)
	assert.True(t, hosterrors.IsValidation(err), "got %v", err)
	assert.Empty(t, dev.modes())

	runRandom = writeFile(t, dir, "r.txt", "U 0.01\nD 0.01\n")
	cmd, out, _ := testCommand()
	require.NoError(t, runProtocol(cmd, []string{proto}))
	assert.Contains(t, out.String(), "Random schedule: 2 raw -> 2 merged steps (20 ms)")
	dev.requireModes(t, "U", "D", "U", "N")
}

func TestSetModeAndPing(t *testing.T) {
	resetFlags(t)
	dev := startDevice(t)
	devicePort = dev.addr

	cmd, out, _ := testCommand()
	require.NoError(t, ping(cmd, nil))
	assert.Contains(t, out.String(), "(ACK PING)")

	cmd, out, _ = testCommand()
	require.NoError(t, setMode(cmd, []string{"downside"}))
	assert.Contains(t, out.String(), "MODE=D [ACK MODE=D]")
	dev.requireModes(t, "D")

	cmd, _, _ = testCommand()
	assert.Error(t, setMode(cmd, []string{"random"}))
	assert.Error(t, setMode(cmd, []string{"sideways"}))
}

func TestApplyProtocol(t *testing.T) {
	dir := t.TempDir()
	sess := session.New(session.Options{})
	defer sess.Close()

	p, err := config.LoadProtocol(writeFile(t, dir, "a.cfg", benchProtocol))
	require.NoError(t, applyProtocol(sess, p, err))
	assert.Equal(t, "bench", sess.Status().Experiment)
	assert.Equal(t, 2, sess.Status().Phases)

	_, err = config.LoadProtocol(filepath.Join(dir, "missing.cfg"))
	err = applyProtocol(sess, nil, err)
	assert.True(t, hosterrors.IsConfig(err), "got %v", err)
	assert.Equal(t, "bench", sess.Status().Experiment)
}

func TestServeWatchNeedsProtocol(t *testing.T) {
	t.Cleanup(func() { serveWatch, serveProtocol = false, "" })
	serveWatch = true
	cmd, _, _ := testCommand()
	assert.ErrorContains(t, serve(cmd, nil), "--watch needs --protocol")
}
