package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shockctl/pkg/config"
	hosterrors "shockctl/pkg/errors"
	"shockctl/pkg/events"
	"shockctl/pkg/history"
	"shockctl/pkg/runner"
	"shockctl/pkg/serial"
	"shockctl/pkg/timeline"
)

// fakeDevice answers PING with a fixed reply and MODE=X with "ACK X".
type fakeDevice struct {
	mu        sync.Mutex
	writes    []string
	replies   chan []byte
	timeout   time.Duration
	closed    bool
	pingReply string
}

func newFakeDevice(pingReply string) *fakeDevice {
	return &fakeDevice{replies: make(chan []byte, 64), timeout: 10 * time.Millisecond, pingReply: pingReply}
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, serial.ErrClosed
	}
	line := strings.TrimSpace(string(p))
	f.writes = append(f.writes, line)
	reply := ""
	switch {
	case line == "PING":
		reply = f.pingReply
	case strings.HasPrefix(line, "MODE="):
		reply = "ACK " + strings.TrimPrefix(line, "MODE=")
	}
	if reply != "" {
		select {
		case f.replies <- []byte(reply + "\n"):
		default:
		}
	}
	return len(p), nil
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	f.mu.Lock()
	timeout := f.timeout
	f.mu.Unlock()
	select {
	case b := <-f.replies:
		return copy(p, b), nil
	case <-time.After(timeout):
		return 0, serial.ErrTimeout
	}
}

func (f *fakeDevice) SetReadTimeout(d time.Duration) {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
}

func (f *fakeDevice) FlushInput() error {
	for {
		select {
		case <-f.replies:
		default:
			return nil
		}
	}
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeDevice) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeDevice) modes() []string {
	var out []string
	for _, w := range f.Writes() {
		if strings.HasPrefix(w, "MODE=") {
			out = append(out, strings.TrimPrefix(w, "MODE="))
		}
	}
	return out
}

func dialer(dev *fakeDevice) DialFunc {
	return func(cfg serial.Config) (Port, error) { return dev, nil }
}

const shortProtocol = `
[experiment]
name: bench

[device]
settle_time: 0
ack_timeout: 50ms

[phase a]
duration: 0.03
side: U

[phase b]
duration: 0.03
side: D
`

func mustProtocol(t *testing.T, data string) *config.Protocol {
	t.Helper()
	p, err := config.ParseProtocol(data)
	require.NoError(t, err)
	return p
}

func connected(t *testing.T, opts Options, proto string) (*Session, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice("OK")
	opts.Dial = dialer(dev)
	s := New(opts)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SetProtocol(mustProtocol(t, proto)))
	_, err := s.Connect(context.Background(), "fake0")
	require.NoError(t, err)
	return s, dev
}

func TestConnectProbe(t *testing.T) {
	dev := newFakeDevice("SHOCKER v2")
	s := New(Options{Dial: dialer(dev)})
	defer s.Close()
	require.NoError(t, s.SetProtocol(mustProtocol(t, "[device]\nsettle_time: 0\n")))

	ack, err := s.Connect(context.Background(), "/dev/ttyACM0")
	require.NoError(t, err)
	assert.Equal(t, "SHOCKER v2", ack)
	st := s.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "Connected /dev/ttyACM0 @ 115200 (SHOCKER v2)", st.Status)
	assert.Equal(t, []string{"PING"}, dev.Writes())
}

func TestConnectNoEcho(t *testing.T) {
	dev := newFakeDevice("")
	s := New(Options{Dial: dialer(dev)})
	defer s.Close()
	require.NoError(t, s.SetProtocol(mustProtocol(t, "[device]\nsettle_time: 0\nack_timeout: 20ms\nbaud: 9600\n")))

	ack, err := s.Connect(context.Background(), "tcp://bench:9000")
	require.NoError(t, err)
	assert.Empty(t, ack)
	assert.Equal(t, "Connected tcp://bench:9000 @ 9600 (no echo)", s.Status().Status)
}

func TestConnectFailures(t *testing.T) {
	s := New(Options{Dial: func(serial.Config) (Port, error) { return nil, errors.New("no such device") }})
	defer s.Close()

	_, err := s.Connect(context.Background(), "")
	assert.True(t, hosterrors.Is(err, hosterrors.ErrConfigOption), "no device configured")

	_, err = s.Connect(context.Background(), "/dev/missing")
	assert.Error(t, err)
	assert.False(t, s.Status().Connected)
	assert.Equal(t, "Disconnected", s.Status().Status)

	// probe write failure closes the port
	dev := newFakeDevice("OK")
	dev.Close()
	s2 := New(Options{Dial: dialer(dev)})
	defer s2.Close()
	require.NoError(t, s2.SetProtocol(mustProtocol(t, "[device]\nsettle_time: 0\n")))
	_, err = s2.Connect(context.Background(), "fake")
	assert.Error(t, err)
	assert.False(t, s2.Status().Connected)
}

func TestStartRejections(t *testing.T) {
	s := New(Options{Dial: dialer(newFakeDevice("OK"))})
	defer s.Close()

	_, err := s.Start(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.Connect(context.Background(), "fake")
	require.NoError(t, err)
	_, err = s.Start(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoProtocol)

	require.NoError(t, s.SetProtocol(mustProtocol(t, "")))
	_, err = s.Start(context.Background(), "")
	assert.ErrorIs(t, err, timeline.ErrNoPhases)

	require.NoError(t, s.SetProtocol(mustProtocol(t, "[phase r]\nduration: 1\nside: random\n")))
	_, err = s.Start(context.Background(), "")
	assert.ErrorIs(t, err, timeline.ErrMissingRandom)
	assert.True(t, hosterrors.IsValidation(err))
	assert.Equal(t, runner.StateIdle.String(), s.Status().State)
}

func TestRunRecordsHistoryAndTranscript(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer store.Close()
	dir := t.TempDir()

	s, dev := connected(t, Options{History: store, TranscriptDir: dir}, shortProtocol)
	sub := s.Bus().Subscribe(events.DefaultBuffer)
	defer sub.Close()

	id, err := s.Start(context.Background(), "")
	require.NoError(t, err)
	res, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, id, res.RunID)
	assert.Equal(t, runner.StateFinished, res.State)
	assert.Equal(t, "bench", res.Experiment)
	assert.Equal(t, []string{"U", "D", "N"}, dev.modes())

	st := s.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, "Done", st.Status)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "finished", st.LastRun.State)
	require.NotEmpty(t, st.LastRun.Transcript)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "finished", rec.State)
	assert.Equal(t, 2, rec.PhasesCompleted)

	lines, err := store.Log(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "Experiment: bench")
	assert.Contains(t, lines[len(lines)-1], "===== RUN FINISHED =====")

	body, err := os.ReadFile(st.LastRun.Transcript)
	require.NoError(t, err)
	assert.Contains(t, string(body), "PHASE 2/2 | b | Side=D | 30 ms")
	assert.True(t, strings.HasPrefix(filepath.Base(st.LastRun.Transcript), "bench_log_"))

	var kinds []events.Kind
	for len(sub.C) > 0 {
		kinds = append(kinds, (<-sub.C).Kind)
	}
	assert.Contains(t, kinds, events.KindRunStart)
	assert.Contains(t, kinds, events.KindRunFinished)
	assert.Contains(t, kinds, events.KindState)
}

func TestStopCommandsNeutral(t *testing.T) {
	s, dev := connected(t, Options{}, "[device]\nsettle_time: 0\n[phase long]\nduration: 30\nside: A\n")

	_, err := s.Start(context.Background(), "override")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m := dev.modes()
		return len(m) > 0 && m[0] == "A"
	}, time.Second, 5*time.Millisecond)

	// manual commands and protocol changes are refused mid-run
	_, err = s.Manual(timeline.SideUp)
	assert.ErrorIs(t, err, runner.ErrBusy)
	assert.ErrorIs(t, s.SetProtocol(mustProtocol(t, "")), runner.ErrBusy)
	_, err = s.Start(context.Background(), "")
	assert.ErrorIs(t, err, runner.ErrBusy)
	assert.Equal(t, "running", s.Status().State)

	stopped, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)

	res, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runner.StateStopped, res.State)
	assert.Equal(t, "override", res.Experiment)
	modes := dev.modes()
	assert.Equal(t, "N", modes[len(modes)-1])
	assert.Equal(t, "Stopped", s.Status().Status)

	stopped, err = s.Stop(context.Background())
	assert.NoError(t, err)
	assert.False(t, stopped)
}

func TestRunSurvivesCallerContext(t *testing.T) {
	s, _ := connected(t, Options{}, shortProtocol)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Start(ctx, "")
	require.NoError(t, err)
	cancel()

	res, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runner.StateFinished, res.State)
}

// slowWriter sleeps before every write, like a stalled terminal.
type slowWriter struct {
	mu    sync.Mutex
	delay time.Duration
	lines []string
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (w *slowWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

func TestSlowObserversDoNotStretchRun(t *testing.T) {
	out := &slowWriter{delay: 50 * time.Millisecond}
	s, dev := connected(t, Options{TranscriptOut: out}, shortProtocol)

	stop := make(chan struct{})
	var polls sync.WaitGroup
	polls.Add(1)
	go func() {
		defer polls.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Status()
			}
		}
	}()

	_, err := s.Start(context.Background(), "")
	require.NoError(t, err)
	res, err := s.Wait(context.Background())
	close(stop)
	polls.Wait()
	require.NoError(t, err)

	assert.Equal(t, runner.StateFinished, res.State)
	assert.Less(t, res.EndedAt.Sub(res.StartedAt), 250*time.Millisecond)
	assert.Equal(t, []string{"U", "D", "N"}, dev.modes())

	// the mirror has caught up by the time Wait returns
	lines := out.Lines()
	require.NotEmpty(t, lines)
	assert.Equal(t, s.Transcript().Lines(), lines)
	assert.Contains(t, lines[len(lines)-1], "RUN FINISHED")
}

func TestManual(t *testing.T) {
	s := New(Options{})
	_, err := s.Manual(timeline.SideUp)
	assert.ErrorIs(t, err, ErrNotConnected)

	s, dev := connected(t, Options{}, shortProtocol)
	sub := s.Bus().Subscribe(8)
	defer sub.Close()

	ack, err := s.Manual(timeline.SideDown)
	require.NoError(t, err)
	assert.Equal(t, "ACK D", ack)
	assert.Equal(t, []string{"D"}, dev.modes())

	e := <-sub.C
	assert.Equal(t, events.KindLog, e.Kind)
	assert.Equal(t, "MANUAL MODE=D [ACK D]", e.Text)
	assert.Equal(t, events.KindCue, (<-sub.C).Kind)

	_, err = s.Manual(timeline.SideRandom)
	assert.ErrorIs(t, err, timeline.ErrBadSide)
}

func TestLoadRandom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rand.txt")
	require.NoError(t, os.WriteFile(path, []byte("state,duration\nU 1\nU 2\nD 0.5\nbogus\nA -1\n"), 0o644))

	s := New(Options{})
	defer s.Close()
	rs, err := s.LoadRandom(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Raw)
	assert.Equal(t, 2, rs.Merged)
	assert.Equal(t, int64(3500), rs.TotalMS)
	assert.Equal(t, 2, rs.Skipped)
	require.NotNil(t, s.Status().Random)
	assert.Equal(t, 2, s.Status().Random.Merged)
	assert.Equal(t, path, s.Status().Random.Path)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o644))
	_, err = s.LoadRandom(empty)
	assert.True(t, hosterrors.Is(err, hosterrors.ErrValidationSchedule))

	_, err = s.LoadRandom(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, hosterrors.Is(err, hosterrors.ErrValidationSchedule))
}

func TestLoadProtocolWithRandomFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.txt"), []byte("U 0.01\nD 0.01\n"), 0o644))
	path := filepath.Join(dir, "p.cfg")
	require.NoError(t, os.WriteFile(path, []byte("[experiment]\nrandom_file: r.txt\n[device]\nsettle_time: 0\n[phase mix]\nduration: 0.03\nside: R\n"), 0o644))

	dev := newFakeDevice("OK")
	s := New(Options{Dial: dialer(dev)})
	defer s.Close()
	p, err := s.LoadProtocol(path)
	require.NoError(t, err)
	assert.True(t, p.NeedsRandom())

	_, err = s.Connect(context.Background(), "fake")
	require.NoError(t, err)
	_, err = s.Start(context.Background(), "")
	require.NoError(t, err)
	res, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runner.StateFinished, res.State)
	assert.Equal(t, []string{"U", "D", "U", "N"}, dev.modes())

	_, err = s.LoadProtocol(filepath.Join(dir, "missing.cfg"))
	assert.Error(t, err)
}

func TestDisconnect(t *testing.T) {
	s, dev := connected(t, Options{}, shortProtocol)
	require.NoError(t, s.Disconnect())
	assert.True(t, dev.isClosed())
	assert.False(t, s.Status().Connected)
	assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)
}
