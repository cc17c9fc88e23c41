// Package session is the host-side operator surface: it owns the device
// connection, the loaded protocol and random schedule, and one run
// controller at a time. Finished runs are recorded in history, their
// transcripts optionally saved, and the controller returned to idle.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"shockctl/pkg/config"
	"shockctl/pkg/device"
	hosterrors "shockctl/pkg/errors"
	"shockctl/pkg/events"
	"shockctl/pkg/history"
	"shockctl/pkg/log"
	"shockctl/pkg/metrics"
	"shockctl/pkg/runner"
	"shockctl/pkg/serial"
	"shockctl/pkg/timeline"
	"shockctl/pkg/waiter"
)

// StopTimeout bounds how long Stop waits for the run goroutine.
const StopTimeout = time.Second

var (
	// ErrNotConnected is returned by operations that need the device.
	ErrNotConnected = errors.New("not connected")

	// ErrNoProtocol is returned by Start before any protocol was set.
	ErrNoProtocol = errors.New("no protocol loaded")
)

// Port is an open device endpoint.
type Port interface {
	device.Port
	io.Closer
}

// DialFunc opens the device endpoint described by cfg.
type DialFunc func(cfg serial.Config) (Port, error)

func dialSerial(cfg serial.Config) (Port, error) {
	p, err := serial.OpenAny(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options configures a Session.
type Options struct {
	// Dial opens the device. Defaults to serial.OpenAny.
	Dial          DialFunc
	// History, when set, receives a record of every finished run.
	History       *history.Store
	// TranscriptDir, when set, receives one transcript file per run.
	TranscriptDir string
	// TranscriptOut mirrors transcript lines as they are produced.
	TranscriptOut io.Writer
	Metrics       *metrics.ShockMetrics
	Logger        *log.Logger
	// Clock is handed to the run waiter; tests use a fake.
	Clock         waiter.Clock
}

// Session coordinates one device and one run at a time.
type Session struct {
	dial          DialFunc
	history       *history.Store
	transcriptDir string
	metrics       *metrics.ShockMetrics
	log           *log.Logger
	clock         waiter.Clock

	bus        *events.Bus
	transcript *events.Transcript

	mu       sync.Mutex
	port     Port
	ch       *device.Channel
	devName  string
	status   string
	protocol *config.Protocol
	raw      []timeline.RandomStep
	random   RandomStats
	ctrl     *runner.Controller
	active   bool
	finished chan struct{}
	last     *runner.Result
	saved    string

	// progress is written from the run goroutine and guarded separately
	// so a Status call never holds up a phase boundary.
	progMu  sync.Mutex
	phase   string
	percent int
	runText string
}

// New creates a disconnected session with no protocol.
func New(opts Options) *Session {
	s := &Session{
		dial:          opts.Dial,
		history:       opts.History,
		transcriptDir: opts.TranscriptDir,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		clock:         opts.Clock,
		bus:           events.NewBus(),
		transcript:    events.NewTranscript(opts.TranscriptOut),
		status:        "Disconnected",
		phase:         "Idle",
	}
	if s.dial == nil {
		s.dial = dialSerial
	}
	if s.log == nil {
		s.log = log.GetLogger("session")
	}
	s.bus.OnDrop(func(events.Event) { s.metrics.RecordDroppedEvent() })
	return s
}

// Bus returns the event bus observers subscribe to.
func (s *Session) Bus() *events.Bus { return s.bus }

// Transcript returns the transcript of the current or last run.
func (s *Session) Transcript() *events.Transcript { return s.transcript }

// Close stops any run, disconnects and closes the bus.
func (s *Session) Close() error {
	err := s.Disconnect()
	if errors.Is(err, ErrNotConnected) {
		err = nil
	}
	s.bus.Close()
	s.transcript.Flush()
	return err
}

// deviceConfig returns the device section of the current protocol.
func (s *Session) deviceConfig() config.DeviceConfig {
	if s.protocol != nil {
		return s.protocol.Device
	}
	return config.DefaultProtocol().Device
}

// Connect opens dev (a path, tcp:// or unix:// address; empty uses the
// protocol's serial option), waits out the settle time discarding input, and
// probes with PING. A missing reply is fine; a failed write is not. An
// existing connection is closed first.
func (s *Session) Connect(ctx context.Context, dev string) (string, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return "", busyError("connect")
	}
	dc := s.deviceConfig()
	s.mu.Unlock()

	if dev == "" {
		dev = dc.Serial
	}
	if dev == "" {
		return "", hosterrors.New(hosterrors.ErrConfigOption, "no serial device given").
			SetSection("device").SetOption("serial")
	}
	if err := s.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.WithError(err).Warn("closing previous connection")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cfg := serial.DefaultConfig()
	cfg.Device = dev
	cfg.BaudRate = dc.Baud
	port, err := s.dial(cfg)
	if err != nil {
		s.setStatus("Disconnected")
		return "", fmt.Errorf("open %s: %w", dev, err)
	}

	ch := device.NewChannel(port, device.Options{
		AckTimeout: dc.AckTimeout,
		Logger:     s.log.WithPrefix("device"),
	})
	if err := ch.Drain(dc.SettleTime); err != nil {
		port.Close()
		s.setStatus("Disconnected")
		return "", err
	}
	ack, err := ch.Probe()
	if err != nil {
		port.Close()
		s.setStatus("Disconnected")
		return "", err
	}

	reply := ack
	if reply == "" {
		reply = "no echo"
	}
	status := fmt.Sprintf("Connected %s @ %d (%s)", dev, dc.Baud, reply)

	s.mu.Lock()
	s.port, s.ch, s.devName = port, ch, dev
	s.status = status
	s.mu.Unlock()

	s.metrics.SetConnected(true)
	s.publish(events.Event{Kind: events.KindStatus, Text: status})
	s.log.WithFields(log.Fields{"device": dev, "baud": dc.Baud, "ack": ack}).Info("connected")
	return ack, nil
}

// Disconnect stops any active run and closes the device.
func (s *Session) Disconnect() error {
	if _, err := s.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.WithError(err).Warn("stop before disconnect")
	}
	s.mu.Lock()
	port := s.port
	s.port, s.ch, s.devName = nil, nil, ""
	s.status = "Disconnected"
	s.mu.Unlock()

	if port == nil {
		return ErrNotConnected
	}
	s.metrics.SetConnected(false)
	s.publish(events.Event{Kind: events.KindStatus, Text: "Disconnected"})
	return port.Close()
}

// SetProtocol replaces the protocol. It is refused while a run is active.
// The random schedule is kept.
func (s *Session) SetProtocol(p *config.Protocol) error {
	if p == nil {
		return ErrNoProtocol
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return busyError("set protocol")
	}
	s.protocol = p
	for _, w := range p.Warnings {
		s.log.Warn("protocol: %s", w)
	}
	return nil
}

// LoadProtocol reads a protocol file and applies it. A random_file named by
// the protocol is loaded too.
func (s *Session) LoadProtocol(path string) (*config.Protocol, error) {
	p, err := config.LoadProtocol(path)
	if err != nil {
		return nil, config.HostError(err)
	}
	if err := s.SetProtocol(p); err != nil {
		return nil, err
	}
	if p.RandomFile != "" {
		if _, err := s.LoadRandom(p.RandomFile); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Protocol returns the current protocol, or nil.
func (s *Session) Protocol() *config.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// RandomStats summarises a loaded random schedule.
type RandomStats struct {
	Path    string `json:"path,omitempty"`
	Raw     int    `json:"raw"`
	Merged  int    `json:"merged"`
	Skipped int    `json:"skipped"`
	TotalMS int64  `json:"total_ms"`
}

// LoadRandom parses a random schedule file and keeps its steps.
func (s *Session) LoadRandom(path string) (RandomStats, error) {
	raw, stats, err := timeline.LoadSchedule(path)
	if err != nil {
		return RandomStats{}, hosterrors.Wrap(err, hosterrors.ErrValidationSchedule, "load random schedule").
			SetContext("path", path)
	}
	rs, err := s.SetRandom(raw, stats)
	rs.Path = path
	if err == nil {
		s.mu.Lock()
		s.random.Path = path
		s.mu.Unlock()
		s.log.WithFields(log.Fields{"path": path, "raw": rs.Raw, "merged": rs.Merged}).Info("random schedule loaded")
	}
	return rs, err
}

// SetRandom installs raw random steps. It is refused while a run is active.
func (s *Session) SetRandom(raw []timeline.RandomStep, stats timeline.ScheduleStats) (RandomStats, error) {
	merged := timeline.Merge(raw)
	rs := RandomStats{
		Raw:     len(raw),
		Merged:  len(merged),
		Skipped: stats.Skipped,
		TotalMS: timeline.TotalMS(merged),
	}
	if len(raw) == 0 {
		return rs, hosterrors.New(hosterrors.ErrValidationSchedule, "random schedule has no steps")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return rs, busyError("load random")
	}
	s.raw = append([]timeline.RandomStep(nil), raw...)
	s.random = rs
	return rs, nil
}

// Start builds the timeline from the protocol and random schedule and
// launches a run. The run outlives ctx's deadline and values but not an
// explicit Stop. experiment overrides the protocol's name when non-empty.
func (s *Session) Start(ctx context.Context, experiment string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		return "", ErrNotConnected
	}
	if s.protocol == nil {
		return "", ErrNoProtocol
	}
	if s.active {
		return "", busyError("start")
	}
	tl, err := s.protocol.Timeline(s.raw)
	if err != nil {
		return "", hosterrors.PhaseError("", err)
	}
	if err := tl.Validate(); err != nil {
		return "", err
	}
	if experiment == "" {
		experiment = s.protocol.Experiment
	}

	w := waiter.New(waiter.Config{
		SleepSlice: s.protocol.Timing.SleepSlice,
		SpinWindow: s.protocol.Timing.SpinWindow,
		Clock:      s.clock,
	})
	ctrl := runner.New(s.ch, runner.Options{
		Waiter:  w,
		Sink:    events.Multi{s.transcript, s.bus, events.SinkFunc(s.observe)},
		Metrics: s.metrics,
		Logger:  s.log.WithPrefix("runner"),
	})

	s.transcript.Reset()
	if experiment != "" {
		s.transcript.Publish(events.Event{Kind: events.KindLog, Text: "Experiment: " + experiment})
	}
	id, err := ctrl.Start(context.WithoutCancel(ctx), tl, runner.RunOptions{Experiment: experiment})
	if err != nil {
		return "", err
	}

	s.ctrl = ctrl
	s.active = true
	s.finished = make(chan struct{})
	s.status = "Running"
	s.setProgress("Starting", 0, "")
	go s.finish(ctrl, s.finished)
	return id, nil
}

// finish waits for the run to end, records it and returns the controller to
// idle.
func (s *Session) finish(ctrl *runner.Controller, finished chan struct{}) {
	defer close(finished)

	res, err := ctrl.Wait(context.Background())
	s.transcript.Flush()
	if err != nil {
		s.log.WithError(err).Error("waiting for run")
		return
	}
	lines := s.transcript.Lines()

	s.mu.Lock()
	proto := ""
	if s.protocol != nil {
		proto = s.protocol.Path
	}
	s.mu.Unlock()

	if s.history != nil {
		rec := history.Run{
			RunID:           res.RunID,
			Experiment:      res.Experiment,
			Protocol:        proto,
			State:           res.State.String(),
			StartedAt:       res.StartedAt,
			EndedAt:         res.EndedAt,
			TotalPhases:     res.TotalPhases,
			PhasesCompleted: res.PhasesCompleted,
			PlannedMS:       res.PlannedMS,
			ModeErrors:      res.ModeErrors,
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.history.Record(ctx, rec, lines); err != nil {
			s.log.WithError(err).Error("recording run history")
		}
		cancel()
	}

	saved := ""
	if s.transcriptDir != "" {
		path, err := s.transcript.Save(s.transcriptDir, res.Experiment, res.StartedAt)
		if err != nil {
			s.log.WithError(err).Error("saving transcript")
		} else {
			saved = path
			s.log.WithField("path", path).Info("transcript saved")
		}
	}

	ctrl.Acknowledge()

	s.mu.Lock()
	s.last = &res
	s.saved = saved
	s.active = false
	s.setProgress("Idle", 0, "")
	if s.ch != nil {
		s.status = res.State.StatusText()
	}
	s.mu.Unlock()
}

// observe tracks status text and phase progress for Status.
func (s *Session) observe(e events.Event) {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	switch e.Kind {
	case events.KindStatus:
		s.runText = e.Text
	case events.KindPhaseStart:
		s.phase = fmt.Sprintf("Phase %d/%d: %s", e.Index, e.Total, e.Name)
	case events.KindProgress:
		s.percent = e.Percent
	}
}

// Wait blocks until the current run has been recorded and acknowledged and
// returns its result.
func (s *Session) Wait(ctx context.Context) (runner.Result, error) {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished == nil {
		return runner.Result{}, runner.ErrNoRun
	}
	select {
	case <-finished:
	case <-ctx.Done():
		return runner.Result{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return runner.Result{}, runner.ErrNoRun
	}
	return *s.last, nil
}

// Stop cancels the active run, commands neutral, and waits up to
// StopTimeout for the run to end. It reports whether a run was active.
func (s *Session) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	ctrl, ch, active, finished := s.ctrl, s.ch, s.active, s.finished
	s.mu.Unlock()

	if ch == nil {
		return false, ErrNotConnected
	}
	if !active || ctrl == nil {
		return false, nil
	}
	ctrl.Stop()
	if err := ch.ForceMode(timeline.SideNone); err != nil {
		s.log.WithError(err).Warn("neutral after stop")
	}

	timer := time.NewTimer(StopTimeout)
	defer timer.Stop()
	select {
	case <-finished:
		return true, nil
	case <-timer.C:
		return true, fmt.Errorf("run did not stop within %v", StopTimeout)
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Manual sends one MODE command outside a run and returns the device's
// acknowledgment ("" when none arrived).
func (s *Session) Manual(side timeline.Side) (string, error) {
	s.mu.Lock()
	ch, active := s.ch, s.active
	s.mu.Unlock()

	if ch == nil {
		return "", ErrNotConnected
	}
	if active {
		return "", busyError("manual")
	}
	ack, err := ch.Manual(side)
	s.metrics.RecordMode(side.String(), err)
	if err != nil {
		return "", err
	}

	text := "MANUAL MODE=" + side.String()
	if ack != "" {
		text += " [" + ack + "]"
	}
	s.publish(events.Event{Kind: events.KindLog, Text: text})
	s.publish(events.Event{Kind: events.KindCue, Side: side.String()})
	return ack, nil
}

// Snapshot is the state reported by Status.
type Snapshot struct {
	Connected  bool         `json:"connected"`
	Device     string       `json:"device,omitempty"`
	Status     string       `json:"status"`
	State      string       `json:"state"`
	Phase      string       `json:"phase"`
	Percent    int          `json:"percent"`
	Protocol   string       `json:"protocol,omitempty"`
	Experiment string       `json:"experiment,omitempty"`
	Phases     int          `json:"phases"`
	Random     *RandomStats `json:"random,omitempty"`
	LastRun    *RunSummary  `json:"last_run,omitempty"`
}

// RunSummary describes the last finished run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Transcript string    `json:"transcript,omitempty"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progMu.Lock()
	phase, percent, runText := s.phase, s.percent, s.runText
	s.progMu.Unlock()

	snap := Snapshot{
		Connected: s.ch != nil,
		Device:    s.devName,
		Status:    s.status,
		State:     runner.StateIdle.String(),
		Phase:     phase,
		Percent:   percent,
	}
	if s.active {
		snap.State = runner.StateRunning.String()
		if runText != "" {
			snap.Status = runText
		}
	}
	if s.protocol != nil {
		snap.Protocol = s.protocol.Path
		snap.Experiment = s.protocol.Experiment
		snap.Phases = len(s.protocol.Phases)
	}
	if len(s.raw) > 0 {
		rs := s.random
		snap.Random = &rs
	}
	if s.last != nil {
		sum := &RunSummary{
			RunID:      s.last.RunID,
			State:      s.last.State.String(),
			StartedAt:  s.last.StartedAt,
			EndedAt:    s.last.EndedAt,
			Transcript: s.saved,
		}
		if s.last.Err != nil {
			sum.Error = s.last.Err.Error()
		}
		snap.LastRun = sum
	}
	return snap
}

func (s *Session) setProgress(phase string, percent int, runText string) {
	s.progMu.Lock()
	s.phase, s.percent, s.runText = phase, percent, runText
	s.progMu.Unlock()
}

func (s *Session) setStatus(text string) {
	s.mu.Lock()
	s.status = text
	s.mu.Unlock()
}

func (s *Session) publish(e events.Event) {
	s.transcript.Publish(e)
	s.bus.Publish(e)
}

func busyError(op string) error {
	return hosterrors.Wrap(runner.ErrBusy, hosterrors.ErrRunBusy, op+" rejected")
}
