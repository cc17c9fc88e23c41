// Package runner executes a timeline against the device: one goroutine per
// run walks the phases in order, commands each side, paces holds with the
// high-resolution waiter and reports progress through an event sink. Every
// way out of a run commands the device to neutral.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shockctl/pkg/device"
	hosterrors "shockctl/pkg/errors"
	"shockctl/pkg/events"
	"shockctl/pkg/log"
	"shockctl/pkg/metrics"
	"shockctl/pkg/timeline"
	"shockctl/pkg/waiter"
)

var (
	// ErrBusy is returned by Start while a run is active or its terminal
	// state has not been acknowledged.
	ErrBusy = errors.New("a run is already active")

	// ErrNoRun is returned by Wait when no run was ever started.
	ErrNoRun = errors.New("no run started")
)

// Commander is the part of the device channel the controller drives.
type Commander interface {
	SendMode(side timeline.Side) (bool, error)
	ForceMode(side timeline.Side) error
	Reset()
}

var _ Commander = (*device.Channel)(nil)

// Options configures a Controller.
type Options struct {
	Waiter  *waiter.Waiter
	Sink    events.Sink
	Metrics *metrics.ShockMetrics
	Logger  *log.Logger
}

// RunOptions describes one run.
type RunOptions struct {
	// Experiment tags transcript lines and history records.
	Experiment string
}

// Result describes a finished run.
type Result struct {
	RunID           string
	Experiment      string
	State           State
	Err             error
	StartedAt       time.Time
	EndedAt         time.Time
	TotalPhases     int
	PhasesCompleted int
	PlannedMS       int64
	ModeErrors      int
}

// Controller runs timelines one at a time.
type Controller struct {
	dev     Commander
	waiter  *waiter.Waiter
	sink    events.Sink
	metrics *metrics.ShockMetrics
	log     *log.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
}

// New creates an idle controller driving dev.
func New(dev Commander, opts Options) *Controller {
	c := &Controller{
		dev:     dev,
		waiter:  opts.Waiter,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	if c.waiter == nil {
		c.waiter = waiter.New(waiter.Config{})
	}
	if c.sink == nil {
		c.sink = events.Discard
	}
	if c.log == nil {
		c.log = log.GetLogger("runner")
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start validates tl and launches a run. It returns ErrBusy unless the
// controller is idle, and the validation error for a timeline that cannot
// run; in both cases nothing is written to the device. The run stops when
// Stop is called or ctx is cancelled.
func (c *Controller) Start(ctx context.Context, tl *timeline.Timeline, opts RunOptions) (string, error) {
	if err := tl.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return "", hosterrors.Wrap(ErrBusy, hosterrors.ErrRunBusy, "start rejected").
			SetContext("state", c.state.String())
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:         uuid.NewString(),
		experiment: opts.Experiment,
		phases:     tl.Phases(),
		random:     tl.Random(),
	}
	c.state = StateRunning
	c.cancel = cancel
	c.done = make(chan struct{})
	c.result = nil
	c.metrics.SetRunState(int(StateRunning))

	go c.execute(runCtx, r, c.done)
	return r.id, nil
}

// Stop requests cancellation of the active run. It does not wait; use Wait.
// It reports whether a run was active.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Done returns a channel closed when the current or last run has ended, or
// nil if no run was started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until the current or last run ends and returns its result.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	done := c.Done()
	if done == nil {
		return Result{}, ErrNoRun
	}
	select {
	case <-done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.result, nil
}

// Result returns the last terminal result, if any.
func (c *Controller) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return Result{}, false
	}
	return *c.result, true
}

// Acknowledge returns a terminal controller to Idle. It reports whether a
// transition happened.
func (c *Controller) Acknowledge() bool {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.state = StateIdle
	runID := c.result.RunID
	c.mu.Unlock()

	c.metrics.SetRunState(int(StateIdle))
	c.sink.Publish(events.Event{Kind: events.KindState, RunID: runID, State: StateIdle.String()})
	return true
}

// run is the per-run context owned by the run goroutine.
type run struct {
	id         string
	experiment string
	phases     []timeline.Phase
	random     []timeline.RandomStep

	completed  int
	modeErrors int
}

func (c *Controller) emit(r *run, e events.Event) {
	e.RunID = r.id
	e.Experiment = r.experiment
	c.sink.Publish(e)
}

func (c *Controller) status(r *run, text string) {
	c.emit(r, events.Event{Kind: events.KindStatus, Text: text})
}

func (c *Controller) execute(ctx context.Context, r *run, done chan struct{}) {
	res := Result{
		RunID:       r.id,
		Experiment:  r.experiment,
		StartedAt:   time.Now(),
		TotalPhases: len(r.phases),
	}
	for _, p := range r.phases {
		res.PlannedMS += p.DurationMS()
	}
	logger := c.log.WithFields(log.Fields{"run_id": r.id, "experiment": r.experiment})
	logger.Info("run started")

	res.State, res.Err = c.play(ctx, r)
	// Stop reported success while the run was still live, so it wins even
	// when the last phase had already completed.
	if res.State == StateFinished && ctx.Err() != nil {
		res.State = StateStopped
	}

	// neutral on every exit path, regardless of de-duplication
	if err := c.neutral(); err != nil {
		c.metrics.RecordMode(timeline.SideNone.String(), err)
		logger.WithError(err).Error("failed to command neutral")
		if res.State == StateFinished {
			res.State = StateAborted
		}
		if res.Err == nil {
			res.Err = hosterrors.AbortError(err)
		}
	} else {
		c.metrics.RecordMode(timeline.SideNone.String(), nil)
	}

	res.EndedAt = time.Now()
	res.PhasesCompleted = r.completed
	res.ModeErrors = r.modeErrors

	term := events.Event{}
	switch res.State {
	case StateFinished:
		term.Kind = events.KindRunFinished
		logger.Info("run finished")
	case StateStopped:
		term.Kind = events.KindRunStopped
		logger.WithField("phases_completed", r.completed).Info("run stopped")
	default:
		term.Kind = events.KindRunAborted
		if res.Err != nil {
			term.Error = res.Err.Error()
		}
		logger.WithField("phases_completed", r.completed).WithError(errOrUnknown(res.Err)).Error("run aborted")
	}
	c.emit(r, term)
	c.status(r, res.State.StatusText())
	c.emit(r, events.Event{Kind: events.KindProgress, Percent: 0})
	c.emit(r, events.Event{Kind: events.KindState, State: res.State.String()})
	c.metrics.SetProgress(0)
	c.metrics.RecordRun(res.State.String())
	c.metrics.SetRunState(int(res.State))

	c.mu.Lock()
	c.state = res.State
	c.result = &res
	c.cancel = nil
	c.mu.Unlock()
	close(done)
}

func (c *Controller) neutral() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = hosterrors.RecoverPanic(rec)
		}
	}()
	return c.dev.ForceMode(timeline.SideNone)
}

func errOrUnknown(err error) error {
	if err == nil {
		return errors.New("unknown error")
	}
	return err
}

// play walks the phases. It recovers panics so that the caller can still
// command neutral and report Aborted.
func (c *Controller) play(ctx context.Context, r *run) (state State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			state = StateAborted
			err = hosterrors.AbortError(hosterrors.RecoverPanic(rec))
		}
	}()

	c.dev.Reset()
	c.emit(r, events.Event{Kind: events.KindState, State: StateRunning.String()})
	c.emit(r, events.Event{Kind: events.KindRunStart, Total: len(r.phases)})
	c.emit(r, events.Event{Kind: events.KindCue})

	n := len(r.phases)
	for i, p := range r.phases {
		if ctx.Err() != nil {
			return StateStopped, nil
		}
		c.emit(r, events.Event{
			Kind:       events.KindPhaseStart,
			Index:      i + 1,
			Total:      n,
			Name:       p.Name(),
			Side:       p.Side().String(),
			DurationMS: p.DurationMS(),
		})
		c.status(r, fmt.Sprintf("Running - Phase %d/%d", i+1, n))

		start := c.waiter.Now()
		prog := waiter.NewProgress(start, p.Duration(), func(pct int) {
			c.metrics.SetProgress(pct)
			c.emit(r, events.Event{Kind: events.KindProgress, Index: i + 1, Percent: pct})
		})
		prog.Begin()

		var perr error
		if p.Side() == timeline.SideRandom {
			perr = c.playRandom(ctx, r, p, start, prog)
		} else {
			perr = c.hold(ctx, r, p, start, prog)
		}
		if perr != nil {
			if ctx.Err() != nil && errors.Is(perr, ctx.Err()) {
				return StateStopped, nil
			}
			return StateAborted, hosterrors.AbortError(perr).SetSection(p.Name())
		}

		prog.Complete()
		r.completed++
		c.metrics.RecordPhase()
		c.emit(r, events.Event{Kind: events.KindPhaseComplete, Index: i + 1, Total: n, Name: p.Name()})
		if i < n-1 {
			c.emit(r, events.Event{Kind: events.KindCue})
		}
	}
	return StateFinished, nil
}

// hold commands one side for the whole phase.
func (c *Controller) hold(ctx context.Context, r *run, p timeline.Phase, start time.Time, prog *waiter.Progress) error {
	c.emit(r, events.Event{Kind: events.KindStepLog, Side: p.Side().String(), DurationMS: p.DurationMS(),
		Text: fmt.Sprintf("STATE %s for %d ms", p.Side(), p.DurationMS())})
	if err := c.send(r, p.Side()); err != nil {
		return err
	}
	return c.waitUntil(ctx, start.Add(p.Duration()), prog)
}

// playRandom replays the merged schedule cyclically, clipping the last step
// to the phase budget. Step deadlines are offsets from the phase start so
// that late wakeups do not accumulate.
func (c *Controller) playRandom(ctx context.Context, r *run, p timeline.Phase, start time.Time, prog *waiter.Progress) error {
	cur := timeline.NewCursor(r.random, p.DurationMS())
	for {
		step, offset, ok := cur.Next()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.emit(r, events.Event{Kind: events.KindStepLog, Side: step.Side().String(), DurationMS: step.DurationMS(),
			Text: fmt.Sprintf("R-STEP %s for %d ms", step.Side(), step.DurationMS())})
		if err := c.send(r, step.Side()); err != nil {
			return err
		}
		deadline := start.Add(time.Duration(offset+step.DurationMS()) * time.Millisecond)
		if err := c.waitUntil(ctx, deadline, prog); err != nil {
			return err
		}
		c.metrics.RecordRandomStep()
	}
}

// send issues a de-duplicated MODE command. Transient write failures are
// logged and the run goes on; a disconnected device is returned as fatal.
func (c *Controller) send(r *run, side timeline.Side) error {
	sent, err := c.dev.SendMode(side)
	if err != nil {
		c.metrics.RecordMode(side.String(), err)
		if device.IsDisconnect(err) {
			return err
		}
		r.modeErrors++
		c.log.WithFields(log.Fields{"run_id": r.id, "side": side.String()}).WithError(err).Warn("MODE write failed")
		return nil
	}
	if sent {
		c.metrics.RecordMode(side.String(), nil)
	}
	return nil
}

func (c *Controller) waitUntil(ctx context.Context, deadline time.Time, prog *waiter.Progress) error {
	if err := c.waiter.WaitUntil(ctx, deadline, prog); err != nil {
		return err
	}
	c.metrics.ObserveOvershoot(c.waiter.Now().Sub(deadline))
	return nil
}
