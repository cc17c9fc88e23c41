// Package waiter blocks the run goroutine until a monotonic deadline with
// millisecond accuracy while staying promptly cancellable.
//
// Waiting is two-tier: while more than the spin window remains the goroutine
// sleeps in short fixed slices, and inside the window it polls the monotonic
// clock in a tight loop. Cancellation is checked once per slice and once per
// poll iteration.
package waiter

import (
	"context"
	"math"
	"time"
)

// Defaults used when a Config field is zero.
const (
	DefaultSleepSlice = 1 * time.Millisecond
	DefaultSpinWindow = 10 * time.Millisecond
)

// Clock is the monotonic time source. time.Now readings carry a monotonic
// component, so the system clock works as is.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the process monotonic clock.
var SystemClock Clock = systemClock{}

// Config holds the waiter tuning. Resolution of the underlying sleep is a
// host concern; these only pick the slice length and the spin threshold.
type Config struct {
	SleepSlice time.Duration
	SpinWindow time.Duration
	Clock      Clock
}

// Waiter implements the two-tier wait.
type Waiter struct {
	slice  time.Duration
	window time.Duration
	clock  Clock
}

// New creates a Waiter, applying defaults for zero fields.
func New(cfg Config) *Waiter {
	w := &Waiter{slice: cfg.SleepSlice, window: cfg.SpinWindow, clock: cfg.Clock}
	if w.slice <= 0 {
		w.slice = DefaultSleepSlice
	}
	if w.window < 0 {
		w.window = 0
	} else if w.window == 0 {
		w.window = DefaultSpinWindow
	}
	if w.clock == nil {
		w.clock = SystemClock
	}
	return w
}

// Now returns the waiter clock's current time.
func (w *Waiter) Now() time.Time { return w.clock.Now() }

// WaitUntil blocks until deadline or until ctx is done. It returns ctx.Err()
// when cancelled and nil once the deadline is reached. If p is non-nil it is
// updated on every slice and poll iteration.
func (w *Waiter) WaitUntil(ctx context.Context, deadline time.Time, p *Progress) error {
	done := ctx.Done()
	for {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		now := w.clock.Now()
		if p != nil {
			p.Update(now)
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil
		}
		if remaining > w.window {
			w.clock.Sleep(w.slice)
		}
	}
}

// Wait blocks for d from now. See WaitUntil.
func (w *Waiter) Wait(ctx context.Context, d time.Duration, p *Progress) error {
	return w.WaitUntil(ctx, w.clock.Now().Add(d), p)
}

// Percent computes clamp(0, 100, round(100*elapsed/total)). A non-positive
// total counts as complete.
func Percent(elapsed, total time.Duration) int {
	if total <= 0 {
		return 100
	}
	pct := int(math.Round(100 * float64(elapsed) / float64(total)))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Progress tracks one hold or phase and reports integer percentages to a
// callback, only when the value changes.
type Progress struct {
	start  time.Time
	total  time.Duration
	report func(int)
	last   int
}

// NewProgress starts tracking against a start time and a total budget.
func NewProgress(start time.Time, total time.Duration, report func(int)) *Progress {
	return &Progress{start: start, total: total, report: report, last: -1}
}

// Update reports the percentage elapsed at now if it changed.
func (p *Progress) Update(now time.Time) {
	p.set(Percent(now.Sub(p.start), p.total))
}

// Begin reports 0.
func (p *Progress) Begin() { p.set(0) }

// Complete reports 100.
func (p *Progress) Complete() { p.set(100) }

// Last returns the most recently reported percentage, or -1.
func (p *Progress) Last() int { return p.last }

func (p *Progress) set(pct int) {
	if pct == p.last {
		return
	}
	p.last = pct
	if p.report != nil {
		p.report(pct)
	}
}
