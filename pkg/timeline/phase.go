package timeline

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBadDuration is returned for durations that are not positive.
	ErrBadDuration = errors.New("duration must be positive")

	// ErrBadSide is returned for sides outside the allowed set.
	ErrBadSide = errors.New("side not allowed")
)

// Phase is one planned segment of a run. It is immutable once built.
type Phase struct {
	name       string
	durationMS int64
	side       Side
}

// NewPhase validates and builds a phase. A blank name is left blank here and
// defaulted to P<n> by its position when the phase is added to a Timeline.
func NewPhase(name string, durationMS int64, side Side) (Phase, error) {
	if durationMS <= 0 {
		return Phase{}, fmt.Errorf("phase %q: %w (got %d ms)", name, ErrBadDuration, durationMS)
	}
	if !side.Valid() {
		return Phase{}, fmt.Errorf("phase %q: %w: %s", name, ErrBadSide, side)
	}
	return Phase{name: strings.TrimSpace(name), durationMS: durationMS, side: side}, nil
}

// Name returns the phase label.
func (p Phase) Name() string { return p.name }

// DurationMS returns the hold time in milliseconds.
func (p Phase) DurationMS() int64 { return p.durationMS }

// Duration returns the hold time.
func (p Phase) Duration() time.Duration { return time.Duration(p.durationMS) * time.Millisecond }

// Side returns the configured side.
func (p Phase) Side() Side { return p.side }

func (p Phase) String() string {
	return fmt.Sprintf("%s(%s, %d ms)", p.name, p.side, p.durationMS)
}

// RandomStep is one element of a raw or merged random schedule.
type RandomStep struct {
	durationMS int64
	side       Side
}

// NewRandomStep builds a step. Random-within-random is rejected.
func NewRandomStep(durationMS int64, side Side) (RandomStep, error) {
	if durationMS <= 0 {
		return RandomStep{}, ErrBadDuration
	}
	if !side.IsDevice() {
		return RandomStep{}, fmt.Errorf("%w in random schedule: %s", ErrBadSide, side)
	}
	return RandomStep{durationMS: durationMS, side: side}, nil
}

// MustStep is NewRandomStep that panics on error, for literals.
func MustStep(durationMS int64, side Side) RandomStep {
	s, err := NewRandomStep(durationMS, side)
	if err != nil {
		panic(err)
	}
	return s
}

// DurationMS returns the step length in milliseconds.
func (s RandomStep) DurationMS() int64 { return s.durationMS }

// Side returns the step side.
func (s RandomStep) Side() Side { return s.side }

func (s RandomStep) String() string {
	return fmt.Sprintf("%s%d", s.side, s.durationMS)
}

// ParseMMSS converts a duration typed by an operator to milliseconds.
// Accepted forms are "mm:ss", "hh:mm:ss" and plain seconds; seconds may carry
// a fractional part. The result is rounded to whole milliseconds.
func ParseMMSS(s string) (int64, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, fmt.Errorf("empty duration")
	}
	parts := strings.Split(t, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var acc int64
	for i, part := range parts[:len(parts)-1] {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil || v < 0 || (i > 0 && v >= 60) {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		acc = acc*60 + v
	}
	sec, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil || sec < 0 || math.IsInf(sec, 0) || math.IsNaN(sec) {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if len(parts) > 1 && sec >= 60 {
		return 0, fmt.Errorf("invalid duration %q: seconds out of range", s)
	}
	total := float64(acc*60) + sec
	return int64(math.Round(total * 1000)), nil
}

// FormatMMSS renders milliseconds as mm:ss, dropping sub-second precision.
func FormatMMSS(ms int64) string {
	sec := ms / 1000
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}
