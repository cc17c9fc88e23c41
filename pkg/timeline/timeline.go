package timeline

import (
	"errors"
	"fmt"
	"time"

	hosterrors "shockctl/pkg/errors"
)

var (
	// ErrNoPhases is returned when a run is requested with no phases.
	ErrNoPhases = errors.New("no phases configured")

	// ErrMissingRandom is returned when a random phase exists but no
	// random schedule has been loaded.
	ErrMissingRandom = errors.New("random phase requires a loaded random schedule")
)

// Timeline is the complete, read-only plan for one run.
type Timeline struct {
	phases []Phase
	raw    []RandomStep
	merged []RandomStep
}

// New builds a timeline from phases and a raw random schedule. The raw
// schedule is merged here; phases with a blank name are named P<n> after
// their 1-based position. The inputs are copied.
func New(phases []Phase, raw []RandomStep) *Timeline {
	t := &Timeline{
		phases: make([]Phase, len(phases)),
		raw:    append([]RandomStep(nil), raw...),
	}
	for i, p := range phases {
		if p.name == "" {
			p.name = fmt.Sprintf("P%d", i+1)
		}
		t.phases[i] = p
	}
	t.merged = Merge(t.raw)
	return t
}

// Validate checks that the timeline can be run: at least one phase, every
// phase well-formed, and a non-empty merged schedule if any phase is random.
func (t *Timeline) Validate() error {
	if t == nil || len(t.phases) == 0 {
		return hosterrors.TimelineError(ErrNoPhases)
	}
	needRandom := false
	for i, p := range t.phases {
		if p.durationMS <= 0 {
			return hosterrors.PhaseError(p.name, fmt.Errorf("phase %d: %w", i+1, ErrBadDuration))
		}
		if !p.side.Valid() {
			return hosterrors.PhaseError(p.name, fmt.Errorf("phase %d: %w", i+1, ErrBadSide))
		}
		if p.side == SideRandom {
			needRandom = true
		}
	}
	if needRandom && len(t.merged) == 0 {
		return hosterrors.TimelineError(ErrMissingRandom)
	}
	return nil
}

// Phases returns a copy of the phase list.
func (t *Timeline) Phases() []Phase {
	return append([]Phase(nil), t.phases...)
}

// Len returns the number of phases.
func (t *Timeline) Len() int { return len(t.phases) }

// Phase returns the i-th phase.
func (t *Timeline) Phase(i int) Phase { return t.phases[i] }

// Raw returns a copy of the unmerged random schedule.
func (t *Timeline) Raw() []RandomStep {
	return append([]RandomStep(nil), t.raw...)
}

// Random returns a copy of the merged random schedule.
func (t *Timeline) Random() []RandomStep {
	return append([]RandomStep(nil), t.merged...)
}

// HasRandom reports whether any phase replays the random schedule.
func (t *Timeline) HasRandom() bool {
	for _, p := range t.phases {
		if p.side == SideRandom {
			return true
		}
	}
	return false
}

// TotalDuration is the sum of all phase durations.
func (t *Timeline) TotalDuration() time.Duration {
	var ms int64
	for _, p := range t.phases {
		ms += p.durationMS
	}
	return time.Duration(ms) * time.Millisecond
}

// WithRandom returns a copy of t using a different raw random schedule.
func (t *Timeline) WithRandom(raw []RandomStep) *Timeline {
	return New(t.phases, raw)
}
