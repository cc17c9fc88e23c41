package timeline

// Cursor walks a merged random schedule cyclically within a phase budget.
// Each step is clipped so that the played total equals the budget exactly.
type Cursor struct {
	steps  []RandomStep
	budget int64
	played int64
	idx    int
}

// NewCursor starts playback of steps for budgetMS milliseconds.
func NewCursor(steps []RandomStep, budgetMS int64) *Cursor {
	return &Cursor{steps: steps, budget: budgetMS}
}

// Next returns the next step to play, clipped to the remaining budget, and
// its start offset in milliseconds from the beginning of the phase. ok is
// false once the budget is used up or there is nothing to play.
func (c *Cursor) Next() (step RandomStep, offsetMS int64, ok bool) {
	left := c.budget - c.played
	if left <= 0 || len(c.steps) == 0 {
		return RandomStep{}, c.played, false
	}
	s := c.steps[c.idx]
	c.idx = (c.idx + 1) % len(c.steps)
	if s.durationMS > left {
		s.durationMS = left
	}
	offsetMS = c.played
	c.played += s.durationMS
	return s, offsetMS, true
}

// Played returns the milliseconds handed out so far.
func (c *Cursor) Played() int64 { return c.played }

// Remaining returns the unplayed part of the budget.
func (c *Cursor) Remaining() int64 { return c.budget - c.played }

// PlanRandom returns the full clipped playback sequence for a phase budget.
func PlanRandom(steps []RandomStep, budgetMS int64) []RandomStep {
	var out []RandomStep
	c := NewCursor(steps, budgetMS)
	for {
		s, _, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}
