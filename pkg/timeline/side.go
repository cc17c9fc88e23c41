// Package timeline models an assay run: an ordered list of phases, each
// holding one side configuration for a fixed time, plus the merged random
// schedule used by phases whose side is random.
package timeline

import (
	"fmt"
	"strings"
)

// Side is the electrified configuration commanded to the device, or at the
// phase level, a request to replay the random schedule.
type Side byte

const (
	SideNone   Side = 'N'
	SideUp     Side = 'U'
	SideDown   Side = 'D'
	SideAll    Side = 'A'
	SideRandom Side = 'R'
)

// Sides lists the device-level sides in wire order.
var Sides = []Side{SideNone, SideUp, SideDown, SideAll}

// String returns the single-letter wire code.
func (s Side) String() string {
	if s.Valid() {
		return string(rune(s))
	}
	return fmt.Sprintf("Side(%d)", byte(s))
}

// Name returns a human-readable label.
func (s Side) Name() string {
	switch s {
	case SideNone:
		return "none"
	case SideUp:
		return "upside"
	case SideDown:
		return "downside"
	case SideAll:
		return "all"
	case SideRandom:
		return "random"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a phase-level side (N, U, D, A or R).
func (s Side) Valid() bool {
	return s == SideRandom || s.IsDevice()
}

// IsDevice reports whether s can be sent to the device, i.e. it is one of
// N, U, D or A.
func (s Side) IsDevice() bool {
	switch s {
	case SideNone, SideUp, SideDown, SideAll:
		return true
	}
	return false
}

// ParseSide accepts a wire letter (case-insensitive) or one of the words
// none, up, upside, down, downside, all, random.
func ParseSide(s string) (Side, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	switch t {
	case "n", "none", "off", "neutral":
		return SideNone, nil
	case "u", "up", "upside":
		return SideUp, nil
	case "d", "down", "downside":
		return SideDown, nil
	case "a", "all", "both":
		return SideAll, nil
	case "r", "random", "rand":
		return SideRandom, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}
