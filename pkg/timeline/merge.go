package timeline

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Merge run-length compresses a random schedule: adjacent steps with the same
// side are coalesced and their durations summed. Order is preserved, no two
// adjacent output steps share a side, and the output is never longer than the
// input. Merge is pure; the input is not modified.
func Merge(raw []RandomStep) []RandomStep {
	if len(raw) == 0 {
		return nil
	}
	out := make([]RandomStep, 0, len(raw))
	carry := raw[0]
	for _, s := range raw[1:] {
		if s.side == carry.side {
			carry.durationMS += s.durationMS
			continue
		}
		out = append(out, carry)
		carry = s
	}
	return append(out, carry)
}

// ScheduleStats describes a parsed random schedule file.
type ScheduleStats struct {
	Lines   int
	Steps   int
	Skipped int
	Header  bool
}

// ParseSchedule reads a random schedule in the text form
//
//	# comment
//	state,duration
//	U 20
//	D, 7.5
//
// Each data line is a side token and a duration in seconds, separated by
// whitespace or a comma. The side is taken from the first character of the
// token (U, D, A or N, case-insensitive) and seconds are rounded to whole
// milliseconds. A single header line naming both "state" and "duration" is
// skipped, as are blank lines, comments, malformed lines and non-positive
// durations. Only read errors are returned.
func ParseSchedule(r io.Reader) ([]RandomStep, ScheduleStats, error) {
	var (
		steps []RandomStep
		stats ScheduleStats
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		stats.Lines++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !stats.Header && len(steps) == 0 {
			lower := strings.ToLower(line)
			if strings.Contains(lower, "state") && strings.Contains(lower, "duration") {
				stats.Header = true
				continue
			}
		}
		step, ok := parseScheduleLine(line)
		if !ok {
			stats.Skipped++
			continue
		}
		steps = append(steps, step)
	}
	if err := sc.Err(); err != nil {
		return nil, stats, fmt.Errorf("read random schedule: %w", err)
	}
	stats.Steps = len(steps)
	return steps, stats, nil
}

func parseScheduleLine(line string) (RandomStep, bool) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	if len(fields) != 2 {
		return RandomStep{}, false
	}
	side := Side(strings.ToUpper(fields[0][:1])[0])
	sec, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return RandomStep{}, false
	}
	step, err := NewRandomStep(int64(math.Round(sec*1000)), side)
	if err != nil {
		return RandomStep{}, false
	}
	return step, true
}

// LoadSchedule parses the random schedule at path.
func LoadSchedule(path string) ([]RandomStep, ScheduleStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ScheduleStats{}, err
	}
	defer f.Close()
	return ParseSchedule(f)
}

// TotalMS sums the durations of steps.
func TotalMS(steps []RandomStep) int64 {
	var ms int64
	for _, s := range steps {
		ms += s.durationMS
	}
	return ms
}
