package events

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Transcript renders run events as the human-readable run log:
//
//	[14:02:11] [Experiment: habituation] RUN START
//	[14:02:11] [Experiment: habituation] PHASE 1/3 | Baseline | Side=N | 60000 ms
//	[14:02:11] STATE N for 60000 ms
//	[14:03:11] PHASE 1 complete
//	...
//	[14:09:40] ===== RUN FINISHED =====
//
// Publish only appends in memory. Lines are copied to the mirror writer by
// a background goroutine, so a slow terminal never delays the publisher.
type Transcript struct {
	mu    sync.Mutex
	lines []string

	w       io.Writer
	queue   []string
	writing bool
	idle    *sync.Cond
}

// NewTranscript creates a transcript that also mirrors lines to w, which
// may be nil.
func NewTranscript(w io.Writer) *Transcript {
	t := &Transcript{w: w}
	t.idle = sync.NewCond(&t.mu)
	return t
}

// Publish implements Sink.
func (t *Transcript) Publish(e Event) {
	text, ok := Format(e)
	if !ok {
		return
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("[%s] %s", ts.Format("15:04:05"), text)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if t.w == nil {
		return
	}
	t.queue = append(t.queue, line)
	if !t.writing {
		t.writing = true
		go t.mirror()
	}
}

// mirror writes queued lines until the queue is empty.
func (t *Transcript) mirror() {
	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		if len(batch) == 0 {
			t.writing = false
			t.idle.Broadcast()
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		for _, line := range batch {
			fmt.Fprintln(t.w, line)
		}
	}
}

// Flush blocks until every published line has been written to the mirror.
func (t *Transcript) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.writing {
		t.idle.Wait()
	}
}

// Format returns the transcript text for e, without the timestamp. Events
// that do not appear in the transcript return false.
func Format(e Event) (string, bool) {
	tag := ""
	if e.Experiment != "" {
		tag = fmt.Sprintf("[Experiment: %s] ", e.Experiment)
	}
	switch e.Kind {
	case KindRunStart:
		return tag + "RUN START", true
	case KindPhaseStart:
		return fmt.Sprintf("%sPHASE %d/%d | %s | Side=%s | %d ms", tag, e.Index, e.Total, e.Name, e.Side, e.DurationMS), true
	case KindStepLog, KindLog:
		return e.Text, e.Text != ""
	case KindPhaseComplete:
		return fmt.Sprintf("PHASE %d complete", e.Index), true
	case KindRunFinished:
		return "===== RUN FINISHED =====", true
	case KindRunStopped:
		return "===== RUN STOPPED BY USER =====", true
	case KindRunAborted:
		if e.Error != "" {
			return "===== RUN ABORTED (error) ===== " + e.Error, true
		}
		return "===== RUN ABORTED (error) =====", true
	}
	return "", false
}

// Lines returns a copy of the lines recorded so far.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// Reset discards recorded lines.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.lines = nil
	t.mu.Unlock()
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName returns "<experiment>_log_<YYYYmmdd_HHMMSS>.txt".
func FileName(experiment string, at time.Time) string {
	name := unsafeName.ReplaceAllString(strings.TrimSpace(experiment), "_")
	if name == "" {
		name = "experiment"
	}
	return fmt.Sprintf("%s_log_%s.txt", name, at.Format("20060102_150405"))
}

// Save writes the recorded lines to dir and returns the file path.
func (t *Transcript) Save(dir, experiment string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	path := filepath.Join(dir, FileName(experiment, at))
	lines := t.Lines()
	body := strings.Join(lines, "\n")
	if len(lines) > 0 {
		body += "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return path, nil
}
