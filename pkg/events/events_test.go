package events

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	assert.Equal(t, 2, bus.Len())

	bus.Publish(Event{Kind: KindProgress, Percent: 10})

	for _, s := range []*Subscription{a, b} {
		e := <-s.C
		assert.Equal(t, KindProgress, e.Kind)
		assert.Equal(t, 10, e.Percent)
		assert.False(t, e.Time.IsZero())
	}

	a.Close()
	a.Close()
	assert.Equal(t, 1, bus.Len())
	_, ok := <-a.C
	assert.False(t, ok)
}

func TestBusNeverBlocks(t *testing.T) {
	bus := NewBus()
	var dropped []Event
	bus.OnDrop(func(e Event) { dropped = append(dropped, e) })
	slow := bus.Subscribe(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: KindProgress, Percent: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.EqualValues(t, 98, slow.Dropped())
	assert.EqualValues(t, 98, bus.Dropped())
	assert.Len(t, dropped, 98)
	assert.Equal(t, 0, (<-slow.C).Percent)
	assert.Equal(t, 1, (<-slow.C).Percent)
	bus.Close()
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(0)
	bus.Close()
	bus.Close()
	_, ok := <-s.C
	assert.False(t, ok)

	late := bus.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok)
	bus.Publish(Event{Kind: KindLog})
}

func TestConsume(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(16)

	var mu sync.Mutex
	var got []Kind
	done := make(chan struct{})
	go func() {
		Consume(context.Background(), sub, func(e Event) {
			mu.Lock()
			got = append(got, e.Kind)
			mu.Unlock()
		})
		close(done)
	}()

	bus.Publish(Event{Kind: KindRunStart})
	bus.Publish(Event{Kind: KindRunFinished})
	bus.Close()
	<-done

	assert.Equal(t, []Kind{KindRunStart, KindRunFinished}, got)
}

func TestConsumeContext(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Consume(ctx, sub, func(Event) {})
		close(done)
	}()
	cancel()
	<-done
	bus.Close()
}

func TestTerminalKinds(t *testing.T) {
	assert.True(t, KindRunFinished.Terminal())
	assert.True(t, KindRunStopped.Terminal())
	assert.True(t, KindRunAborted.Terminal())
	assert.False(t, KindPhaseComplete.Terminal())
}

func TestTranscriptFormat(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf)
	at := time.Date(2026, 3, 4, 14, 2, 11, 0, time.Local)

	for _, e := range []Event{
		{Kind: KindRunStart, Experiment: "hab"},
		{Kind: KindCue},
		{Kind: KindPhaseStart, Experiment: "hab", Index: 1, Total: 2, Name: "Base", Side: "U", DurationMS: 1500},
		{Kind: KindProgress, Percent: 50},
		{Kind: KindStepLog, Text: "STATE U for 1500 ms"},
		{Kind: KindPhaseComplete, Index: 1},
		{Kind: KindRunAborted, Error: "device disconnected"},
		{Kind: KindLog, Text: ""},
	} {
		e.Time = at
		tr.Publish(e)
	}

	want := []string{
		"[14:02:11] [Experiment: hab] RUN START",
		"[14:02:11] [Experiment: hab] PHASE 1/2 | Base | Side=U | 1500 ms",
		"[14:02:11] STATE U for 1500 ms",
		"[14:02:11] PHASE 1 complete",
		"[14:02:11] ===== RUN ABORTED (error) ===== device disconnected",
	}
	assert.Equal(t, want, tr.Lines())
	tr.Flush()
	assert.Equal(t, strings.Join(want, "\n")+"\n", buf.String())

	text, ok := Format(Event{Kind: KindRunStopped})
	assert.True(t, ok)
	assert.Equal(t, "===== RUN STOPPED BY USER =====", text)
	text, _ = Format(Event{Kind: KindRunFinished})
	assert.Equal(t, "===== RUN FINISHED =====", text)
}

// gateWriter blocks every write until release is closed.
type gateWriter struct {
	release chan struct{}
	mu      sync.Mutex
	buf     bytes.Buffer
}

func (g *gateWriter) Write(p []byte) (int, error) {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buf.Write(p)
}

func TestTranscriptSlowMirror(t *testing.T) {
	w := &gateWriter{release: make(chan struct{})}
	tr := NewTranscript(w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 50; i++ {
			tr.Publish(Event{Kind: KindPhaseComplete, Index: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on the mirror writer")
	}
	assert.Len(t, tr.Lines(), 50)

	close(w.release)
	tr.Flush()
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 50, strings.Count(w.buf.String(), "\n"))
	assert.True(t, strings.HasSuffix(w.buf.String(), "PHASE 50 complete\n"))
}

func TestTranscriptSave(t *testing.T) {
	tr := NewTranscript(nil)
	tr.Publish(Event{Kind: KindLog, Text: "hello", Time: time.Now()})

	dir := filepath.Join(t.TempDir(), "logs")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	path, err := tr.Save(dir, "mouse 7/a", at)
	require.NoError(t, err)
	assert.Equal(t, "mouse_7_a_log_20260102_030405.txt", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "hello\n"))

	tr.Reset()
	assert.Empty(t, tr.Lines())
	assert.Equal(t, "experiment_log_20260102_030405.txt", FileName(" ", at))
}

func TestMultiAndSinkFunc(t *testing.T) {
	var n int
	m := Multi{SinkFunc(func(Event) { n++ }), Discard, SinkFunc(func(Event) { n++ })}
	m.Publish(Event{Kind: KindCue})
	assert.Equal(t, 2, n)
}
