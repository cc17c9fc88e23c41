// Package events carries run lifecycle and progress notifications from the
// run goroutine to any number of observers. Publishing never blocks: a
// subscriber whose buffer is full loses the event and the loss is counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event.
type Kind string

const (
	KindRunStart      Kind = "run_start"
	KindPhaseStart    Kind = "phase_start"
	KindStepLog       Kind = "step_log"
	KindPhaseComplete Kind = "phase_complete"
	KindCue           Kind = "cue"
	KindProgress      Kind = "progress"
	KindRunFinished   Kind = "run_finished"
	KindRunStopped    Kind = "run_stopped"
	KindRunAborted    Kind = "run_aborted"
	KindStatus        Kind = "status"
	KindState         Kind = "state"
	KindLog           Kind = "log"
)

// Terminal reports whether k ends a run.
func (k Kind) Terminal() bool {
	return k == KindRunFinished || k == KindRunStopped || k == KindRunAborted
}

// Event is one notification. Index is 1-based for phase events.
type Event struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	RunID      string    `json:"run_id,omitempty"`
	Experiment string    `json:"experiment,omitempty"`
	Index      int       `json:"index,omitempty"`
	Total      int       `json:"total,omitempty"`
	Name       string    `json:"name,omitempty"`
	Side       string    `json:"side,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Percent    int       `json:"percent"`
	Text       string    `json:"text,omitempty"`
	State      string    `json:"state,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink accepts events.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 1024

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	onDrop  func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// OnDrop installs a callback invoked (on the publisher's goroutine) for
// every event a subscriber could not take.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscription is one observer's queue.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	id      uint64
	bus     *Bus
	once    sync.Once
	dropped atomic.Uint64
}

// Subscribe registers a new observer with the given buffer size (0 means
// DefaultBuffer). The subscription's channel is closed by Close or when
// the bus is closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		s.once.Do(func() { close(s.ch) })
	}
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Publish delivers e to every subscriber without blocking. A zero Time is
// set to now.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}

// Dropped returns the number of undelivered events across subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// Consume calls fn for each event on sub until the channel closes or ctx
// is done.
func Consume(ctx context.Context, sub *Subscription, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			fn(e)
		}
	}
}

// Multi publishes to several sinks in order.
type Multi []Sink

// Publish forwards e to each sink.
func (m Multi) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}
