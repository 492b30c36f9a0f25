// Package stream implements the bounded metrics event queue between the
// kernel and its observers: a non-blocking producer send that drops and
// counts on a full channel, with a timed pop on the consumer side.
package stream

import (
	"sync/atomic"
	"time"

	"github.com/smartcity/citysim/internal/simstate"
)

// EventType distinguishes a metrics publish from the sentinel the kernel
// emits once, on shutdown, so a blocked consumer can stop promptly.
type EventType string

const (
	EventMetrics  EventType = "metrics"
	EventShutdown EventType = "shutdown"
)

// Event is one entry in the metrics stream.
type Event struct {
	Type      EventType
	Tick      int64
	Subsystem string
	Metrics   simstate.MetricsSnapshot
}

// Stream is a bounded, single-consumer queue of Events. Publish never
// blocks: when full, the event is dropped and the drop is counted rather
// than applying backpressure to the publishing subsystem's tick.
type Stream struct {
	ch      chan Event
	dropped atomic.Uint64
}

// New creates a Stream with the given capacity. A non-positive capacity
// is treated as 1, since an unbuffered stream would turn Publish into a
// blocking rendezvous.
func New(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 1
	}
	return &Stream{ch: make(chan Event, capacity)}
}

// Publish attempts a non-blocking send. It returns false if the stream was
// full and the event was dropped.
func (s *Stream) Publish(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Next pops the next event, waiting up to timeout. ok is false on timeout.
func (s *Stream) Next(timeout time.Duration) (Event, bool) {
	if timeout <= 0 {
		select {
		case ev := <-s.ch:
			return ev, true
		default:
			return Event{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-s.ch:
		return ev, true
	case <-timer.C:
		return Event{}, false
	}
}

// Dropped returns the total number of events dropped for backpressure
// since the stream was created.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Len returns the number of events currently queued.
func (s *Stream) Len() int {
	return len(s.ch)
}
