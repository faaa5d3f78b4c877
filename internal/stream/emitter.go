package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the emitter queue depth. Deep enough that a responsive
// consumer never drops; shallow enough that a stalled one cannot pin memory.
const DefaultBuffer = 256

// Emitter is a single-producer, single-consumer bounded event queue.
// The orchestration machine produces in emission order; the transport
// consumes. A stalled or departed consumer degrades delivery of progress
// events (they are dropped), never pipeline progress: Emit does not block
// for tokens and stage events. Terminal done/error events are the
// exception: a connected consumer always receives its terminal event, so
// Emit waits for queue space on those until Cancel.
type Emitter struct {
	ch       chan Event
	done     chan struct{}
	sendOnce sync.Once
	doneOnce sync.Once
	dropped  atomic.Int64
}

// NewEmitter creates an Emitter with the given buffer depth (DefaultBuffer
// when <= 0).
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Emit enqueues an event. Returns false when the event was dropped because
// the consumer is gone or the queue is full. Terminal done/error events are
// never dropped on a full queue; Emit blocks until the consumer drains or
// cancels.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.done:
		return false
	default:
	}

	if ev.Kind == KindDone || ev.Kind == KindError {
		select {
		case e.ch <- ev:
			return true
		case <-e.done:
			return false
		}
	}

	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	default:
		n := e.dropped.Add(1)
		slog.Debug("event dropped: consumer not keeping up", "kind", ev.Kind, "total_dropped", n)
		return false
	}
}

// CloseSend signals that no further events will be produced. Producer side only.
func (e *Emitter) CloseSend() {
	e.sendOnce.Do(func() { close(e.ch) })
}

// Cancel tells the producer the consumer is gone (client disconnect).
// Subsequent Emit calls drop immediately; the producer's run continues.
func (e *Emitter) Cancel() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Events is the consumer side of the queue. The channel closes after
// CloseSend once the buffer drains.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Dropped reports how many events were discarded.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}
