package signaling

import (
	"sync"
	"sync/atomic"

	"github.com/mishazen13/gptmessenger/internal/protocol"
)

// eventQueue is a count-bounded FIFO of outbound events.
//
// It decouples producers (presence broadcasts, call relay) from the WebSocket
// writer so a slow client never blocks anyone else. When the bound is hit the
// newest event is dropped; presence rebroadcasts make drops self-healing, and
// call events are bounded by the lifecycle so in practice they never queue
// deep.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxEvents int
	events    []protocol.Event

	drops  atomic.Uint64
	onDrop func()
}

func newEventQueue(maxEvents int) *eventQueue {
	q := &eventQueue{maxEvents: maxEvents}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// SetOnDrop registers a callback invoked (under no lock) each time an event
// is rejected. Must be set before the queue receives traffic.
func (q *eventQueue) SetOnDrop(fn func()) {
	q.onDrop = fn
}

func (q *eventQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends ev if the queue has room. It never blocks.
func (q *eventQueue) Enqueue(ev protocol.Event) bool {
	q.mu.Lock()
	if q.closed || len(q.events) >= q.maxEvents {
		q.mu.Unlock()
		q.drops.Add(1)
		if q.onDrop != nil {
			q.onDrop()
		}
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return true
}

// Dequeue blocks until an event is available or the queue is closed and
// drained.
func (q *eventQueue) Dequeue() (protocol.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.events) == 0 {
		return protocol.Event{}, false
	}
	ev := q.events[0]
	copy(q.events, q.events[1:])
	q.events = q.events[:len(q.events)-1]
	return ev, true
}

func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
