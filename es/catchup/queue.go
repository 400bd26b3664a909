package catchup

import (
	"sync"

	"github.com/getpup/puplink/es"
)

// WorkQueue hands events to workers in event number order and tracks how
// many are being processed.
type WorkQueue struct {
	events   []es.LinkedEvent
	next     int
	inFlight int
	mu       sync.Mutex
}

// NewWorkQueue returns an empty queue.
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{}
}

// Push appends events.
func (q *WorkQueue) Push(events ...es.LinkedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events[q.next:], events...)
	q.next = 0
}

// Pop takes the next event. Every successful Pop must be followed by Done.
func (q *WorkQueue) Pop() (es.LinkedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.events) {
		return es.LinkedEvent{}, false
	}
	event := q.events[q.next]
	q.events[q.next] = es.LinkedEvent{}
	q.next++
	q.inFlight++
	return event, true
}

// Done marks a popped event as handled.
func (q *WorkQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
}

// Len returns the number of events not popped yet.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) - q.next
}

// InFlight returns the number of popped events not done yet.
func (q *WorkQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Watermark computes the highest event number up to which every tracked
// event is done, while events complete out of order.
type Watermark struct {
	pending map[int64]struct{}
	base    int64
	highest int64
	mu      sync.Mutex
}

// NewWatermark starts at base, the event number already processed.
func NewWatermark(base int64) *Watermark {
	return &Watermark{
		pending: make(map[int64]struct{}),
		base:    base,
		highest: base,
	}
}

// Track registers eventNumber as pending.
func (w *Watermark) Track(eventNumber int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[eventNumber] = struct{}{}
	if eventNumber > w.highest {
		w.highest = eventNumber
	}
}

// Done marks eventNumber as handled.
func (w *Watermark) Done(eventNumber int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, eventNumber)
}

// Value returns the highest event number with nothing pending at or below it.
func (w *Watermark) Value() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return w.highest
	}
	lowest := w.highest
	for n := range w.pending {
		if n < lowest {
			lowest = n
		}
	}
	if lowest-1 < w.base {
		return w.base
	}
	return lowest - 1
}
