package timing

import "container/heap"

const compactThreshold = 64

// eventQueue orders pending events by (time, seq). Cancelled events stay in
// the heap until they reach the front, unless they pile up, in which case the
// heap is rebuilt without them. eventQueue is not safe for concurrent use;
// the Scheduler guards it.
type eventQueue struct {
	events eventHeap
	live   int
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.events = make([]*event, 0)
	heap.Init(&q.events)

	return q
}

// Push adds an event to the event queue.
func (q *eventQueue) Push(evt *event) {
	heap.Push(&q.events, evt)
	q.live++
}

// Peek returns the earliest pending event without removing it, discarding
// cancelled events found at the front.
func (q *eventQueue) Peek() *event {
	for q.events.Len() > 0 {
		evt := q.events[0]
		if evt.isPending() {
			return evt
		}

		heap.Pop(&q.events)
	}

	return nil
}

// Pop removes and returns the earliest pending event.
func (q *eventQueue) Pop() *event {
	evt := q.Peek()
	if evt == nil {
		return nil
	}

	heap.Pop(&q.events)
	q.live--

	return evt
}

// Len returns the number of pending events.
func (q *eventQueue) Len() int {
	return q.live
}

// Size returns the number of entries in the heap, cancelled ones included.
func (q *eventQueue) Size() int {
	return q.events.Len()
}

// Cancelled accounts for an event in the queue that was just cancelled.
func (q *eventQueue) Cancelled() {
	q.live--

	dead := q.events.Len() - q.live
	if dead > compactThreshold && dead > q.live {
		q.compact()
	}
}

func (q *eventQueue) compact() {
	kept := make(eventHeap, 0, q.live)
	for _, evt := range q.events {
		if evt.isPending() {
			kept = append(kept, evt)
		}
	}

	clear(q.events)
	q.events = kept
	heap.Init(&q.events)
}

// Drain empties the queue and returns every entry.
func (q *eventQueue) Drain() []*event {
	all := q.events
	q.events = make([]*event, 0)
	q.live = 0

	return all
}

type eventHeap []*event

// Len returns the length of the event queue.
func (h eventHeap) Len() int {
	return len(h)
}

// Less determines the order between two events. Less returns true if the i-th
// event happens before the j-th event.
func (h eventHeap) Less(i, j int) bool {
	return h[i].before(h[j])
}

// Swap changes the position of two events in the event queue.
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

// Push adds an event into the event queue.
func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

// Pop removes and returns the next event to happen.
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	evt := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return evt
}
