// Package timing implements the virtual-time event scheduler.
//
// Callbacks are scheduled at a virtual time and dispatched one after another
// by a single goroutine running Scheduler.Run. Events with the same time run
// in the order they were scheduled, so two runs fed with the same schedule
// calls execute callbacks in the same order.
package timing

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/sarchlab/simkernel/sim/hooking"
)

// VTime is a point on, or a distance along, the virtual timeline, in
// nanoseconds since the simulation origin.
type VTime = time.Duration

// MaxVTime is the latest representable virtual time.
const MaxVTime = VTime(math.MaxInt64)

// A Callback is the work carried by an event. A non-nil error aborts the run
// that dispatched it.
type Callback func() error

// HookPosBeforeEvent is a hook position that triggers before handling an event.
var HookPosBeforeEvent = &hooking.HookPos{Name: "BeforeEvent"}

// HookPosAfterEvent is a hook position that triggers after handling an event.
var HookPosAfterEvent = &hooking.HookPos{Name: "AfterEvent"}

// EventInfo is the hook item describing the event being dispatched.
type EventInfo struct {
	Time VTime
	Seq  uint64
}

// DispatchDetail is the hook detail attached at HookPosAfterEvent.
type DispatchDetail struct {
	// Spent is the wall-clock time spent in the callback. It is zero when the
	// run is not paced.
	Spent time.Duration

	// Err is the failure the callback reported, if any.
	Err error
}

const (
	statePending uint32 = iota
	stateExecuted
	stateCancelled
)

type event struct {
	time     VTime
	seq      uint64
	callback Callback
	state    atomic.Uint32
	owner    *Scheduler
	atExit   bool
}

func (e *event) before(other *event) bool {
	if e.time != other.time {
		return e.time < other.time
	}

	return e.seq < other.seq
}

func (e *event) isPending() bool {
	return e.state.Load() == statePending
}

// An EventHandle identifies a scheduled event without owning it. Once the
// event has run, been cancelled, or its scheduler destroyed, the handle is
// expired and the callback is no longer reachable through it. The zero value
// is an expired handle.
//
// Handles are safe to inspect from any goroutine.
type EventHandle struct {
	evt *event
}

// IsExpired reports whether the event can no longer run.
func (h EventHandle) IsExpired() bool {
	return h.evt == nil || !h.evt.isPending()
}

// IsCancelled reports whether the event was cancelled before running.
func (h EventHandle) IsCancelled() bool {
	return h.evt != nil && h.evt.state.Load() == stateCancelled
}

// Cancel prevents the event from running. It is a no-op on expired handles.
func (h EventHandle) Cancel() {
	if h.evt == nil {
		return
	}

	h.evt.owner.Cancel(h)
}

// Time returns the virtual time the event is scheduled at.
func (h EventHandle) Time() VTime {
	if h.evt == nil {
		return 0
	}

	return h.evt.time
}

// Seq returns the insertion sequence number, or 0 for the zero handle.
func (h EventHandle) Seq() uint64 {
	if h.evt == nil {
		return 0
	}

	return h.evt.seq
}
