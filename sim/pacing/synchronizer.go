// Package pacing decides how virtual time relates to wall-clock time.
//
// A dispatch loop asks its Synchronizer to wait until an event's virtual time
// is reachable. The Unpaced synchronizer returns at once, producing the
// fastest possible run. The Realtime synchronizer blocks until wall-clock
// time has caught up, and can be interrupted from other goroutines through
// its Condition when an earlier event shows up.
//
// All times are virtual-timeline offsets expressed as time.Duration, i.e.,
// integer nanoseconds since the simulation origin.
package pacing

import "time"

// WaitResult tells why WaitUntil returned.
type WaitResult int

const (
	// Reached means the requested virtual time is now due.
	Reached WaitResult = iota

	// Interrupted means the condition was set before the time was reached.
	// The caller must re-derive what to run next.
	Interrupted
)

func (r WaitResult) String() string {
	switch r {
	case Reached:
		return "Reached"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// A Synchronizer paces a dispatch loop. Exactly one synchronizer drives one
// loop. All methods except Signal, SetCondition, Condition and
// CurrentRealtime are only called from the dispatch goroutine.
type Synchronizer interface {
	// Realtime reports whether virtual time is tied to wall-clock time.
	Realtime() bool

	// SetOrigin maps the current wall-clock instant to the given virtual
	// time. Called before a run starts and whenever the run resumes.
	SetOrigin(virtual time.Duration)

	// CurrentRealtime returns wall-clock time since the origin, projected
	// onto the virtual timeline.
	CurrentRealtime() time.Duration

	// WaitUntil blocks until the virtual time target is due or the
	// condition is set.
	WaitUntil(target time.Duration) WaitResult

	// EventStart marks the beginning of a callback.
	EventStart()

	// EventEnd marks the end of a callback and returns the wall-clock time
	// spent inside it.
	EventEnd() time.Duration

	// Drift returns how far wall-clock time is ahead of the given virtual
	// time. Positive values mean the run is falling behind.
	Drift(virtual time.Duration) time.Duration

	// Signal wakes a goroutine blocked in WaitUntil so that it re-checks the
	// condition.
	Signal()

	// SetCondition sets or clears the interrupt flag paired with Signal.
	SetCondition(cond bool)

	// Condition exposes the shared cell used for cross-goroutine interrupts.
	Condition() *Condition
}
