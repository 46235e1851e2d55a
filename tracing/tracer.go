// Package tracing records how each event dispatch went: when it ran on the
// wall clock, how late it was, and how long its callback took.
package tracing

import "time"

// A Dispatch describes one executed event.
type Dispatch struct {
	Seq         uint64
	VirtualTime time.Duration

	// WallOffset is the wall-clock time since tracing started.
	WallOffset time.Duration

	// Drift is how far real time was ahead of the event's virtual time when
	// the callback started. It is zero for unpaced runs.
	Drift time.Duration

	// Spent is the wall-clock time spent in the callback.
	Spent time.Duration

	Failed bool
}

// A Tracer receives dispatches.
type Tracer interface {
	TraceDispatch(d Dispatch)
}
