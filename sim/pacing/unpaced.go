package pacing

import (
	"sync/atomic"
	"time"
)

// Unpaced runs events as fast as possible. WaitUntil never blocks.
type Unpaced struct {
	current atomic.Int64
	cond    *Condition
}

// NewUnpaced creates an Unpaced synchronizer.
func NewUnpaced() *Unpaced {
	return &Unpaced{cond: NewCondition()}
}

// Realtime returns false.
func (u *Unpaced) Realtime() bool { return false }

// SetOrigin records the virtual time the run restarts from.
func (u *Unpaced) SetOrigin(virtual time.Duration) {
	u.current.Store(int64(virtual))
}

// CurrentRealtime returns the last requested virtual time.
func (u *Unpaced) CurrentRealtime() time.Duration {
	return time.Duration(u.current.Load())
}

// WaitUntil returns Reached immediately.
func (u *Unpaced) WaitUntil(target time.Duration) WaitResult {
	u.current.Store(int64(target))
	return Reached
}

// EventStart does nothing.
func (u *Unpaced) EventStart() {}

// EventEnd returns zero; callback cost is not tracked without pacing.
func (u *Unpaced) EventEnd() time.Duration { return 0 }

// Drift is always zero.
func (u *Unpaced) Drift(time.Duration) time.Duration { return 0 }

// Signal wakes nobody; nothing ever blocks.
func (u *Unpaced) Signal() { u.cond.Signal() }

// SetCondition sets the flag. Unpaced waits ignore it.
func (u *Unpaced) SetCondition(cond bool) { u.cond.Set(cond) }

// Condition returns the interrupt cell.
func (u *Unpaced) Condition() *Condition { return u.cond }
