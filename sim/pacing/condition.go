package pacing

import (
	"sync"
	"time"
)

// A Condition is the only coordination point between producers that insert
// events from other goroutines and the dispatch goroutine blocked in a wait.
// It pairs a boolean flag with a wake-up channel. The flag is always read and
// written under the lock, and waiters re-check it after every wake-up, so a
// stale or spurious wake-up never ends a wait early.
type Condition struct {
	lock sync.Mutex
	set  bool
	wake chan struct{}
}

// NewCondition creates a cleared Condition.
func NewCondition() *Condition {
	return &Condition{
		wake: make(chan struct{}, 1),
	}
}

// Set sets or clears the flag.
func (c *Condition) Set(v bool) {
	c.lock.Lock()
	c.set = v
	c.lock.Unlock()
}

// IsSet returns the flag.
func (c *Condition) IsSet() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.set
}

// Signal wakes a waiter, if any. It never blocks.
func (c *Condition) Signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Interrupt sets the flag and wakes the waiter.
func (c *Condition) Interrupt() {
	c.Set(true)
	c.Signal()
}

// WaitTimeout sleeps for d or until the flag is set. It returns true if the
// full duration elapsed and false if the flag ended the wait.
func (c *Condition) WaitTimeout(d time.Duration) bool {
	if c.IsSet() {
		return false
	}

	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return !c.IsSet()
		case <-c.wake:
			if c.IsSet() {
				return false
			}
		}
	}
}
