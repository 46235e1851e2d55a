// Package eventgc ties scheduled events to the lifetime of their owner.
//
// A component that schedules callbacks referring to its own state tracks the
// handles in a Collector and disposes the collector when it goes away. Every
// event still pending at that point is cancelled, so no callback fires
// against a torn-down owner.
package eventgc

import (
	"runtime"
	"sync"

	"github.com/sarchlab/simkernel/sim/timing"
)

const (
	initCleanupSize = 8
	maxCleanupStep  = 1024
)

// handleSet is kept apart from the Collector so that a cleanup attached to
// the Collector can still reach the handles after the Collector itself is
// unreachable.
type handleSet struct {
	lock        sync.Mutex
	handles     []timing.EventHandle
	nextCleanup int
	disposed    bool
}

// A Collector owns a set of event handles and cancels those still pending
// when disposed. Disposing happens exactly once, either through Dispose or,
// as a fallback, when the Collector becomes unreachable.
type Collector struct {
	set     *handleSet
	cleanup runtime.Cleanup
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	c := &Collector{
		set: &handleSet{nextCleanup: initCleanupSize},
	}

	c.cleanup = runtime.AddCleanup(c, func(set *handleSet) {
		set.dispose()
	}, c.set)

	return c
}

// Track takes ownership of h. Tracking on a disposed Collector cancels h
// immediately.
func (c *Collector) Track(h timing.EventHandle) {
	c.set.track(h)
}

// Schedule schedules cb on s and tracks the resulting handle.
func (c *Collector) Schedule(
	s timing.EventScheduler,
	delay timing.VTime,
	cb timing.Callback,
) (timing.EventHandle, error) {
	h, err := s.Schedule(delay, cb)
	if err != nil {
		return h, err
	}

	c.Track(h)

	return h, nil
}

// Len returns the number of handles held, expired ones included until the
// next cleanup.
func (c *Collector) Len() int {
	c.set.lock.Lock()
	defer c.set.lock.Unlock()

	return len(c.set.handles)
}

// IsDisposed reports whether Dispose has run.
func (c *Collector) IsDisposed() bool {
	c.set.lock.Lock()
	defer c.set.lock.Unlock()

	return c.set.disposed
}

// Dispose cancels every tracked event that has not run yet. It may be called
// from one of the callbacks it tracks; the running event is already expired
// and is left alone. Further calls are no-ops.
func (c *Collector) Dispose() {
	c.cleanup.Stop()
	c.set.dispose()
}

func (s *handleSet) track(h timing.EventHandle) {
	s.lock.Lock()

	if s.disposed {
		s.lock.Unlock()
		h.Cancel()

		return
	}

	s.handles = append(s.handles, h)
	if len(s.handles) >= s.nextCleanup {
		s.pruneExpired()
	}

	s.lock.Unlock()
}

// pruneExpired drops handles that can no longer fire and adapts the size at
// which the next prune happens.
func (s *handleSet) pruneExpired() {
	kept := s.handles[:0]
	for _, h := range s.handles {
		if !h.IsExpired() {
			kept = append(kept, h)
		}
	}

	clear(s.handles[len(kept):])
	s.handles = kept

	s.grow()
	s.shrink()
}

func (s *handleSet) grow() {
	for len(s.handles) >= s.nextCleanup {
		if s.nextCleanup < maxCleanupStep {
			s.nextCleanup *= 2
		} else {
			s.nextCleanup += maxCleanupStep
		}
	}
}

func (s *handleSet) shrink() {
	for s.nextCleanup > initCleanupSize {
		smaller := s.nextCleanup / 2
		if s.nextCleanup > maxCleanupStep {
			smaller = s.nextCleanup - maxCleanupStep
		}

		if len(s.handles) >= smaller/2 {
			return
		}

		s.nextCleanup = smaller
	}
}

func (s *handleSet) dispose() {
	s.lock.Lock()
	if s.disposed {
		s.lock.Unlock()
		return
	}

	handles := s.handles
	s.handles = nil
	s.disposed = true
	s.lock.Unlock()

	for _, h := range handles {
		if !h.IsExpired() {
			h.Cancel()
		}
	}
}
