package timing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchedule is returned when an event cannot be scheduled: the
	// delay is negative, the time is in the past or overflows, or the
	// callback is nil. Nothing is enqueued.
	ErrInvalidSchedule = errors.New("timing: invalid schedule")

	// ErrDestroyed is returned when the scheduler has been destroyed.
	ErrDestroyed = errors.New("timing: scheduler destroyed")

	// ErrHardLimitExceeded is returned by Run when a hard limit is set and
	// wall-clock time has run ahead of virtual time by more than the limit.
	ErrHardLimitExceeded = errors.New("timing: real-time hard limit exceeded")
)

// A CallbackError reports a failure escaping a dispatched callback. The
// failing event has already been removed; the remaining events are intact
// and Run can be called again.
type CallbackError struct {
	Time  VTime
	Seq   uint64
	Err   error
	Panic any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("timing: callback #%d @ %v panicked: %v",
			e.Seq, e.Time, e.Panic)
	}

	return fmt.Sprintf("timing: callback #%d @ %v failed: %v",
		e.Seq, e.Time, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
