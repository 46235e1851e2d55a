package timing

import "github.com/sarchlab/simkernel/sim/hooking"

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	Now() VTime
}

// EventScheduler can be used to schedule and cancel future callbacks.
type EventScheduler interface {
	TimeTeller

	Schedule(delay VTime, cb Callback) (EventHandle, error)
	ScheduleAt(t VTime, cb Callback) (EventHandle, error)
	Cancel(h EventHandle)
}

// An Engine is a unit that keeps the discrete event simulation run.
type Engine interface {
	hooking.Hookable
	EventScheduler

	// Run will process all the events until the simulation finishes.
	Run() error

	// RunUntil processes the events scheduled no later than stopTime.
	RunUntil(stopTime VTime) error

	// Stop makes a running loop return after the current event.
	Stop()

	// Pause will pause the simulation until continue is called.
	Pause()

	// Continue will continue the paused simulation.
	Continue()

	// Destroy discards every pending event.
	Destroy()
}

var _ Engine = (*Scheduler)(nil)
