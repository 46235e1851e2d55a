package timing

import "sync"

// A Ticker is an object that updates states with ticks. Tick returns true if
// it made progress and wants to be ticked again.
type Ticker interface {
	Tick() bool
}

// TickScheduler drives a Ticker at a fixed period, keeping at most one tick
// pending. Ticks are aligned to multiples of the period.
type TickScheduler struct {
	lock      sync.Mutex
	ticker    Ticker
	Period    VTime
	Scheduler EventScheduler

	nextTickTime VTime
	pending      EventHandle
}

// NewTickScheduler creates a scheduler for tick events.
func NewTickScheduler(
	ticker Ticker,
	scheduler EventScheduler,
	period VTime,
) *TickScheduler {
	if period <= 0 {
		panic("tick period must be positive")
	}

	t := new(TickScheduler)

	t.ticker = ticker
	t.Scheduler = scheduler
	t.Period = period
	t.nextTickTime = -1 // This will make sure the first tick is scheduled

	return t
}

// TickNow schedules a tick at the current time, or at the next tick boundary
// if now is not on one.
func (t *TickScheduler) TickNow() error {
	return t.tickAt(t.thisTick(t.Scheduler.Now()))
}

// TickLater schedules a tick at the boundary after the current time.
func (t *TickScheduler) TickLater() error {
	return t.tickAt(t.nextTick(t.Scheduler.Now()))
}

// Stop cancels the pending tick, if any.
func (t *TickScheduler) Stop() {
	t.lock.Lock()
	pending := t.pending
	t.pending = EventHandle{}
	t.nextTickTime = -1
	t.lock.Unlock()

	t.Scheduler.Cancel(pending)
}

func (t *TickScheduler) tickAt(time VTime) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.nextTickTime >= time && !t.pending.IsExpired() {
		return nil
	}

	h, err := t.Scheduler.ScheduleAt(time, t.tick)
	if err != nil {
		return err
	}

	t.nextTickTime = time
	t.pending = h

	return nil
}

func (t *TickScheduler) tick() error {
	if !t.ticker.Tick() {
		return nil
	}

	return t.TickLater()
}

func (t *TickScheduler) thisTick(now VTime) VTime {
	if now%t.Period == 0 {
		return now
	}

	return t.nextTick(now)
}

func (t *TickScheduler) nextTick(now VTime) VTime {
	return (now/t.Period + 1) * t.Period
}
