package timing

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sarchlab/simkernel/sim/hooking"
	"github.com/sarchlab/simkernel/sim/id"
	"github.com/sarchlab/simkernel/sim/pacing"
)

// noWait marks that the dispatch goroutine is not blocked in a wait.
const noWait = -1

// A Scheduler orders callbacks by virtual time and dispatches them one after
// another on the goroutine that calls Run.
//
// Schedule and Cancel may be called from any goroutine, including from
// within callbacks. When a producer outside the dispatch goroutine inserts an
// event earlier than the one the loop is waiting for, the wait is
// interrupted and the loop picks the new event first.
type Scheduler struct {
	hooking.HookableBase

	// queueLock guards the queue, the at-exit list, advancing now, and the
	// running and destroyRequested flags.
	queueLock        sync.Mutex
	queue            *eventQueue
	atExit           []*event
	running          bool
	destroyRequested bool
	now           atomic.Int64
	destroyed     atomic.Bool
	seqGen        id.Generator
	executedCount atomic.Uint64

	synchronizer pacing.Synchronizer
	hardLimit    VTime
	logger       zerolog.Logger

	waitingFor     atomic.Int64
	stopRequested  atomic.Bool
	pauseRequested atomic.Bool

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex
	resumed      atomic.Bool

	singleRunLock sync.Mutex
}

// NewScheduler creates an unpaced Scheduler with default settings.
func NewScheduler() *Scheduler {
	return MakeBuilder().Build()
}

// Synchronizer returns the pacing strategy of the scheduler.
func (s *Scheduler) Synchronizer() pacing.Synchronizer {
	return s.synchronizer
}

// Now returns the time of the event being executed, or of the last executed
// event when idle.
func (s *Scheduler) Now() VTime {
	return VTime(s.now.Load())
}

// RealtimeNow returns the wall-clock time elapsed since the origin, projected
// onto the virtual timeline. Without real-time pacing it equals Now.
func (s *Scheduler) RealtimeNow() VTime {
	if !s.synchronizer.Realtime() {
		return s.Now()
	}

	return s.synchronizer.CurrentRealtime()
}

// Schedule runs cb after delay, relative to Now.
func (s *Scheduler) Schedule(delay VTime, cb Callback) (EventHandle, error) {
	if delay < 0 {
		return EventHandle{}, fmt.Errorf(
			"%w: negative delay %v", ErrInvalidSchedule, delay)
	}

	return s.insert(cb, func(now VTime) (VTime, error) {
		return addDelay(now, delay)
	})
}

// ScheduleNow runs cb at the current time, after the events already
// scheduled for it.
func (s *Scheduler) ScheduleNow(cb Callback) (EventHandle, error) {
	return s.Schedule(0, cb)
}

// ScheduleAt runs cb at the absolute virtual time t, which must not be
// earlier than Now.
func (s *Scheduler) ScheduleAt(t VTime, cb Callback) (EventHandle, error) {
	return s.insert(cb, func(now VTime) (VTime, error) {
		if t < now {
			return 0, fmt.Errorf("%w: time %v is before now %v",
				ErrInvalidSchedule, t, now)
		}

		return t, nil
	})
}

// ScheduleRealtime runs cb after delay, relative to RealtimeNow (but never
// before Now). It is meant for producers reacting to outside input, such as
// a packet arriving on a socket, while a paced run is in progress.
func (s *Scheduler) ScheduleRealtime(
	delay VTime,
	cb Callback,
) (EventHandle, error) {
	if delay < 0 {
		return EventHandle{}, fmt.Errorf(
			"%w: negative delay %v", ErrInvalidSchedule, delay)
	}

	realNow := s.RealtimeNow()

	return s.insert(cb, func(now VTime) (VTime, error) {
		return addDelay(max(now, realNow), delay)
	})
}

// ScheduleRealtimeNow is ScheduleRealtime with no delay.
func (s *Scheduler) ScheduleRealtimeNow(cb Callback) (EventHandle, error) {
	return s.ScheduleRealtime(0, cb)
}

// ScheduleDestroy registers cb to run when Destroy is called. At-exit
// callbacks run in registration order.
func (s *Scheduler) ScheduleDestroy(cb Callback) (EventHandle, error) {
	if cb == nil {
		return EventHandle{}, fmt.Errorf("%w: nil callback", ErrInvalidSchedule)
	}

	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	if s.destroyed.Load() {
		return EventHandle{}, ErrDestroyed
	}

	evt := s.newEvent(s.Now(), cb)
	evt.atExit = true
	s.atExit = append(s.atExit, evt)

	return EventHandle{evt: evt}, nil
}

func addDelay(base, delay VTime) (VTime, error) {
	if delay > MaxVTime-base {
		return 0, fmt.Errorf("%w: %v after %v overflows",
			ErrInvalidSchedule, delay, base)
	}

	return base + delay, nil
}

func (s *Scheduler) newEvent(t VTime, cb Callback) *event {
	evt := &event{
		time:     t,
		seq:      s.seqGen.Generate(),
		callback: cb,
		owner:    s,
	}

	return evt
}

// insert resolves the event time against now under the same lock that
// advances now, so a concurrent dispatch can never overtake it.
func (s *Scheduler) insert(
	cb Callback,
	resolve func(now VTime) (VTime, error),
) (EventHandle, error) {
	if cb == nil {
		return EventHandle{}, fmt.Errorf("%w: nil callback", ErrInvalidSchedule)
	}

	s.queueLock.Lock()

	if s.destroyed.Load() {
		s.queueLock.Unlock()
		return EventHandle{}, ErrDestroyed
	}

	t, err := resolve(s.Now())
	if err != nil {
		s.queueLock.Unlock()
		return EventHandle{}, err
	}

	evt := s.newEvent(t, cb)
	s.queue.Push(evt)

	s.queueLock.Unlock()

	s.interruptIfEarlier(t)

	return EventHandle{evt: evt}, nil
}

func (s *Scheduler) interruptIfEarlier(t VTime) {
	waiting := s.waitingFor.Load()
	if waiting == noWait || int64(t) >= waiting {
		return
	}

	s.synchronizer.SetCondition(true)
	s.synchronizer.Signal()
}

// Cancel prevents the event behind h from running. Cancelling an expired or
// already cancelled event is a no-op.
func (s *Scheduler) Cancel(h EventHandle) {
	evt := h.evt
	if evt == nil || evt.owner != s {
		return
	}

	s.queueLock.Lock()
	if !evt.state.CompareAndSwap(statePending, stateCancelled) {
		s.queueLock.Unlock()
		return
	}

	evt.callback = nil
	if !evt.atExit {
		s.queue.Cancelled()
	}
	s.queueLock.Unlock()

	if s.waitingFor.Load() == int64(evt.time) {
		s.synchronizer.SetCondition(true)
		s.synchronizer.Signal()
	}
}

// IsExpired reports whether the event behind h can no longer run.
func (s *Scheduler) IsExpired(h EventHandle) bool {
	return h.IsExpired()
}

// DelayLeft returns the virtual time remaining before the event behind h
// runs, or zero if it is expired.
func (s *Scheduler) DelayLeft(h EventHandle) VTime {
	if h.IsExpired() || h.evt.atExit {
		return 0
	}

	return max(h.evt.time-s.Now(), 0)
}

// PendingEvents returns the number of events that are still going to run.
func (s *Scheduler) PendingEvents() int {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	return s.queue.Len()
}

// NextEventTime returns the time of the earliest pending event.
func (s *Scheduler) NextEventTime() (VTime, bool) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	evt := s.queue.Peek()
	if evt == nil {
		return 0, false
	}

	return evt.time, true
}

// EventCount returns the number of callbacks executed so far.
func (s *Scheduler) EventCount() uint64 {
	return s.executedCount.Load()
}

// IsFinished reports whether there is nothing left to run or a stop has been
// requested.
func (s *Scheduler) IsFinished() bool {
	return s.PendingEvents() == 0 || s.stopRequested.Load()
}

// Stop makes the running loop return after the current callback. Pending
// events stay scheduled. It may be called from any goroutine. A Stop issued
// while no loop is running is kept, and the next Run returns at once without
// dispatching.
func (s *Scheduler) Stop() {
	s.stopRequested.Store(true)
	s.synchronizer.Condition().Interrupt()
}

// Run dispatches events until none are left or Stop is called.
func (s *Scheduler) Run() error {
	return s.run(func(VTime) bool { return true })
}

// RunUntil dispatches events scheduled no later than stopTime. Later events
// stay scheduled.
func (s *Scheduler) RunUntil(stopTime VTime) error {
	return s.run(func(t VTime) bool { return t <= stopTime })
}

// RunWhile dispatches events as long as cond returns true. cond is evaluated
// before each event.
func (s *Scheduler) RunWhile(cond func() bool) error {
	return s.run(func(VTime) bool { return cond() })
}

func (s *Scheduler) run(admit func(next VTime) bool) error {
	s.singleRunLock.Lock()
	defer s.singleRunLock.Unlock()

	if !s.enterRun() {
		return ErrDestroyed
	}
	defer s.exitRun()

	s.synchronizer.SetOrigin(s.Now())

	s.logger.Debug().
		Dur("now", s.Now()).
		Int("pending", s.PendingEvents()).
		Bool("realtime", s.synchronizer.Realtime()).
		Msg("run started")

	for {
		if s.stopRequested.CompareAndSwap(true, false) {
			s.logger.Debug().Dur("now", s.Now()).Msg("run stopped")
			return nil
		}

		s.pauseLock.Lock()
		done, err := s.step(admit)
		s.pauseLock.Unlock()

		if s.pauseRequested.Load() {
			runtime.Gosched()
		}

		if err != nil {
			return err
		}

		if done {
			s.logger.Debug().
				Dur("now", s.Now()).
				Uint64("executed", s.EventCount()).
				Msg("run finished")

			return nil
		}
	}
}

func (s *Scheduler) step(admit func(next VTime) bool) (done bool, err error) {
	if s.resumed.CompareAndSwap(true, false) {
		s.synchronizer.SetOrigin(s.Now())
	}

	// Producers signal whenever they insert before waitingFor. Publishing
	// MaxVTime before peeking makes every insertion after the peek signal.
	s.waitingFor.Store(int64(MaxVTime))
	s.synchronizer.SetCondition(false)

	if s.stopRequested.Load() || s.pauseRequested.Load() {
		s.waitingFor.Store(noWait)
		return false, nil
	}

	next, ok := s.NextEventTime()
	if !ok || !admit(next) {
		s.waitingFor.Store(noWait)
		return true, nil
	}

	s.waitingFor.Store(int64(next))
	result := s.synchronizer.WaitUntil(next)
	s.waitingFor.Store(noWait)

	if result == pacing.Interrupted {
		return false, nil
	}

	if err := s.checkHardLimit(next); err != nil {
		return false, err
	}

	evt, cb := s.popDue(next)
	if evt == nil {
		return false, nil
	}

	return false, s.dispatch(evt, cb)
}

func (s *Scheduler) checkHardLimit(next VTime) error {
	if s.hardLimit <= 0 || !s.synchronizer.Realtime() {
		return nil
	}

	drift := s.synchronizer.Drift(next)
	if drift <= s.hardLimit {
		return nil
	}

	s.logger.Error().
		Dur("virtual_time", next).
		Dur("drift", drift).
		Dur("hard_limit", s.hardLimit).
		Msg("real-time hard limit exceeded")

	return fmt.Errorf("%w: drift %v at %v, limit %v",
		ErrHardLimitExceeded, drift, next, s.hardLimit)
}

// popDue removes the earliest pending event if it is due by limit, marks it
// executed and advances now to its time.
func (s *Scheduler) popDue(limit VTime) (*event, Callback) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	evt := s.queue.Peek()
	if evt == nil || evt.time > limit {
		return nil, nil
	}

	s.queue.Pop()
	evt.state.Store(stateExecuted)

	now := s.Now()
	if evt.time < now {
		panic(fmt.Sprintf(
			"timing: cannot run event in the past, evt #%d @ %v, now %v",
			evt.seq, evt.time, now))
	}

	s.now.Store(int64(evt.time))

	cb := evt.callback
	evt.callback = nil

	return evt, cb
}

func (s *Scheduler) dispatch(evt *event, cb Callback) error {
	hookCtx := hooking.HookCtx{
		Domain: s,
		Pos:    HookPosBeforeEvent,
		Item:   EventInfo{Time: evt.time, Seq: evt.seq},
	}
	s.InvokeHook(hookCtx)

	s.synchronizer.EventStart()
	err := invoke(evt, cb)
	spent := s.synchronizer.EventEnd()

	s.executedCount.Add(1)

	hookCtx.Pos = HookPosAfterEvent
	hookCtx.Detail = DispatchDetail{Spent: spent, Err: err}
	s.InvokeHook(hookCtx)

	if err != nil {
		s.logger.Error().
			Err(err).
			Dur("virtual_time", evt.time).
			Uint64("seq", evt.seq).
			Msg("callback failed")
	}

	return err
}

func invoke(evt *event, cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{
				Time:  evt.time,
				Seq:   evt.seq,
				Err:   fmt.Errorf("panic: %v", r),
				Panic: r,
			}
		}
	}()

	if cbErr := cb(); cbErr != nil {
		return &CallbackError{Time: evt.time, Seq: evt.seq, Err: cbErr}
	}

	return nil
}

// Pause prevents the Scheduler from dispatching more events until Continue
// is called. A blocked real-time wait is interrupted. Pause must not be
// called from a callback.
func (s *Scheduler) Pause() {
	s.isPausedLock.Lock()
	defer s.isPausedLock.Unlock()

	if s.isPaused {
		return
	}

	s.pauseRequested.Store(true)
	s.synchronizer.Condition().Interrupt()
	s.pauseLock.Lock()
	s.pauseRequested.Store(false)
	s.isPaused = true
}

// Continue allows the Scheduler to dispatch events again. Real-time pacing
// restarts from the current virtual time.
func (s *Scheduler) Continue() {
	s.isPausedLock.Lock()
	defer s.isPausedLock.Unlock()

	if !s.isPaused {
		return
	}

	s.resumed.Store(true)
	s.pauseLock.Unlock()
	s.isPaused = false
}

// IsPaused reports whether Pause is in effect.
func (s *Scheduler) IsPaused() bool {
	s.isPausedLock.Lock()
	defer s.isPausedLock.Unlock()

	return s.isPaused
}

// Destroy runs the at-exit callbacks, then discards every pending event. All
// outstanding handles become expired and further scheduling fails with
// ErrDestroyed. Destroy is idempotent and never blocks.
//
// If a loop is running, including when Destroy is called from one of its
// callbacks, Destroy only stops it. The loop then runs the at-exit callbacks
// and discards the queue after the current callback returns, before Run
// returns, so at-exit callbacks never overlap a dispatched one.
func (s *Scheduler) Destroy() {
	s.queueLock.Lock()
	if s.destroyRequested {
		s.queueLock.Unlock()
		return
	}

	s.destroyRequested = true
	running := s.running
	s.queueLock.Unlock()

	if running {
		s.Stop()
		s.Continue()

		return
	}

	s.Continue()
	s.teardown()
}

// enterRun marks a loop as running unless the scheduler is being destroyed.
func (s *Scheduler) enterRun() bool {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	if s.destroyRequested {
		return false
	}

	s.running = true

	return true
}

// exitRun clears the running mark and performs a teardown that Destroy left
// to the loop.
func (s *Scheduler) exitRun() {
	s.queueLock.Lock()
	s.running = false
	pending := s.destroyRequested
	s.queueLock.Unlock()

	if pending {
		s.teardown()
	}
}

func (s *Scheduler) teardown() {
	s.runAtExit()

	s.queueLock.Lock()
	s.destroyed.Store(true)

	discarded := 0
	for _, evt := range s.queue.Drain() {
		if evt.state.CompareAndSwap(statePending, stateCancelled) {
			discarded++
		}

		evt.callback = nil
	}
	s.queueLock.Unlock()

	s.logger.Debug().
		Dur("now", s.Now()).
		Int("discarded", discarded).
		Msg("scheduler destroyed")
}

func (s *Scheduler) runAtExit() {
	for {
		s.queueLock.Lock()
		if len(s.atExit) == 0 {
			s.queueLock.Unlock()
			return
		}

		evt := s.atExit[0]
		s.atExit[0] = nil
		s.atExit = s.atExit[1:]

		if !evt.state.CompareAndSwap(statePending, stateExecuted) {
			s.queueLock.Unlock()
			continue
		}

		cb := evt.callback
		evt.callback = nil
		s.queueLock.Unlock()

		err := invoke(evt, cb)
		if err != nil {
			s.logger.Error().
				Err(err).
				Uint64("seq", evt.seq).
				Msg("at-exit callback failed")
		}
	}
}
