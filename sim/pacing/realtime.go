package pacing

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultMinJiffy is the smallest sleep/spin crossover used. Go timers do
// not reliably wake up with a finer granularity.
const DefaultMinJiffy = time.Millisecond

// A Clock reads wall-clock time. Readings must carry a monotonic component.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RealtimeConfig configures a Realtime synchronizer.
type RealtimeConfig struct {
	// OriginOffset delays the wall-clock instant that maps to the virtual
	// origin. It only applies to the first SetOrigin call.
	OriginOffset time.Duration

	// ToleranceJiffies is how many jiffies an event may be dispatched late
	// before it is reported. Zero means one jiffy.
	ToleranceJiffies int

	// MinJiffy is the lower bound of the jiffy. Zero means DefaultMinJiffy.
	MinJiffy time.Duration

	// Rate is how much virtual time passes per unit of wall-clock time.
	// Zero means 1.
	Rate float64

	// Clock overrides the system clock.
	Clock Clock

	Logger zerolog.Logger
}

// DefaultRealtimeConfig returns the configuration for 1:1 pacing.
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		ToleranceJiffies: 2,
		MinJiffy:         DefaultMinJiffy,
		Rate:             1,
		Logger:           zerolog.Nop(),
	}
}

// RealtimeStats summarizes how well a run kept pace.
type RealtimeStats struct {
	Jiffy        time.Duration `json:"jiffy"`
	Tolerance    time.Duration `json:"tolerance"`
	Waits        uint64        `json:"waits"`
	Interrupts   uint64        `json:"interrupts"`
	LateEvents   uint64        `json:"late_events"`
	MaxDrift     time.Duration `json:"max_drift"`
	CallbackTime time.Duration `json:"callback_time"`
}

// Realtime blocks the dispatch goroutine until wall-clock time catches up
// with virtual time. Long waits sleep until one jiffy before the target and
// spin for the rest, absorbing timer wake-up jitter without overshooting.
type Realtime struct {
	clock  Clock
	cond   *Condition
	logger zerolog.Logger
	warn   rate.Sometimes

	jiffy        time.Duration
	spinWindow   time.Duration
	tolerance    time.Duration
	rate         float64
	originOffset time.Duration

	originLock    sync.RWMutex
	originReal    time.Time
	originVirtual time.Duration
	originSet     bool

	eventStart time.Time

	waits        atomic.Uint64
	interrupts   atomic.Uint64
	lateEvents   atomic.Uint64
	maxDrift     atomic.Int64
	callbackTime atomic.Int64
}

// NewRealtime creates a Realtime synchronizer. It fails with
// ErrClockUnavailable if the clock resolution cannot be determined.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	resolution, err := clockResolution()
	if err != nil {
		return nil, err
	}

	if cfg.MinJiffy <= 0 {
		cfg.MinJiffy = DefaultMinJiffy
	}

	if cfg.ToleranceJiffies <= 0 {
		cfg.ToleranceJiffies = 1
	}

	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}

	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}

	jiffy := max(resolution, cfg.MinJiffy)
	spinWindow := time.Duration(float64(jiffy) * cfg.Rate)

	r := &Realtime{
		clock:        cfg.Clock,
		cond:         NewCondition(),
		logger:       cfg.Logger,
		warn:         rate.Sometimes{Interval: time.Second},
		jiffy:        jiffy,
		spinWindow:   spinWindow,
		tolerance:    time.Duration(cfg.ToleranceJiffies) * spinWindow,
		rate:         cfg.Rate,
		originOffset: cfg.OriginOffset,
	}
	r.originReal = r.clock.Now()

	return r, nil
}

// Realtime returns true.
func (r *Realtime) Realtime() bool { return true }

// Jiffy returns the wall-clock sleep/spin crossover.
func (r *Realtime) Jiffy() time.Duration { return r.jiffy }

// Tolerance returns the lateness, in virtual time, that is still considered
// on time.
func (r *Realtime) Tolerance() time.Duration { return r.tolerance }

// SetOrigin maps now (plus the origin offset, the first time) to the given
// virtual time.
func (r *Realtime) SetOrigin(virtual time.Duration) {
	r.originLock.Lock()
	defer r.originLock.Unlock()

	r.originReal = r.clock.Now()
	if !r.originSet {
		r.originReal = r.originReal.Add(r.originOffset)
		r.originSet = true
	}

	r.originVirtual = virtual
}

// CurrentRealtime returns the normalized wall-clock time. It may be called
// from any goroutine.
func (r *Realtime) CurrentRealtime() time.Duration {
	return r.normalizedRealtime()
}

func (r *Realtime) normalizedRealtime() time.Duration {
	now := r.clock.Now()

	r.originLock.RLock()
	origin, virtual := r.originReal, r.originVirtual
	r.originLock.RUnlock()

	elapsed := now.Sub(origin)
	if r.rate != 1 {
		elapsed = time.Duration(float64(elapsed) * r.rate)
	}

	return virtual + elapsed
}

// WaitUntil blocks until the normalized real time reaches target. It returns
// Interrupted as soon as the condition is observed set.
//
// The delay is measured against the origin, not against the previous event,
// so time spent in slow callbacks is already subtracted: a run that fell
// behind dispatches without waiting until it is back on schedule.
func (r *Realtime) WaitUntil(target time.Duration) WaitResult {
	r.waits.Add(1)

	now := r.normalizedRealtime()
	if target <= now {
		r.reach(target, now)
		return Reached
	}

	delay := target - now
	if delay > r.spinWindow {
		if !r.sleepWait(delay - r.spinWindow) {
			r.interrupts.Add(1)
			return Interrupted
		}
	}

	if !r.spinWait(target) {
		r.interrupts.Add(1)
		return Interrupted
	}

	r.reach(target, r.normalizedRealtime())

	return Reached
}

func (r *Realtime) sleepWait(d time.Duration) bool {
	wallClock := d
	if r.rate != 1 {
		wallClock = time.Duration(float64(d) / r.rate)
	}

	return r.cond.WaitTimeout(wallClock)
}

func (r *Realtime) spinWait(target time.Duration) bool {
	for {
		if r.cond.IsSet() {
			return false
		}

		if r.normalizedRealtime() >= target {
			return true
		}

		runtime.Gosched()
	}
}

func (r *Realtime) reach(target, now time.Duration) {
	drift := now - target
	r.recordMaxDrift(drift)

	if drift <= r.tolerance {
		return
	}

	r.lateEvents.Add(1)
	r.warn.Do(func() {
		r.logger.Warn().
			Dur("virtual_time", target).
			Dur("drift", drift).
			Dur("tolerance", r.tolerance).
			Msg("dispatch is falling behind real time")
	})
}

func (r *Realtime) recordMaxDrift(drift time.Duration) {
	for {
		old := r.maxDrift.Load()
		if int64(drift) <= old {
			return
		}

		if r.maxDrift.CompareAndSwap(old, int64(drift)) {
			return
		}
	}
}

// EventStart records when a callback starts. Callback time only feeds
// Stats; pacing already accounts for it through the origin.
func (r *Realtime) EventStart() {
	r.eventStart = r.clock.Now()
}

// EventEnd returns the wall-clock time spent in the callback.
func (r *Realtime) EventEnd() time.Duration {
	spent := r.clock.Now().Sub(r.eventStart)
	r.callbackTime.Add(int64(spent))

	return spent
}

// Drift returns the normalized real time minus the given virtual time.
func (r *Realtime) Drift(virtual time.Duration) time.Duration {
	return r.normalizedRealtime() - virtual
}

// Signal wakes the dispatch goroutine if it is sleeping.
func (r *Realtime) Signal() { r.cond.Signal() }

// SetCondition sets or clears the interrupt flag.
func (r *Realtime) SetCondition(cond bool) { r.cond.Set(cond) }

// Condition returns the interrupt cell.
func (r *Realtime) Condition() *Condition { return r.cond }

// Stats returns pacing statistics collected so far.
func (r *Realtime) Stats() RealtimeStats {
	return RealtimeStats{
		Jiffy:        r.jiffy,
		Tolerance:    r.tolerance,
		Waits:        r.waits.Load(),
		Interrupts:   r.interrupts.Load(),
		LateEvents:   r.lateEvents.Load(),
		MaxDrift:     time.Duration(r.maxDrift.Load()),
		CallbackTime: time.Duration(r.callbackTime.Load()),
	}
}
