package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sarchlab/simkernel/sim/eventgc"
	"github.com/sarchlab/simkernel/sim/timing"
)

type workloadOptions struct {
	Agents int
	Ticks  int
	Period timing.VTime
}

// An agent ticks a fixed number of times. Every tick arms a report two
// periods later; reports still pending when the agent finishes are
// cancelled with its collector.
type agent struct {
	Name     string
	Ticks    int
	MaxTicks int
	Reports  int
	Done     bool

	scheduler *timing.Scheduler
	ticker    *timing.TickScheduler
	reports   *eventgc.Collector
}

func (a *agent) Tick() bool {
	a.Ticks++

	if a.Ticks >= a.MaxTicks {
		a.Done = true
		a.reports.Dispose()

		return false
	}

	_, err := a.reports.Schedule(a.scheduler, 2*a.ticker.Period, a.report)
	if err != nil {
		panic(err)
	}

	return true
}

func (a *agent) report() error {
	a.Reports++
	return nil
}

type workload struct {
	scheduler *timing.Scheduler
	agents    []*agent
	injected  atomic.Int64
}

func newWorkload(s *timing.Scheduler, opts workloadOptions) (*workload, error) {
	if opts.Agents <= 0 || opts.Ticks <= 0 || opts.Period <= 0 {
		return nil, errors.New("agents, ticks and period must be positive")
	}

	w := &workload{scheduler: s}

	for i := range opts.Agents {
		a := &agent{
			Name:      fmt.Sprintf("Agent[%d]", i),
			MaxTicks:  opts.Ticks,
			scheduler: s,
			reports:   eventgc.NewCollector(),
		}
		a.ticker = timing.NewTickScheduler(a, s, opts.Period)

		if err := a.ticker.TickNow(); err != nil {
			return nil, err
		}

		w.agents = append(w.agents, a)
	}

	return w, nil
}

// inject schedules an event at the current wall-clock position every
// interval until ctx is done, the way a network receiver would.
func (w *workload) inject(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := w.scheduler.ScheduleRealtimeNow(func() error {
				w.injected.Add(1)
				return nil
			})
			if errors.Is(err, timing.ErrDestroyed) {
				return
			}
		}
	}
}

func (w *workload) totalTicks() int {
	n := 0
	for _, a := range w.agents {
		n += a.Ticks
	}

	return n
}

func (w *workload) totalReports() int {
	n := 0
	for _, a := range w.agents {
		n += a.Reports
	}

	return n
}
