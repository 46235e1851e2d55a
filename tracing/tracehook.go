package tracing

import (
	"sync"
	"time"

	"github.com/sarchlab/simkernel/sim/hooking"
	"github.com/sarchlab/simkernel/sim/pacing"
	"github.com/sarchlab/simkernel/sim/timing"
)

// CollectTrace lets the tracer collect dispatches from a scheduler. The
// returned hook can be passed to RemoveHook to stop tracing.
func CollectTrace(s *timing.Scheduler, tracer Tracer) hooking.Hook {
	h := &traceHook{
		t:            tracer,
		synchronizer: s.Synchronizer(),
		start:        time.Now(),
	}
	s.AcceptHook(h)

	return h
}

// A traceHook turns dispatch hook calls into Dispatch records.
type traceHook struct {
	t            Tracer
	synchronizer pacing.Synchronizer
	start        time.Time

	lock    sync.Mutex
	pending Dispatch
}

// Func calls the tracer when the hook is triggered.
func (h *traceHook) Func(ctx hooking.HookCtx) {
	info, ok := ctx.Item.(timing.EventInfo)
	if !ok {
		return
	}

	switch ctx.Pos {
	case timing.HookPosBeforeEvent:
		h.lock.Lock()
		h.pending = Dispatch{
			Seq:         info.Seq,
			VirtualTime: info.Time,
			WallOffset:  time.Since(h.start),
			Drift:       h.synchronizer.Drift(info.Time),
		}
		h.lock.Unlock()
	case timing.HookPosAfterEvent:
		h.lock.Lock()
		d := h.pending
		h.lock.Unlock()

		if d.Seq != info.Seq {
			return
		}

		if detail, ok := ctx.Detail.(timing.DispatchDetail); ok {
			d.Spent = detail.Spent
			d.Failed = detail.Err != nil
		}

		h.t.TraceDispatch(d)
	}
}
