package timing

import (
	"github.com/rs/zerolog"

	"github.com/sarchlab/simkernel/sim/hooking"
)

// EventLogger is a hook that logs every dispatched event at debug level.
type EventLogger struct {
	logger zerolog.Logger
}

// NewEventLogger returns a new EventLogger which will write into the logger.
func NewEventLogger(logger zerolog.Logger) *EventLogger {
	h := new(EventLogger)

	h.logger = logger

	return h
}

// Func writes the event information into the logger.
func (h *EventLogger) Func(ctx hooking.HookCtx) {
	if ctx.Pos != HookPosAfterEvent {
		return
	}

	evt, ok := ctx.Item.(EventInfo)
	if !ok {
		return
	}

	entry := h.logger.Debug().
		Dur("virtual_time", evt.Time).
		Uint64("seq", evt.Seq)

	if detail, ok := ctx.Detail.(DispatchDetail); ok {
		entry = entry.Dur("spent", detail.Spent)
		if detail.Err != nil {
			entry = entry.AnErr("callback_err", detail.Err)
		}
	}

	entry.Msg("event dispatched")
}
