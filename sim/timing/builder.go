package timing

import (
	"github.com/rs/zerolog"

	"github.com/sarchlab/simkernel/sim/id"
	"github.com/sarchlab/simkernel/sim/pacing"
)

// Builder can be used to build a Scheduler.
type Builder struct {
	synchronizer pacing.Synchronizer
	logger       zerolog.Logger
	hardLimit    VTime
	seqGen       id.Generator
}

// MakeBuilder creates a new builder with an unpaced synchronizer and a
// logger that discards everything.
func MakeBuilder() Builder {
	return Builder{
		logger: zerolog.Nop(),
	}
}

// WithSynchronizer sets the pacing strategy. The choice is fixed once the
// Scheduler is built.
func (b Builder) WithSynchronizer(s pacing.Synchronizer) Builder {
	b.synchronizer = s
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger zerolog.Logger) Builder {
	b.logger = logger
	return b
}

// WithHardLimit makes Run fail with ErrHardLimitExceeded once a real-time run
// falls behind by more than limit. Zero keeps runs best-effort.
func (b Builder) WithHardLimit(limit VTime) Builder {
	b.hardLimit = limit
	return b
}

// WithSequenceGenerator sets the source of insertion sequence numbers.
func (b Builder) WithSequenceGenerator(g id.Generator) Builder {
	b.seqGen = g
	return b
}

// Build creates the Scheduler.
func (b Builder) Build() *Scheduler {
	s := &Scheduler{
		queue:        newEventQueue(),
		synchronizer: b.synchronizer,
		logger:       b.logger,
		hardLimit:    b.hardLimit,
		seqGen:       b.seqGen,
	}

	if s.synchronizer == nil {
		s.synchronizer = pacing.NewUnpaced()
	}

	if s.seqGen == nil {
		s.seqGen = id.NewSequentialGenerator()
	}

	s.waitingFor.Store(noWait)

	return s
}
