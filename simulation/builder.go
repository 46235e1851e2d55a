package simulation

import (
	"github.com/rs/zerolog"

	"github.com/sarchlab/simkernel/datarecording"
	"github.com/sarchlab/simkernel/monitoring"
	"github.com/sarchlab/simkernel/sim/id"
	"github.com/sarchlab/simkernel/sim/pacing"
	"github.com/sarchlab/simkernel/sim/timing"
	"github.com/sarchlab/simkernel/tracing"
)

// Builder can be used to build a simulation.
type Builder struct {
	config Config
	logger zerolog.Logger
}

// MakeBuilder creates a new builder with DefaultConfig.
func MakeBuilder() Builder {
	return Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the whole configuration.
func (b Builder) WithConfig(c Config) Builder {
	b.config = c
	return b
}

// WithLogger sets the logger shared by all parts of the simulation.
func (b Builder) WithLogger(logger zerolog.Logger) Builder {
	b.logger = logger
	return b
}

// WithRealtime turns on real-time pacing.
func (b Builder) WithRealtime() Builder {
	b.config.Realtime.Enabled = true
	return b
}

// WithMonitorPort turns on monitoring on the given port. Zero picks a random
// port.
func (b Builder) WithMonitorPort(port int) Builder {
	b.config.Monitor.Enabled = true
	b.config.Monitor.Port = port

	return b
}

// WithoutMonitoring sets the simulation to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.config.Monitor = MonitorConfig{}
	return b
}

// WithOutputFileName turns on dispatch tracing into the given database.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.config.Trace.Enabled = true
	b.config.Trace.Output = filename

	return b
}

// Build builds the simulation. It panics if the configuration is invalid or
// real-time pacing is requested but the clock cannot support it.
func (b Builder) Build() *Simulation {
	if err := b.config.Validate(); err != nil {
		panic(err)
	}

	s := &Simulation{
		id:         id.Unique(),
		config:     b.config,
		logger:     b.logger,
		components: make(map[string]any),
	}

	s.scheduler = timing.MakeBuilder().
		WithSynchronizer(b.buildSynchronizer()).
		WithLogger(b.logger).
		WithHardLimit(b.config.Realtime.HardLimit).
		Build()

	if b.logger.GetLevel() <= zerolog.DebugLevel {
		s.scheduler.AcceptHook(timing.NewEventLogger(b.logger))
	}

	s.summary = tracing.NewSummaryTracer()
	tracing.CollectTrace(s.scheduler, s.summary)

	if b.config.Trace.Enabled {
		b.buildTrace(s)
	}

	if b.config.Monitor.Enabled {
		b.buildMonitor(s)
	}

	return s
}

func (b Builder) buildSynchronizer() pacing.Synchronizer {
	if !b.config.Realtime.Enabled {
		return pacing.NewUnpaced()
	}

	r, err := pacing.NewRealtime(b.config.Realtime.pacingConfig(b.logger))
	if err != nil {
		panic(err)
	}

	b.logger.Debug().
		Dur("jiffy", r.Jiffy()).
		Dur("tolerance", r.Tolerance()).
		Msg("real-time pacing enabled")

	return r
}

func (b Builder) buildTrace(s *Simulation) {
	recorder, err := b.buildRecorder(s)
	if err != nil {
		panic(err)
	}

	tracer, err := tracing.NewDBTracer(recorder, b.logger)
	if err != nil {
		panic(err)
	}

	tracing.CollectTrace(s.scheduler, tracer)

	s.dataRecorder = recorder
	s.tracer = tracer
}

func (b Builder) buildRecorder(s *Simulation) (datarecording.DataRecorder, error) {
	trace := b.config.Trace

	if trace.Backend == BackendClickHouse {
		b.logger.Info().
			Str("addr", trace.ClickHouse.Addr).
			Msg("recording dispatch trace to ClickHouse")

		return datarecording.NewClickHouse(trace.ClickHouse)
	}

	outputPath := trace.Output
	if outputPath == "" {
		outputPath = "simkernel_trace_" + s.id
	}

	s.traceFile = outputPath + ".sqlite3"
	b.logger.Info().Str("file", s.traceFile).Msg("recording dispatch trace")

	return datarecording.New(outputPath)
}

func (b Builder) buildMonitor(s *Simulation) {
	m := monitoring.NewMonitor().
		WithLogger(b.logger).
		WithPortNumber(b.config.Monitor.Port)
	m.RegisterScheduler(s.scheduler)
	m.RegisterSummaryTracer(s.summary)

	url, err := m.StartServer()
	if err != nil {
		panic(err)
	}

	if b.config.Monitor.OpenBrowser {
		m.OpenBrowser(url)
	}

	s.monitor = m
	s.monitorURL = url
}
