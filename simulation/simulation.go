// Package simulation puts a scheduler together with its pacing, tracing and
// monitoring according to a Config.
package simulation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sarchlab/simkernel/datarecording"
	"github.com/sarchlab/simkernel/monitoring"
	"github.com/sarchlab/simkernel/sim/eventgc"
	"github.com/sarchlab/simkernel/sim/timing"
	"github.com/sarchlab/simkernel/tracing"
)

// A Simulation provides the service requires to define a simulation.
type Simulation struct {
	id     string
	config Config
	logger zerolog.Logger

	scheduler *timing.Scheduler
	summary   *tracing.SummaryTracer

	dataRecorder datarecording.DataRecorder
	tracer       *tracing.DBTracer
	traceFile    string

	monitor    *monitoring.Monitor
	monitorURL string

	components map[string]any
}

// ID returns the unique ID of the simulation run.
func (s *Simulation) ID() string {
	return s.id
}

// Config returns the configuration the simulation was built with.
func (s *Simulation) Config() Config {
	return s.config
}

// Scheduler returns the scheduler that drives the simulation.
func (s *Simulation) Scheduler() *timing.Scheduler {
	return s.scheduler
}

// Summary returns the in-memory dispatch summary.
func (s *Simulation) Summary() tracing.Summary {
	return s.summary.Summary()
}

// DataRecorder returns the trace recorder, or nil if tracing is off.
func (s *Simulation) DataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// Tracer returns the database tracer, or nil if tracing is off.
func (s *Simulation) Tracer() *tracing.DBTracer {
	return s.tracer
}

// TraceFile returns the trace database file, or "" if tracing is off.
func (s *Simulation) TraceFile() string {
	return s.traceFile
}

// Monitor returns the monitor, or nil if monitoring is off.
func (s *Simulation) Monitor() *monitoring.Monitor {
	return s.monitor
}

// MonitorURL returns the address the monitor listens on.
func (s *Simulation) MonitorURL() string {
	return s.monitorURL
}

// NewCollector creates a Collector for a component's events.
func (s *Simulation) NewCollector() *eventgc.Collector {
	return eventgc.NewCollector()
}

// RegisterComponent registers a component with the simulation. It becomes
// inspectable through the monitor.
func (s *Simulation) RegisterComponent(name string, c any) {
	if _, ok := s.components[name]; ok {
		panic("component " + name + " already registered")
	}

	s.components[name] = c

	if s.monitor != nil {
		s.monitor.RegisterComponent(name, c)
	}
}

// GetComponentByName returns the component with the given name.
func (s *Simulation) GetComponentByName(name string) any {
	return s.components[name]
}

// Run dispatches events until stopTime. A zero stopTime runs until no event
// is left.
func (s *Simulation) Run(stopTime timing.VTime) error {
	start := time.Now()

	var err error
	if stopTime > 0 {
		err = s.scheduler.RunUntil(stopTime)
	} else {
		err = s.scheduler.Run()
	}

	summary := s.summary.Summary()
	s.logger.Info().
		Dur("virtual_time", s.scheduler.Now()).
		Dur("wall_time", time.Since(start)).
		Uint64("events", s.scheduler.EventCount()).
		Uint64("failed", summary.Failed).
		Dur("max_drift", summary.MaxDrift).
		Msg("simulation run ended")

	return err
}

// Terminate destroys the scheduler, closes the trace database and stops the
// monitor.
func (s *Simulation) Terminate() error {
	s.scheduler.Destroy()

	var errs []error

	if s.dataRecorder != nil {
		errs = append(errs, s.dataRecorder.Close())
	}

	if s.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		errs = append(errs, s.monitor.Shutdown(ctx))
	}

	return errors.Join(errs...)
}
