package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/simkernel/simulation"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the demonstration workload",
	Long: "Run ticks a set of agents, each arming report events it cancels " +
		"when it finishes. In real-time mode an outside producer injects " +
		"events relative to the wall clock.",
	Args: cobra.NoArgs,
	RunE: runWorkload,
}

func init() {
	f := runCmd.Flags()
	f.StringP("config", "c", "", "YAML configuration file")
	f.String("env-file", ".env", "file with SIMKERNEL_* variables")
	f.Bool("realtime", false, "pace virtual time against the wall clock")
	f.Duration("stop", 0, "virtual time to stop at, 0 runs until idle")
	f.Bool("monitor", false, "serve the monitoring dashboard")
	f.Int("port", 0, "monitoring port, 0 picks a free one")
	f.Bool("open-browser", false, "open the dashboard in a browser")
	f.String("trace", "", "record dispatches to this database")
	f.String("log-level", "", "log level, overrides the configuration")
	f.Int("agents", 4, "number of agents")
	f.Int("ticks", 100, "ticks per agent")
	f.Duration("period", 10*time.Millisecond, "virtual time between ticks")
	f.Duration("inject-every", 25*time.Millisecond,
		"wall-clock interval of injected events in real-time mode")

	rootCmd.AddCommand(runCmd)
}

func runWorkload(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Level())

	f := cmd.Flags()
	stop, _ := f.GetDuration("stop")
	opts := workloadOptions{}
	opts.Agents, _ = f.GetInt("agents")
	opts.Ticks, _ = f.GetInt("ticks")
	opts.Period, _ = f.GetDuration("period")
	injectEvery, _ := f.GetDuration("inject-every")

	sim := simulation.MakeBuilder().
		WithConfig(cfg).
		WithLogger(logger).
		Build()

	w, err := newWorkload(sim.Scheduler(), opts)
	if err != nil {
		return errors.Join(err, sim.Terminate())
	}

	for _, a := range w.agents {
		sim.RegisterComponent(a.Name, a)
	}

	if m := sim.Monitor(); m != nil && stop > 0 {
		m.TrackVirtualTime(sim.Scheduler(), stop, opts.Period)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	go func() {
		<-ctx.Done()
		sim.Scheduler().Stop()
	}()

	if cfg.Realtime.Enabled {
		go w.inject(ctx, injectEvery)
	}

	runErr := sim.Run(stop)
	cancel()

	logger.Info().
		Int("ticks", w.totalTicks()).
		Int("reports", w.totalReports()).
		Int64("injected", w.injected.Load()).
		Msg("workload done")

	if file := sim.TraceFile(); file != "" {
		fmt.Fprintln(cmd.OutOrStdout(), "trace written to", file)
	}

	return errors.Join(runErr, sim.Terminate())
}

// loadConfig reads the configuration and lets explicitly set flags override
// it.
func loadConfig(cmd *cobra.Command) (simulation.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	envFile, _ := f.GetString("env-file")

	cfg, err := simulation.LoadConfig(path, envFile)
	if err != nil {
		return cfg, err
	}

	if f.Changed("realtime") {
		cfg.Realtime.Enabled, _ = f.GetBool("realtime")
	}

	if f.Changed("monitor") {
		cfg.Monitor.Enabled, _ = f.GetBool("monitor")
	}

	if f.Changed("port") {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Port, _ = f.GetInt("port")
	}

	if f.Changed("open-browser") {
		cfg.Monitor.OpenBrowser, _ = f.GetBool("open-browser")
	}

	if f.Changed("trace") {
		cfg.Trace.Enabled = true
		cfg.Trace.Output, _ = f.GetString("trace")
	}

	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}

	return cfg, cfg.Validate()
}
