package simulation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/simkernel/datarecording"
	"github.com/sarchlab/simkernel/sim/pacing"
)

// Environment variables that override the configuration file.
const (
	EnvRealtime     = "SIMKERNEL_REALTIME"
	EnvMonitorPort  = "SIMKERNEL_MONITOR_PORT"
	EnvTraceOutput  = "SIMKERNEL_TRACE_OUTPUT"
	EnvTraceBackend = "SIMKERNEL_TRACE_BACKEND"
	EnvClickHouse   = "SIMKERNEL_CLICKHOUSE_ADDR"
	EnvLogLevel     = "SIMKERNEL_LOG_LEVEL"
)

// Config describes how a simulation is put together.
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Trace    TraceConfig    `yaml:"trace"`
	LogLevel string         `yaml:"log_level"`
}

// RealtimeConfig selects and tunes real-time pacing.
type RealtimeConfig struct {
	Enabled          bool          `yaml:"enabled"`
	OriginOffset     time.Duration `yaml:"origin_offset"`
	ToleranceJiffies int           `yaml:"tolerance_jiffies"`
	MinJiffy         time.Duration `yaml:"min_jiffy"`
	Rate             float64       `yaml:"rate"`

	// HardLimit makes a run fail once it falls behind by more than this.
	// Zero keeps pacing best-effort.
	HardLimit time.Duration `yaml:"hard_limit"`
}

// MonitorConfig controls the monitoring server.
type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	Port        int  `yaml:"port"`
	OpenBrowser bool `yaml:"open_browser"`
}

// Trace backends.
const (
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
)

// TraceConfig controls the dispatch trace database.
type TraceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Backend is BackendSQLite (the default) or BackendClickHouse.
	Backend string `yaml:"backend"`

	// Output is the SQLite database path without the .sqlite3 suffix. Empty
	// picks a unique name.
	Output string `yaml:"output"`

	ClickHouse datarecording.ClickHouseConfig `yaml:"clickhouse"`
}

// DefaultConfig returns an unpaced configuration without monitor or trace.
func DefaultConfig() Config {
	defaults := pacing.DefaultRealtimeConfig()

	return Config{
		Realtime: RealtimeConfig{
			ToleranceJiffies: defaults.ToleranceJiffies,
			MinJiffy:         defaults.MinJiffy,
			Rate:             defaults.Rate,
		},
		Trace:    TraceConfig{Backend: BackendSQLite},
		LogLevel: zerolog.InfoLevel.String(),
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies the
// environment overrides. Variables already set in the process environment
// win over those read from envFile. Both files are optional; empty names or
// missing files are skipped.
func LoadConfig(path, envFile string) (Config, error) {
	c := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("reading config: %w", err)
		}

		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	fileEnv := map[string]string{}
	if envFile != "" {
		env, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, fmt.Errorf("reading env file: %w", err)
		}

		if env != nil {
			fileEnv = env
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := fileEnv[key]

		return v, ok
	}

	if err := c.ApplyEnv(lookup); err != nil {
		return c, err
	}

	return c, c.Validate()
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRealtime); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRealtime, err)
		}

		c.Realtime.Enabled = enabled
	}

	if v, ok := lookup(EnvMonitorPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMonitorPort, err)
		}

		c.Monitor.Enabled = true
		c.Monitor.Port = port
	}

	if v, ok := lookup(EnvTraceOutput); ok {
		c.Trace.Enabled = true
		c.Trace.Output = v
	}

	if v, ok := lookup(EnvTraceBackend); ok {
		c.Trace.Enabled = true
		c.Trace.Backend = v
	}

	if v, ok := lookup(EnvClickHouse); ok {
		c.Trace.ClickHouse.Addr = v
	}

	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}

	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	r := c.Realtime

	switch {
	case r.Rate < 0:
		return fmt.Errorf("realtime.rate must not be negative, got %v", r.Rate)
	case r.ToleranceJiffies < 0:
		return fmt.Errorf("realtime.tolerance_jiffies must not be negative, got %d",
			r.ToleranceJiffies)
	case r.MinJiffy < 0:
		return fmt.Errorf("realtime.min_jiffy must not be negative, got %v",
			r.MinJiffy)
	case r.OriginOffset < 0:
		return fmt.Errorf("realtime.origin_offset must not be negative, got %v",
			r.OriginOffset)
	case r.HardLimit < 0:
		return fmt.Errorf("realtime.hard_limit must not be negative, got %v",
			r.HardLimit)
	case c.Monitor.Port < 0 || c.Monitor.Port > 65535:
		return fmt.Errorf("monitor.port out of range: %d", c.Monitor.Port)
	}

	switch c.Trace.Backend {
	case "", BackendSQLite:
	case BackendClickHouse:
		if c.Trace.Enabled && c.Trace.ClickHouse.Addr == "" {
			return errors.New("trace.clickhouse.addr is required")
		}
	default:
		return fmt.Errorf("unknown trace backend %q", c.Trace.Backend)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	return nil
}

// Level returns the configured log level, or info if it does not parse.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}

	return level
}

func (r RealtimeConfig) pacingConfig(logger zerolog.Logger) pacing.RealtimeConfig {
	return pacing.RealtimeConfig{
		OriginOffset:     r.OriginOffset,
		ToleranceJiffies: r.ToleranceJiffies,
		MinJiffy:         r.MinJiffy,
		Rate:             r.Rate,
		Logger:           logger,
	}
}
