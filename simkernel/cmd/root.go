// Package cmd provides the command-line interface for simkernel.
package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simkernel",
	Short: "simkernel runs virtual-time event workloads.",
	Long: `simkernel runs virtual-time event workloads, either as fast as ` +
		`possible or paced against the wall clock. The run command starts a ` +
		`demonstration workload that can be monitored and traced.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Exit handlers, such as trace flushing, run before the
// process exits.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func newLogger(level zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
