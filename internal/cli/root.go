// Package cli wires the drover commands. The commands stay thin: they
// resolve configuration and prerequisites, then hand off to the loop.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Autonomous task-loop controller for an external coding agent",
	Long: `Drover drives an external coding agent through a persistent task
queue: it dispatches one worker session per iteration, accounts for
context consumption, detects unproductive loops, and checkpoints
progress to git between sessions.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetLevel(logging.ParseLevel(logLevel))
	},
}

var logLevel string

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("drover version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
