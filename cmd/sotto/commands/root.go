// Package commands implements the sotto CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sotto",
		Short: "Sotto - always-available voice assistant core",
		Long: `Sotto is the orchestration core of an always-available personal
assistant: it tracks per-device operating modes, gates content by privacy,
manages extracted tasks, runs heartbeat cycles, and buffers output for
offline devices.

Examples:
  sotto serve
  sotto serve --config ./config.yaml
  sotto tasks list
  sotto config init`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTasksCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
