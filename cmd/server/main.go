package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra has already printed the error.
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskpulse",
		Short: "Real-time notification server for TaskPulse",
		Long: `taskpulse pushes notifications, project updates and task updates to
connected browser and CLI clients over websockets.

Clients authenticate with a signed token and join project or task rooms;
application code dispatches events through the admin API.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to config file")

	cmd.AddCommand(newServeCmd(), newListenCmd(), newTokenCmd())
	return cmd
}
