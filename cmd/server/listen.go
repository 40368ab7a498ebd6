package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/taskpulse/backend/internal/client"
)

func newListenCmd() *cobra.Command {
	var (
		url   string
		token string
		rooms []string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to a server and print every event as JSON",
		Long: `listen opens a websocket to a running server, authenticates with --token
if given, joins each --room, and prints one JSON line per received event.
It reconnects until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := client.NewWSClient(url, token, rooms...)
			c.SetLogger(log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true}))

			out := json.NewEncoder(cmd.OutOrStdout())
			return c.Listen(ctx, func(ev client.Event) {
				if err := out.Encode(ev); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "Websocket URL")
	cmd.Flags().StringVar(&token, "token", "", "Access token sent in the auth frame")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "Room to join (repeatable)")
	return cmd
}
