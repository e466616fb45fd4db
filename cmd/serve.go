package cmd

import (
	"github.com/spf13/cobra"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the flow control plane over HTTP",
		Long: `Starts the HTTP control plane: /v1/flows to start, follow and cancel
flows, /v1/runs for run history, /healthz, /readyz and /metrics. Stops on
SIGINT or SIGTERM after canceling active flows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.Run(cmd.Context())
		},
	}
}
