package main

import (
	"github.com/spf13/cobra"

	"github.com/custodia-labs/calsynch/internal/config"
)

type rootOptions struct {
	configFile string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configFile)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	cmd := &cobra.Command{
		Use:   "calsynch",
		Short: "Calendar synchronization engine",
		Long: `calsynch keeps pairs of calendars in sync, one way or both ways.
Subscriptions are managed over an HTTP API; connectors push changes
through callbacks or are polled on a schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		serve,
		newSubscriptionsCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
