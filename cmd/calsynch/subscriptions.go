package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

func newSubscriptionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Inspect stored subscriptions",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if cfg.Database.URL == "" {
				logger.Warn("database.url is not set; the in-memory store is always empty")
			}

			b, err := openBackends(cmd.Context(), cfg, slog.New(slog.DiscardHandler))
			if err != nil {
				return err
			}
			defer b.Close()

			subs, err := b.store.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeSubscriptionsJSON(cmd.OutOrStdout(), subs)
			}
			return writeSubscriptionsTable(cmd.OutOrStdout(), subs)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	cmd.AddCommand(list)
	return cmd
}

func writeSubscriptionsJSON(w io.Writer, subs []*domain.Subscription) error {
	out := make([]*domain.Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Redacted())
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeSubscriptionsTable(w io.Writer, subs []*domain.Subscription) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDIRECTION\tEND A\tEND B\tERRORS\tLAST REFRESH\tPENDING")
	for _, s := range subs {
		last := "-"
		if s.LastRefresh != nil {
			last = s.LastRefresh.UTC().Format(time.RFC3339)
		}
		pending := ""
		if s.PendingUnsubscribe != nil {
			pending = "unsubscribe"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Direction, s.EndA.Key(), s.EndB.Key(), s.ErrorCount, last, pending)
	}
	return tw.Flush()
}
