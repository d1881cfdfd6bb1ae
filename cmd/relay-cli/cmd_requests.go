package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/ferro-labs/openai-relay"
	"github.com/ferro-labs/openai-relay/internal/requestlog"
)

func newRequestsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect the chat completion request log",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Relay configuration file")

	open := func() (*requestlog.SQLWriter, error) {
		cfg, err := relay.LoadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		w, err := requestlog.Open(cfg.RequestLog.Driver, cfg.RequestLog.DSN)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, errors.New("request_log is not configured")
		}
		return w, nil
	}

	var (
		model string
		since time.Duration
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Print recent dispatches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			q := requestlog.Query{Model: model, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			page, err := w.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tMODEL\tBACKEND\tSTATUS\tLATENCY\tCALLER\tERROR")
			for _, e := range page.Data {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%dms\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Model, e.Backend, e.Status, e.LatencyMS, e.CallerID, e.Error)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(page.Data), page.Total)
			return nil
		},
	}
	list.Flags().StringVar(&model, "model", "", "Only entries for this model")
	list.Flags().DurationVar(&since, "since", 0, "Only entries newer than this (e.g. 1h)")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to print")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete entries older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			w, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			n, err := w.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Pruned %d entries\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age cutoff")

	cmd.AddCommand(list, prune)
	return cmd
}
