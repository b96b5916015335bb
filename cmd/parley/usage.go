package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/usage"
)

func newUsageCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var window time.Duration
	var by string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if window <= 0 {
				return fmt.Errorf("--window must be positive")
			}
			return withDB(cmd.Context(), flags, func(_ *config.Config, db *database.DB) error {
				return reportUsage(cmd.Context(), stdout, db, time.Now(), window, by)
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back to look")
	cmd.Flags().StringVar(&by, "by", "", `break totals down by "model" or "conversation"`)
	return cmd
}

func reportUsage(ctx context.Context, w io.Writer, db *database.DB, end time.Time, window time.Duration, by string) error {
	store, err := usage.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	start := end.Add(-window)

	var groups map[string]*usage.Summary
	switch by {
	case "":
	case "model":
		groups, err = store.SummaryByModel(ctx, start, end)
	case "conversation":
		groups, err = store.SummaryByConversation(ctx, start, end)
	default:
		return fmt.Errorf(`--by must be "model" or "conversation", not %q`, by)
	}
	if err != nil {
		return err
	}
	total, err := store.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	return printUsage(w, total, groups)
}

func printUsage(w io.Writer, total *usage.Summary, groups map[string]*usage.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tTURNS\tINPUT\tOUTPUT\tCOST (USD)")
	for _, key := range slices.Sorted(maps.Keys(groups)) {
		s := groups[key]
		if key == "" {
			key = "(none)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\n", key, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\t%.4f\n", total.TotalRecords, total.TotalInputTokens, total.TotalOutputTokens, total.TotalCostUSD)
	return tw.Flush()
}
