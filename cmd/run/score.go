package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/thep200/gitpulse/internal/score"
)

var scoreCmd = &cobra.Command{
	Use:   "score <repository-id>",
	Short: "Compute the security health score of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *App) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("repository id %q: %w", args[0], err)
		}

		snap, err := app.Calculator.ComputeFor(ctx, app.Sizes, id)
		if errors.Is(err, score.ErrSizeUnavailable) {
			fmt.Fprintln(cmd.OutOrStdout(), "score not available: repository size unknown")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "score %.1f (exposure %.1f, delta %+.1f) critical=%d high=%d medium=%d low=%d size=%.1fkloc\n",
			snap.Score, snap.Exposure, snap.DeltaFromPrevious, snap.CriticalCount, snap.HighCount, snap.MediumCount, snap.LowCount, snap.SizeKLOC)

		n, _ := cmd.Flags().GetInt("trend")
		if n <= 1 {
			return nil
		}
		trend, err := app.Calculator.Trend(ctx, id, n)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMPUTED\tSCORE\tDELTA")
		for _, s := range trend {
			fmt.Fprintf(w, "%s\t%.1f\t%+.1f\n", s.ComputedAt.Format(time.RFC3339), s.Score, s.DeltaFromPrevious)
		}
		return w.Flush()
	}),
}

func init() {
	scoreCmd.Flags().Int("trend", 0, "Also print the last N snapshots")
	rootCmd.AddCommand(scoreCmd)
}
