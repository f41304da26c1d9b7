package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/thep200/gitpulse/internal/indexer"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/monitor"
)

var indexCmd = &cobra.Command{
	Use:   "index <repository-id>",
	Short: "Index one repository now",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *App) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("repository id %q: %w", args[0], err)
		}
		repo, err := app.Repos.Get(ctx, id)
		if err != nil {
			return err
		}

		kinds := app.Registry.Kinds()
		if k, _ := cmd.Flags().GetString("kind"); k != "" {
			kind, err := model.ParseKind(k)
			if err != nil {
				return err
			}
			kinds = []model.EntityKind{kind}
		}

		out := cmd.OutOrStdout()
		target := monitor.Target{OwnerID: repo.OwnerID, Repo: *repo}
		var failed error
		for _, kind := range kinds {
			res, err := app.Registry.Run(ctx, target, kind, nil)
			switch {
			case errors.Is(err, indexer.ErrAlreadyRunning):
				fmt.Fprintf(out, "%-16s already running\n", kind)
				continue
			case err != nil:
				fmt.Fprintf(out, "%-16s failed: %v\n", kind, err)
				failed = errors.Join(failed, err)
				continue
			}

			state := "ceiling hit"
			switch {
			case res.CaughtUp:
				state = "caught up"
			case res.RateLimited:
				state = fmt.Sprintf("rate limited, resumes after %s (job %s)", res.ResetAt.Format(time.RFC3339), res.JobID)
			}
			fmt.Fprintf(out, "%-16s %d pages, %d written, %d skipped, %s\n", kind, res.Pages, res.ItemsWritten, res.ItemsSkipped, state)
		}
		return failed
	}),
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one restart sweep over due jobs",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		stats, err := app.Restart.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged=%d due=%d claimed=%d completed=%d retried=%d failed=%d deferred=%d\n",
			stats.Purged, stats.Due, stats.Claimed, stats.Completed, stats.Retried, stats.Failed, stats.Deferred)
		return nil
	}),
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Fire today's trigger now, unless it already fired",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		stats, err := app.Trigger.Fire(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		if stats.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "trigger for %s already fired\n", stats.Day)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d repositories, %d runs, %d rate limited, %d failed\n",
			stats.Day, stats.Repositories, stats.Runs, stats.RateLimited, stats.Failed)
		return nil
	}),
}

func init() {
	indexCmd.Flags().String("kind", "", "Only this entity kind")
	rootCmd.AddCommand(indexCmd, sweepCmd, triggerCmd)
}
