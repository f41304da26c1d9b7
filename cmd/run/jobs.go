package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/thep200/gitpulse/internal/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect resumable jobs, rate budgets and indexing health",
}

func printJobs(cmd *cobra.Command, views []jobs.JobView) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPOSITORY\tKIND\tSTATE\tRESET\tIN\tRETRIES\tERROR")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			v.ID, v.Repository, v.Kind, v.StatusLabel(), v.ResetAt.Format(time.RFC3339),
			v.TimeUntilReset.Round(time.Second), v.RetryCount, v.MaxRetries, v.ErrorMessage)
	}
	return w.Flush()
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and scheduled jobs of an owner",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		owner, _ := cmd.Flags().GetString("owner")
		failed, _ := cmd.Flags().GetBool("failed")

		list := app.JobService.Outstanding
		if failed {
			list = app.JobService.NeedsAttention
		}
		views, err := list(cmd.Context(), owner)
		if err != nil {
			return err
		}
		return printJobs(cmd, views)
	}),
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, app *App) error {
		v, err := app.JobService.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s (%s %s)\n", v.ID, v.Repository, v.Kind)
		return nil
	}),
}

var jobsRateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Show the remaining GitHub budget of every credential",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		budgets, err := app.CheckRates(cmd.Context())
		if err != nil {
			return err
		}
		names := make([]string, 0, len(budgets))
		for name := range budgets {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BUCKET\tREMAINING\tLIMIT\tRESET\tIN")
		for _, name := range names {
			b := budgets[name]
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", name, b.Remaining, b.Limit,
				b.ResetAt.Format(time.RFC3339), time.Until(b.ResetAt).Round(time.Second))
		}
		return w.Flush()
	}),
}

var jobsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarise indexing state across repositories",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		report, err := app.Health.Report(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "watermarks: %v\n", report.Watermarks)
		fmt.Fprintf(out, "jobs: %v\n", report.Jobs)
		if len(report.Failures) > 0 {
			fmt.Fprintf(out, "failures: %v\n", report.Failures)
		}
		for _, s := range report.Stuck {
			fmt.Fprintf(out, "stuck: %d/%s\n", s.RepositoryID, s.Kind)
		}
		for _, a := range report.Alerts {
			fmt.Fprintf(out, "[%s] %s: %s\n", a.Level, a.Type, a.Message)
		}
		return nil
	}),
}

func init() {
	jobsListCmd.Flags().String("owner", "", "Owner id")
	jobsListCmd.Flags().Bool("failed", false, "Show jobs that ran out of retries")
	_ = jobsListCmd.MarkFlagRequired("owner")
	jobsCmd.AddCommand(jobsListCmd, jobsCancelCmd, jobsRateCmd, jobsHealthCmd)
	rootCmd.AddCommand(jobsCmd)
}
