package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/api"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the restart sweep, the daily trigger and the status API",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		ctx := cmd.Context()
		noTrigger, _ := cmd.Flags().GetBool("no-trigger")

		app.Loader.RegisterConfigChangeCallback(func(c *cfg.Config) {
			app.Caller.Limiter.SetRate(c.GithubApi.RequestsPerSecond)
			app.Logger.Info(ctx, "Request pacing set to %d/s", c.GithubApi.RequestsPerSecond)
		})

		handler := api.NewHandler(app.Logger, app.Config, api.Deps{
			Jobs:       app.JobService,
			Repos:      app.Repos,
			Watermarks: app.Watermarks,
			Cleanup:    app.Cleanup,
			Scores:     app.Snapshots,
			Health:     app.Health,
			Rates:      app.RateState,
			CheckRates: app.CheckRates,
			Ping:       app.Database.Ping,
		})
		server := api.NewServer(app.Logger, app.Config, handler)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ignoreCancel(app.Restart.Run(gctx)) })
		if !noTrigger {
			g.Go(func() error { return ignoreCancel(app.Trigger.Run(gctx)) })
		}
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		})

		err := g.Wait()
		app.Logger.Info(context.Background(), "Shut down")
		return err
	}),
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	serveCmd.Flags().Bool("no-trigger", false, "Do not start the daily trigger")
	rootCmd.AddCommand(serveCmd)
}
