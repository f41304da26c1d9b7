package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thep200/gitpulse/cfg"
	githubapi "github.com/thep200/gitpulse/internal/github_api"
	"github.com/thep200/gitpulse/internal/indexer"
	"github.com/thep200/gitpulse/internal/jobs"
	"github.com/thep200/gitpulse/internal/limiter"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/monitor"
	"github.com/thep200/gitpulse/internal/scheduler"
	"github.com/thep200/gitpulse/internal/score"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/kafka"
	"github.com/thep200/gitpulse/pkg/log"
)

// App holds every wired component for one process.
type App struct {
	Loader   *cfg.ViperLoader
	Config   *cfg.Config
	Logger   log.Logger
	Database *db.Database

	Repos       *model.RepoStore
	Watermarks  *model.WatermarkStore
	Entities    *model.EntityStore
	Jobs        *model.JobStore
	Snapshots   *model.SnapshotStore
	TriggerRuns *model.TriggerRunStore

	Caller     *githubapi.Caller
	RateState  *limiter.RateState
	Monitor    *monitor.Monitor
	Registry   *indexer.Registry
	Restart    *scheduler.RestartScheduler
	Trigger    *scheduler.Trigger
	Calculator *score.Calculator
	Sizes      *score.SizeProvider
	JobService *jobs.Service
	Cleanup    *jobs.Cleanup
	Health     *jobs.HealthReporter

	indexEvents kafka.Publisher
	jobEvents   kafka.Publisher
}

func newApp() (*App, error) {
	loader, err := cfg.NewViperLoader(cfgDir)
	if err != nil {
		return nil, err
	}
	config, err := loader.Load()
	if err != nil {
		return nil, err
	}
	logger, err := log.FromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	database, err := db.NewDatabase(config)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := model.Migrate(database); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Loader: loader, Config: config, Logger: logger, Database: database}
	a.Repos, _ = model.NewRepoStore(config, logger, database)
	a.Watermarks, _ = model.NewWatermarkStore(config, logger, database)
	a.Entities, _ = model.NewEntityStore(config, logger, database)
	a.Jobs, _ = model.NewJobStore(config, logger, database)
	a.Snapshots, _ = model.NewSnapshotStore(config, logger, database)
	a.TriggerRuns, _ = model.NewTriggerRunStore(config, logger, database)

	if a.indexEvents, err = kafka.NewPublisher(config, logger, config.Kafka.Topics.Index); err != nil {
		return nil, err
	}
	if a.jobEvents, err = kafka.NewPublisher(config, logger, config.Kafka.Topics.Jobs); err != nil {
		return nil, err
	}

	a.Caller, err = githubapi.NewCaller(config, logger, nil)
	if err != nil {
		return nil, err
	}
	a.RateState = limiter.NewRateState()
	a.Monitor = monitor.NewMonitor(config, logger, a.Caller, a.RateState, a.Jobs, a.jobEvents)
	a.Registry = indexer.NewRegistry(config, logger, a.Monitor, a.Watermarks, a.Entities, indexer.HeuristicClassifier{}, a.indexEvents)
	a.Restart = scheduler.NewRestartScheduler(config, logger, a.Jobs, a.Registry, a.jobEvents)
	if a.Trigger, err = scheduler.NewTrigger(config, logger, a.Repos, a.TriggerRuns, a.Registry, a.Registry.Kinds()); err != nil {
		return nil, err
	}
	a.Calculator = score.NewCalculator(config, logger, a.Entities, a.Snapshots)
	a.Sizes = score.NewSizeProvider(logger, a.Repos, a.Caller)
	a.JobService = jobs.NewService(config, logger, a.Jobs)
	a.Cleanup = jobs.NewCleanup(logger, database, a.Repos, a.Watermarks, a.Jobs)
	a.Health = jobs.NewHealthReporter(logger, a.Watermarks, a.Jobs)

	// without Kafka the score is recomputed in-process
	if !config.Kafka.Enabled {
		a.Registry.OnCaughtUp(model.KindVulnerabilities, func(ctx context.Context, target monitor.Target, _ *indexer.Result) {
			if _, err := a.Calculator.ComputeFor(ctx, a.Sizes, target.Repo.ID); err != nil {
				logger.Warn(ctx, "No score for %s: %v", target.Repo.FullName(), err)
			}
		})
	}
	return a, nil
}

// CheckRates refreshes the budget of every credential from GitHub.
func (a *App) CheckRates(ctx context.Context) (map[string]limiter.Budget, error) {
	return a.Caller.CheckRateLimits(ctx, a.RateState)
}

func (a *App) Close() {
	if err := a.indexEvents.Close(); err != nil {
		a.Logger.Error(context.Background(), "Error closing index publisher: %v", err)
	}
	if err := a.jobEvents.Close(); err != nil {
		a.Logger.Error(context.Background(), "Error closing jobs publisher: %v", err)
	}
	if err := a.Database.Close(); err != nil {
		a.Logger.Error(context.Background(), "Error closing database: %v", err)
	}
}

func withApp(run func(cmd *cobra.Command, args []string, app *App) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()
		return run(cmd, args, app)
	}
}
