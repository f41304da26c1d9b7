package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/thep200/gitpulse/cfg"
	githubapi "github.com/thep200/gitpulse/internal/github_api"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/score"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/kafka"
	"github.com/thep200/gitpulse/pkg/log"
)

// Consumes index events and recomputes security health scores.
func main() {
	cfgDir := flag.String("config", "cfg/yaml", "Directory holding mode.yaml")
	flag.Parse()

	// Load configuration
	loader, _ := cfg.NewViperLoader(*cfgDir)
	config, err := loader.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !config.Kafka.Enabled {
		fmt.Println("Kafka is disabled, scores are computed in-process by `run serve`")
		os.Exit(1)
	}

	logger, err := log.FromConfig(config)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDatabase(config)
	if err != nil {
		logger.Error(ctx, "Failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := model.Migrate(database); err != nil {
		logger.Error(ctx, "Failed to migrate: %v", err)
		os.Exit(1)
	}

	repos, _ := model.NewRepoStore(config, logger, database)
	entities, _ := model.NewEntityStore(config, logger, database)
	snapshots, _ := model.NewSnapshotStore(config, logger, database)
	caller, err := githubapi.NewCaller(config, logger, nil)
	if err != nil {
		logger.Error(ctx, "Failed to create API caller: %v", err)
		os.Exit(1)
	}

	calculator := score.NewCalculator(config, logger, entities, snapshots)
	sizes := score.NewSizeProvider(logger, repos, caller)

	consumer, err := kafka.NewConsumer(config, logger, config.Kafka.Topics.Index, config.Kafka.ConsumerGroup)
	if err != nil {
		logger.Error(ctx, "Failed to create consumer: %v", err)
		os.Exit(1)
	}
	consumer.RegisterHandler(model.EventVulnerabilitiesIndexed, calculator.IndexEventHandler(sizes))

	logger.Info(ctx, "Score consumer started on %s (group %s)", config.Kafka.Topics.Index, config.Kafka.ConsumerGroup)
	if err := consumer.Start(ctx); err != nil {
		logger.Error(ctx, "Consumer error: %v", err)
	}
	logger.Info(context.Background(), "Score consumer stopped")
}
