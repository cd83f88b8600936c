package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"kortex-backend/internal/config"
	"kortex-backend/internal/graph"
	"kortex-backend/internal/migration"
	"kortex-backend/internal/observability"
	"kortex-backend/internal/syncpoint"
)

// main runs every registered migration once. Already-applied migrations are
// skipped; the binary exits non-zero on the first failure so the scheduler
// retries the whole run.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	env := config.Environment(envOr("APP_ENV", string(config.Development)))
	cfg, err := config.NewLoader(envOr("CONFIG_PATH", "config"), env).Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(string(cfg.Environment), cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Graph.Region))
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	store := graph.NewDynamoStore(dynamoClient, cfg.Graph.TableName,
		cfg.Graph.ExternalIDIndex, cfg.Graph.EmailIndex, cfg.Graph.EdgeTargetIndex, logger)
	points := syncpoint.NewDynamoStore(dynamoClient, cfg.Graph.TableName)

	runner := migration.NewRunner(points, logger)
	migrations := []migration.Migration{
		migration.NewOrphanReconciler(store, logger).AsMigration(),
	}

	if err := runner.Run(ctx, migrations...); err != nil {
		logger.Error("migration run failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("all migrations applied")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
