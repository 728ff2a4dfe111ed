package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/employee-import/internal/config"
	"github.com/ignite/employee-import/internal/importer"
	"github.com/ignite/employee-import/internal/pkg/logger"
	"github.com/ignite/employee-import/internal/repository/postgres"
	"github.com/ignite/employee-import/internal/storage"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, falling back to advisory locks", "error", err.Error())
			redisClient = nil
		}
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	coordinator := importer.NewCoordinator(cfg, db, redisClient, store)
	logger.Info("import worker started",
		"poll_interval", cfg.Worker.PollInterval().String(),
		"chunk_size", cfg.Import.ChunkSize)

	runLoop(ctx, coordinator, cfg)
	logger.Info("import worker stopped")
}

// runLoop claims and runs jobs until the context is cancelled. Stuck jobs
// are swept on a slower cadence and surfaced as warnings for operators.
func runLoop(ctx context.Context, coordinator *importer.Coordinator, cfg *config.Config) {
	poll := time.NewTicker(cfg.Worker.PollInterval())
	defer poll.Stop()
	sweep := time.NewTicker(5 * time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			claimJobs(ctx, coordinator)
		case <-sweep.C:
			sweepStuck(ctx, coordinator.Jobs(), cfg.Worker.StuckThreshold())
		}
	}
}

func claimJobs(ctx context.Context, coordinator *importer.Coordinator) {
	ids, err := coordinator.Jobs().ListClaimable(ctx, 10)
	if err != nil {
		logger.Error("failed to list claimable jobs", "error", err.Error())
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		// Lock contention and integrity refusals are expected outcomes;
		// StartOrResume already logged them.
		if err := coordinator.StartOrResume(ctx, id); err != nil {
			logger.Warn("job did not complete", "job_id", id, "error", err.Error())
		}
	}
}

func sweepStuck(ctx context.Context, jobs *postgres.ImportJobRepo, threshold time.Duration) {
	ids, err := jobs.ListStuck(ctx, threshold)
	if err != nil {
		logger.Error("failed to list stuck jobs", "error", err.Error())
		return
	}
	for _, id := range ids {
		logger.Warn("job stuck in processing", "job_id", id,
			"threshold", threshold.String())
	}
}
