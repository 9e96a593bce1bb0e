// Command server runs the sentiment pipeline: HTTP API, worker pool, lease
// reaper, aggregator, and maintenance scheduler in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/analytics"
	"github.com/tjddbs0401/nlp-trading-platform/internal/config"
	"github.com/tjddbs0401/nlp-trading-platform/internal/database"
	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
	"github.com/tjddbs0401/nlp-trading-platform/internal/inference"
	"github.com/tjddbs0401/nlp-trading-platform/internal/ingest"
	"github.com/tjddbs0401/nlp-trading-platform/internal/jobs"
	"github.com/tjddbs0401/nlp-trading-platform/internal/maintenance"
	"github.com/tjddbs0401/nlp-trading-platform/internal/server"
	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
	"github.com/tjddbs0401/nlp-trading-platform/internal/worker"
	"github.com/tjddbs0401/nlp-trading-platform/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting sentiment pipeline")

	// Databases: jobs on the ledger profile (durability over speed), analytics
	// standard, inference cache on the cache profile.
	jobsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "jobs.db"),
		Name:    "jobs",
		Profile: database.ProfileLedger,
	})
	if err != nil {
		return fmt.Errorf("failed to open jobs database: %w", err)
	}
	defer jobsDB.Close()

	analyticsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "analytics.db"),
		Name:    "analytics",
		Profile: database.ProfileStandard,
	})
	if err != nil {
		return fmt.Errorf("failed to open analytics database: %w", err)
	}
	defer analyticsDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Name:    "cache",
		Profile: database.ProfileCache,
	})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	defer cacheDB.Close()

	if err := jobs.InitSchema(jobsDB.Conn()); err != nil {
		return fmt.Errorf("failed to initialize jobs schema: %w", err)
	}
	if err := analytics.InitSchema(analyticsDB.Conn()); err != nil {
		return fmt.Errorf("failed to initialize analytics schema: %w", err)
	}
	if err := inference.InitSchema(cacheDB.Conn()); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	objects, container, err := buildObjectStore(cfg, log)
	if err != nil {
		return err
	}

	scorer := buildScorer(cfg, cacheDB, log)

	// Pipeline core
	bus := events.NewBus(log)
	store := jobs.NewStore(jobsDB.Conn(), log)
	producer := jobs.NewProducer(store, bus, log)
	metrics := jobs.NewMetricsTracker()
	scheduler := jobs.NewScheduler(store, bus, metrics, cfg.Pipeline.LeaseTTL, cfg.Pipeline.MaxAttempts, log)
	reaper := jobs.NewReaper(store, bus, cfg.Pipeline.ReaperInterval, log)

	aggregator := analytics.NewAggregator(analyticsDB.Conn(), objects, bus, log)
	aggregator.Subscribe()

	pool := worker.NewPool(cfg.Pipeline.Workers, scheduler, objects, scorer,
		cfg.Pipeline.PollInterval, cfg.Pipeline.BatchSize, log)

	// Background maintenance
	sched := maintenance.New(log)
	if err := sched.AddJob("0 5 0 * * *", &maintenance.DailyExportJob{Aggregator: aggregator, Log: log}); err != nil {
		return fmt.Errorf("failed to register daily export: %w", err)
	}
	if cached, ok := scorer.(*inference.CachingScorer); ok {
		if err := sched.AddJob("@every 6h", &maintenance.CachePruneJob{Cache: cached, Retention: 7 * 24 * time.Hour, Log: log}); err != nil {
			return fmt.Errorf("failed to register cache prune: %w", err)
		}
	}
	if err := sched.AddJob("@hourly", &maintenance.CheckpointJob{
		Databases: []*database.DB{jobsDB, analyticsDB, cacheDB},
		Log:       log,
	}); err != nil {
		return fmt.Errorf("failed to register checkpoint job: %w", err)
	}

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		JobsDB:      jobsDB,
		AnalyticsDB: analyticsDB,
		Store:       store,
		Producer:    producer,
		Metrics:     metrics,
		Aggregator:  aggregator,
		Ingest:      ingest.NewWriter(objects, producer, container, log),
		Bus:         bus,
		DataDir:     cfg.DataDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper.Start()
	pool.Start(ctx)
	sched.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Stop intake first, then drain the workers, then the rest
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	pool.Stop()
	sched.Stop()
	reaper.Stop()

	log.Info().Msg("Pipeline stopped")
	return nil
}

// buildObjectStore picks the storage backend: the configured bucket, or a
// filesystem store under the data directory for single-binary deployments.
// Returns the store and the container name jobs are recorded under.
func buildObjectStore(cfg *config.Config, log zerolog.Logger) (storage.ObjectStore, string, error) {
	if cfg.Storage.Bucket != "" {
		s3, err := storage.NewS3Store(storage.S3Config{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		}, log)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create object store: %w", err)
		}
		log.Info().Str("bucket", cfg.Storage.Bucket).Msg("Using S3 object storage")
		return s3, cfg.Storage.Bucket, nil
	}

	dir := filepath.Join(cfg.DataDir, "objects")
	fs, err := storage.NewFSStore(dir, log)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create object store: %w", err)
	}
	log.Info().Str("dir", dir).Msg("Using filesystem object storage")
	return fs, "local", nil
}

// buildScorer picks the scoring backend and wraps it with the persistent
// cache
func buildScorer(cfg *config.Config, cacheDB *database.DB, log zerolog.Logger) inference.Scorer {
	var inner inference.Scorer
	if cfg.InferenceURL != "" {
		inner = inference.NewClient(cfg.InferenceURL, cfg.InferenceTimeout, log)
		log.Info().Str("url", cfg.InferenceURL).Msg("Using remote inference service")
	} else {
		inner = inference.NewLexiconScorer()
		log.Info().Msg("Using built-in lexicon scorer")
	}
	return inference.NewCachingScorer(inner, cacheDB.Conn(), log)
}
