// Command server runs the Mangrove chapter ingestion service: the HTTP
// API and the background processing workers in one process, sharing the
// in-memory job tracker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mangrove/internal/api"
	"mangrove/internal/config"
	"mangrove/internal/database"
	"mangrove/internal/ingest"
	"mangrove/internal/localstore"
	"mangrove/internal/logging"
	"mangrove/internal/metrics"
	"mangrove/internal/progress"
	"mangrove/internal/queue"
	"mangrove/internal/repository"
	"mangrove/internal/s3storage"
	"mangrove/internal/signing"
	"mangrove/internal/worker"
)

// blobBackend is the full surface both storage backends provide.
type blobBackend interface {
	ingest.BlobStore
	GetObject(ctx context.Context, key string) ([]byte, error)
	StoreArchive(ctx context.Context, key string, r io.Reader, size int64) error
	FetchArchive(ctx context.Context, key string) ([]byte, error)
	DeleteArchive(ctx context.Context, key string) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	chapters := repository.NewChapterRepository(pool)

	var blobs blobBackend
	switch cfg.StorageBackend {
	case "s3":
		s3, err := s3storage.New(cfg)
		if err != nil {
			return err
		}
		if err := s3.EnsureBuckets(ctx); err != nil {
			return err
		}
		blobs = s3
	case "local":
		local, err := localstore.New(cfg.LocalRoot, log)
		if err != nil {
			return err
		}
		blobs = local
	}
	log.Info("storage backend ready", "backend", cfg.StorageBackend)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	tracker := progress.New(progress.NewSlogNotifier(log), log)
	tracker.Start(ctx)

	extractor := ingest.NewExtractor(ingest.Limits{
		MaxEntries:    cfg.MaxArchiveFiles,
		MaxFileBytes:  cfg.MaxFileBytes,
		MaxTotalBytes: cfg.MaxTotalBytes,
	}, log)
	orch := ingest.NewOrchestrator(extractor, blobs, chapters, tracker, log)
	processor := worker.NewProcessor(orch, blobs, tracker, m, log)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	asynqServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})
	if err := asynqServer.Start(processor.Handler()); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer asynqServer.Shutdown()
	log.Info("worker pool started", "concurrency", cfg.ProcessingPool)

	server := api.New(
		cfg,
		tracker,
		chapters,
		blobs,
		blobs,
		queue.NewClient(asynqClient),
		signing.NewSigner(cfg.SigningSecret),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		log,
	)
	return server.Run(ctx)
}
