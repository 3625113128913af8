package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/config"
	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/downloader"
	apphttp "iptv-ingest/internal/http"
	"iptv-ingest/internal/loader"
	"iptv-ingest/internal/metrics"
	"iptv-ingest/internal/repository/sqlite"
	"iptv-ingest/internal/scheduler"
	"iptv-ingest/internal/service"
	"iptv-ingest/internal/storage"
	"iptv-ingest/internal/store"
	"iptv-ingest/internal/tasks"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	configureLogger(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	sourceRepo := sqlite.NewSourceRepository(db)
	historyRepo := sqlite.NewTaskRepository(db)
	if err := sourceRepo.Init(ctx); err != nil {
		logger.Fatalf("init source repository: %v", err)
	}
	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init task history repository: %v", err)
	}
	if err := service.SeedSources(ctx, sourceRepo, cfg.SeedSources()); err != nil {
		logger.Fatalf("seed sources: %v", err)
	}

	canonical, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Fatalf("open canonical store: %v", err)
	}
	defer canonical.Close()
	if err := canonical.Init(ctx); err != nil {
		logger.Fatalf("init canonical store: %v", err)
	}
	logger.Infof("canonical store ready (%s)", canonical.Dialect().Name)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	coord := tasks.NewCoordinator(logger)
	taskService := service.NewTaskService(historyRepo, coord, logger)
	coord.OnFinish(m.TaskFinished)
	coord.OnFinish(func(task domain.Task) {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := taskService.Record(recordCtx, task); err != nil {
			logger.WithField("task_id", task.ID).Warnf("persist task history: %v", err)
		}
	})

	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	ingest := service.NewIngestService(service.IngestConfig{
		DataDir:       cfg.Download.DataDir,
		MaxConcurrent: cfg.Download.MaxConcurrent,
		ArchiveKeep:   cfg.Storage.Keep,
		Logger:        logger,
	}, service.IngestDeps{
		Sources:     sourceRepo,
		Coordinator: coord,
		Downloader: downloader.New(downloader.Config{
			Client: &http.Client{Timeout: cfg.Download.Timeout},
			Logger: logger,
		}, coord),
		Loader:   loader.New(canonical, coord, logger),
		Archiver: archiver,
		Metrics:  m,
	})

	sched := scheduler.New(ingest, scheduler.Config{
		Intervals: map[domain.Kind]time.Duration{
			domain.KindPlaylist: cfg.Schedule.Playlist,
			domain.KindGuide:    cfg.Schedule.Guide,
		},
		RunOnStart: cfg.Schedule.RunOnStart,
		Pruner:     taskService,
		PruneEvery: cfg.Tasks.PruneEvery,
		Retention:  cfg.Tasks.Retention,
		Logger:     logger,
	})
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(ingest, taskService, archiver, m, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	<-schedDone
	ingest.Shutdown()

	logger.Info("bye")
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	if strings.EqualFold(cfg.Log.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("invalid log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// buildArchiver returns nil when no bucket is configured; raw feeds are then
// only kept on local disk.
func buildArchiver(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Archiver, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("feed archive disabled (no storage bucket)")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving raw feeds to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Archiver(client, storage.S3Config{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		ProgressCallback: func(key string, done, total int64) {
			logger.WithField("key", key).Debugf("archive upload %d/%d bytes", done, total)
		},
	}), nil
}
