package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/approval"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/artifacts"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/auth"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/httpserver"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/integration"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/logging"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/regression"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/rollout"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/scheduler"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("db ping", zap.Error(err))
	}
	if err := store.Migrate(ctx, db); err != nil {
		logger.Fatal("store migrate", zap.Error(err))
	}
	if err := activity.Migrate(ctx, db); err != nil {
		logger.Fatal("activity migrate", zap.Error(err))
	}

	pipeline, err := loadPipeline(cfg.PipelineFile)
	if err != nil {
		logger.Fatal("pipeline load", zap.Error(err))
	}

	st := store.NewPGStore(db)
	activityStore := activity.NewPGStore(db)
	activityLog := activity.NewLog(activityStore, logger)

	var artifactStore artifacts.Store = artifacts.NewMemoryStore()
	if cfg.ArtifactBucket != "" {
		s3Store, err := artifacts.NewS3Store(ctx, cfg.ArtifactBucket)
		if err != nil {
			logger.Fatal("artifact store init", zap.Error(err))
		}
		artifactStore = s3Store
	} else {
		logger.Warn("RELEASE_ARTIFACT_BUCKET not set, manual uploads are kept in memory")
	}

	var (
		executor    orchestrator.Executor = orchestrator.NewLocalExecutor()
		cherryPicks approval.CherryPickChecker
	)
	if cfg.IntegrationURL != "" {
		client, err := integration.NewClient(integration.ClientConfig{
			BaseURL: cfg.IntegrationURL,
			Token:   cfg.IntegrationToken,
			Retries: cfg.IntegrationRetries,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatal("integration client init", zap.Error(err))
		}
		executor = integration.NewExecutor(client)
		cherryPicks = integration.NewCherryPicks(client)
	} else {
		logger.Warn("RELEASE_INTEGRATION_URL not set, tasks run on the local executor")
	}

	controller := rollout.NewController(st, activityLog, rollout.DefaultsFrom(cfg.Rollout), logger)
	orch := orchestrator.New(orchestrator.Deps{
		Store:          st,
		Pipeline:       pipeline,
		Cycles:         regression.NewManager(st, pipeline, activityLog, logger),
		Gate:           approval.NewGate(st, nil, cherryPicks, activityLog, logger),
		Submitter:      controller,
		Executor:       executor,
		Artifacts:      artifactStore,
		ArtifactPrefix: cfg.ArtifactPrefix,
		Activity:       activityLog,
		Logger:         logger,
		Holder:         cfg.HolderID,
		LeaseTTL:       cfg.LeaseTimeout,
	})

	sched, err := scheduler.New(orch, scheduler.Config{
		Schedule: cfg.TickSchedule,
		Workers:  cfg.TickWorkers,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("scheduler init", zap.Error(err))
	}
	if cfg.RunScheduler {
		logger.Info("starting tick scheduler", zap.String("schedule", cfg.TickSchedule), zap.Int("workers", cfg.TickWorkers))
		sched.Start(ctx)
	}

	if cfg.StreamingEnabled() {
		producer, err := activity.NewKafkaProducer(activity.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			logger.Fatal("kafka producer init", zap.Error(err))
		}
		archiver, err := activity.NewS3Archiver(ctx, cfg.ActivityBucket, cfg.ActivityPrefix)
		if err != nil {
			logger.Fatal("activity archiver init", zap.Error(err))
		}
		streamer := activity.NewStreamer(activityStore, producer, archiver, activity.StreamerConfig{
			BatchSize:      cfg.StreamBatchSize,
			MaxConcurrency: cfg.StreamConcurrency,
		}, logger)
		go func() {
			if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("activity streamer stopped", zap.Error(err))
			}
		}()
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Fatal("auth verifier init", zap.Error(err))
	}
	server := httpserver.New(httpserver.Deps{
		Orchestrator: orch,
		Rollout:      controller,
		Activity:     activityLog,
		Scheduler:    sched,
		Store:        st,
		Verifier:     verifier,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("release orchestrator listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	waitForShutdown(logger, cfg.ShutdownGrace, cancel, sched, httpServer)
}

func loadPipeline(path string) (tasks.Pipeline, error) {
	if path == "" {
		return tasks.DefaultPipeline()
	}
	return tasks.LoadPipeline(path)
}

func waitForShutdown(logger *zap.Logger, grace time.Duration, cancel context.CancelFunc, sched *scheduler.Scheduler, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	// Let a running tick finish its releases before cancelling their context.
	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
	}
	cancel()
}
