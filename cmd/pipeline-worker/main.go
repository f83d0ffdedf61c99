// Command pipeline-worker executes queued analyses and serves the async API
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/simple-frame-pipeline/internal/backends"
	"github.com/tendant/simple-frame-pipeline/internal/config"
	"github.com/tendant/simple-frame-pipeline/internal/handlers"
	"github.com/tendant/simple-frame-pipeline/internal/logger"
	"github.com/tendant/simple-frame-pipeline/internal/storage/contentstore"
	"github.com/tendant/simple-frame-pipeline/pkg/jobs"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

func main() {
	env, err := config.LoadEnv(".env")
	if err != nil {
		logger.New(os.Stderr, logger.ConfigFromEnv()).Fatal().Err(err).Msg("failed to read environment")
	}
	log := logger.New(os.Stderr, logger.Config{Level: env.LogLevel, Format: env.LogFormat})

	httpAddr := env.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8081"
	}
	if env.DBOSDatabaseURL == "" {
		log.Fatal().Msg("DBOS_SYSTEM_DATABASE_URL is required")
	}

	var defaultConfig *pipeline.Config
	if env.ConfigPath != "" {
		if defaultConfig, err = config.Load(env.ConfigPath); err != nil {
			log.Fatal().Err(err).Str("path", env.ConfigPath).Msg("failed to load default pipeline config")
		}
		env.Apply(defaultConfig)
	}

	var content *contentstore.Store
	if env.ContentStorageDir != "" {
		svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(env.ContentStorageDir))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize simple-content service")
		}
		defer cleanup()
		content = contentstore.New(svc)
		log.Info().Str("dir", env.ContentStorageDir).Msg("embedded simple-content service initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker, err := jobs.New(ctx, jobs.Config{
		DatabaseURL:        env.DBOSDatabaseURL,
		AppName:            "pipeline-worker",
		QueueName:          env.DBOSQueueName,
		Concurrency:        env.DBOSConcurrency,
		ApplicationVersion: env.DBOSAppVersion,
		ConfigDir:          env.ConfigDir,
		OutputDir:          env.OutputDir,
		DefaultConfig:      defaultConfig,
		ResultsDatabaseURL: env.ResultsDatabaseURL,
		Content:            content,
		Logger:             log,
	}, jobs.DefaultBackends())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start worker")
	}
	defer worker.Shutdown(10 * time.Second)

	log.Info().
		Str("environment", backends.Env).
		Str("queue", env.DBOSQueueName).
		Bool("default_config", defaultConfig != nil).
		Msg("worker ready")

	asyncHandler := handlers.NewAsyncHandler(worker.Runner(), worker.Ledger(), logger.Component(log, "http"))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/v1/analyze", asyncHandler.HandleAnalyzeAsync)
	mux.HandleFunc("/v1/runs/", asyncHandler.HandleStatus)
	mux.Handle("/metrics", worker.Metrics().Handler())

	server := &http.Server{
		Addr:    httpAddr,
		Handler: mux,
	}
	serve(ctx, server, log)
}

func serve(ctx context.Context, server *http.Server, log zerolog.Logger) {
	go func() {
		log.Info().Str("addr", server.Addr).Msg("pipeline worker listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}
	log.Info().Msg("server stopped")
}
