// Package jobs runs pipeline analyses as durable jobs on a DBOS queue.
//
// A Worker registers the analysis workflow and executes queued runs. A
// Client only enqueues runs for workers elsewhere.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/dbosruntime"
	"github.com/tendant/simple-frame-pipeline/internal/dedupe"
	"github.com/tendant/simple-frame-pipeline/internal/metrics"
	"github.com/tendant/simple-frame-pipeline/internal/storage"
	"github.com/tendant/simple-frame-pipeline/internal/storage/contentstore"
	"github.com/tendant/simple-frame-pipeline/internal/workflows"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Config holds the configuration for a worker or client
type Config struct {
	DatabaseURL        string // DBOS PostgreSQL connection string
	AppName            string // Application name for DBOS
	QueueName          string // DBOS queue name
	Concurrency        int    // Number of analyses run at once
	ApplicationVersion string // Optional: Override binary hash for version matching

	// ConfigDir resolves relative config_path values of requests
	ConfigDir string

	// OutputDir holds the files of jsonl, msgpack and images sinks named by
	// request configs. Without it requests may not use those sinks.
	OutputDir string

	// DefaultConfig is used for requests without config or config_path
	DefaultConfig *pipeline.Config

	// ResultsDatabaseURL backs postgres sinks; defaults to DatabaseURL
	ResultsDatabaseURL string

	// Content backs content sinks. Without ConfigDir, config_path values
	// are content IDs in this store.
	Content *contentstore.Store

	Logger zerolog.Logger
}

// requestLimits restricts request configs. Requests reach the worker from
// remote callers, so they never name host paths directly.
func (c Config) requestLimits() (workflows.AnalyzeOption, error) {
	if c.OutputDir == "" {
		return workflows.WithRestrictedRequests(nil), nil
	}
	outputs, err := storage.NewFilesystemStorage(c.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open output directory: %w", err)
	}
	return workflows.WithRestrictedRequests(outputs), nil
}

func (c Config) runtimeConfig() dbosruntime.Config {
	return dbosruntime.Config{
		DatabaseURL:        c.DatabaseURL,
		AppName:            c.AppName,
		QueueName:          c.QueueName,
		Concurrency:        c.Concurrency,
		ApplicationVersion: c.ApplicationVersion,
	}
}

// Worker executes queued analyses
type Worker struct {
	runtime   *dbosruntime.Runtime
	runner    *workflows.WorkflowRunner
	tracker   *dedupe.Tracker
	metrics   *metrics.Metrics
	resultsDB *sql.DB
	logger    zerolog.Logger
}

// New creates a worker, registers the analysis workflow and launches DBOS
func New(ctx context.Context, cfg Config, backends workflows.Backends) (*Worker, error) {
	dbosRuntime, err := dbosruntime.NewRuntime(ctx, cfg.runtimeConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	w := &Worker{
		runtime:   dbosRuntime,
		metrics:   metrics.New(),
		resultsDB: dbosRuntime.DB(),
		logger:    cfg.Logger,
	}
	fail := func(err error) (*Worker, error) {
		w.Shutdown(time.Second)
		return nil, err
	}

	if cfg.ResultsDatabaseURL != "" && cfg.ResultsDatabaseURL != cfg.DatabaseURL {
		db, err := sql.Open("postgres", cfg.ResultsDatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("failed to open results database: %w", err))
		}
		w.resultsDB = db
	}

	if w.tracker, err = dedupe.NewTracker(ctx, dbosRuntime.DB(), cfg.Logger); err != nil {
		return fail(err)
	}
	summaries, err := workflows.NewPostgresSummaryStore(ctx, w.resultsDB)
	if err != nil {
		return fail(err)
	}

	limits, err := cfg.requestLimits()
	if err != nil {
		return fail(err)
	}
	opts := []workflows.AnalyzeOption{
		limits,
		workflows.WithResultsDB(w.resultsDB),
		workflows.WithMetrics(w.metrics),
		workflows.WithSummaries(summaries),
		workflows.WithAnalyzeLogger(cfg.Logger),
	}
	if cfg.DefaultConfig != nil {
		opts = append(opts, workflows.WithDefaultConfig(cfg.DefaultConfig))
	}
	if cfg.Content != nil {
		opts = append(opts, workflows.WithDerivedStore(cfg.Content.Derived))
	}
	switch {
	case cfg.ConfigDir != "":
		store, err := storage.NewFilesystemStorage(cfg.ConfigDir)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, workflows.WithConfigStore(store))
	case cfg.Content != nil:
		opts = append(opts, workflows.WithConfigStore(cfg.Content))
	}

	w.runner = workflows.NewWorkflowRunner(dbosRuntime,
		workflows.WithSummaryStore(summaries),
		workflows.WithLogger(cfg.Logger),
	)
	analyze := workflows.NewAnalyzeWorkflow(backends, opts...)
	w.runner.Register(pipeline.JobAnalyze, analyze)
	cfg.Logger.Info().Str("workflow", analyze.Name()).Str("job", pipeline.JobAnalyze).Msg("registered workflow")

	// Launch DBOS (must be done after workflow registration)
	if err := dbosRuntime.Launch(); err != nil {
		return fail(err)
	}

	cfg.Logger.Info().
		Str("queue", dbosRuntime.QueueName()).
		Int("concurrency", dbosRuntime.Concurrency()).
		Msg("DBOS runtime initialized")
	return w, nil
}

// Analyze enqueues an analysis and records the submission
func (w *Worker) Analyze(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.AnalyzeResponse, error) {
	runID, err := w.runner.RunAsync(ctx, req)
	if err != nil {
		return nil, err
	}
	seen, err := w.tracker.Record(ctx, req, runID)
	if err != nil {
		w.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to record submission")
	}
	return &pipeline.AnalyzeResponse{RunID: runID, DedupeSeenCount: seen}, nil
}

// Status reports an analysis run
func (w *Worker) Status(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	return w.runner.GetStatus(ctx, runID)
}

// Runner exposes the workflow runner for HTTP handlers
func (w *Worker) Runner() *workflows.WorkflowRunner { return w.runner }

// Ledger exposes the submission ledger for HTTP handlers
func (w *Worker) Ledger() *dedupe.Tracker { return w.tracker }

// Metrics exposes the collectors shared by every run
func (w *Worker) Metrics() *metrics.Metrics { return w.metrics }

// Shutdown gracefully shuts down the worker
func (w *Worker) Shutdown(timeout time.Duration) {
	if w.resultsDB != nil && w.runtime != nil && w.resultsDB != w.runtime.DB() {
		w.resultsDB.Close()
	}
	if w.runtime != nil {
		if err := w.runtime.Shutdown(timeout); err != nil {
			w.logger.Warn().Err(err).Msg("DBOS shutdown")
		}
	}
}
