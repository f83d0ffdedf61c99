package workflows

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/config"
	"github.com/tendant/simple-frame-pipeline/internal/metrics"
	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/scheduler"
	"github.com/tendant/simple-frame-pipeline/internal/sink"
	"github.com/tendant/simple-frame-pipeline/internal/source"
	"github.com/tendant/simple-frame-pipeline/internal/storage"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// SourceOpener opens the frame source a config describes
type SourceOpener func(ctx context.Context, cfg pipeline.SourceConfig, logger zerolog.Logger) (source.Source, error)

// Backends are the runner and source implementations of the build environment
type Backends struct {
	Runners     *runner.Registry
	SourceKinds []pipeline.SourceKind
	OpenSource  SourceOpener
}

// AnalyzeWorkflow runs one pipeline over one input
type AnalyzeWorkflow struct {
	backends      Backends
	configs       storage.Reader
	defaultConfig *pipeline.Config
	resultsDB     *sql.DB
	derived       sink.DerivedOpener
	metrics       *metrics.Metrics
	summaries     SummaryStore
	consumers     map[string]sink.Sink
	logger        zerolog.Logger

	restricted bool
	outputs    *storage.FilesystemStorage
}

// AnalyzeOption configures an AnalyzeWorkflow
type AnalyzeOption func(*AnalyzeWorkflow)

// WithConfigStore resolves relative config paths of requests against r
func WithConfigStore(r storage.Reader) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.configs = r }
}

// WithDefaultConfig is used for requests that carry no config
func WithDefaultConfig(cfg *pipeline.Config) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.defaultConfig = cfg }
}

// WithResultsDB backs postgres sinks
func WithResultsDB(db *sql.DB) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.resultsDB = db }
}

// WithDerivedStore backs content sinks
func WithDerivedStore(open sink.DerivedOpener) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.derived = open }
}

// WithMetrics shares one set of collectors across runs
func WithMetrics(m *metrics.Metrics) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.metrics = m }
}

// WithSummaries stores every run summary, failed runs included
func WithSummaries(s SummaryStore) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.summaries = s }
}

// WithConsumers replaces the configured sinks of the named triggers
func WithConsumers(consumers map[string]sink.Sink) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.consumers = consumers }
}

// WithRestrictedRequests limits configs supplied by requests, inline or by
// config_path, to what a remote caller may use: file sinks must resolve below
// outputs (nil rejects them), ffmpeg_path is refused and config_path must name
// an entry of the config store or a URL. The default config is not limited.
func WithRestrictedRequests(outputs *storage.FilesystemStorage) AnalyzeOption {
	return func(w *AnalyzeWorkflow) {
		w.restricted = true
		w.outputs = outputs
	}
}

// WithAnalyzeLogger sets the logger
func WithAnalyzeLogger(l zerolog.Logger) AnalyzeOption {
	return func(w *AnalyzeWorkflow) { w.logger = l }
}

// NewAnalyzeWorkflow creates the analysis workflow
func NewAnalyzeWorkflow(backends Backends, opts ...AnalyzeOption) *AnalyzeWorkflow {
	w := &AnalyzeWorkflow{
		backends: backends,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the workflow name
func (w *AnalyzeWorkflow) Name() string {
	return "AnalyzeWorkflow"
}

// Execute runs the analysis workflow
func (w *AnalyzeWorkflow) Execute(wctx *WorkflowContext) (*pipeline.AnalyzeSummary, error) {
	logger := w.logger.With().Str("run_id", wctx.RunID).Logger()
	summary := &pipeline.AnalyzeSummary{
		RunID:     wctx.RunID,
		Input:     wctx.Request.Input,
		StartedAt: time.Now().UTC(),
	}

	logger.Info().Str("input", wctx.Request.Input).Msg("starting analyze workflow")

	err := w.analyze(wctx.Ctx, wctx.RunID, wctx.Request, summary, logger)
	summary.Duration = time.Since(summary.StartedAt)
	if err != nil {
		summary.Error = err.Error()
		logger.Error().Err(err).Uint64("frames", summary.Frames).Msg("analyze workflow failed")
	} else {
		logger.Info().
			Uint64("frames", summary.Frames).
			Dur("duration", summary.Duration).
			Msg("analyze workflow completed")
	}

	if w.summaries != nil {
		if serr := w.summaries.Save(context.WithoutCancel(wctx.Ctx), summary); serr != nil {
			logger.Warn().Err(serr).Msg("failed to save run summary")
		}
	}
	return summary, err
}

func (w *AnalyzeWorkflow) analyze(ctx context.Context, runID string, req pipeline.AnalyzeRequest, summary *pipeline.AnalyzeSummary, logger zerolog.Logger) error {
	cfg, err := w.loadConfig(ctx, req)
	if err != nil {
		return err
	}
	if req.Input != "" {
		cfg.Source.Input = req.Input
	}
	if req.MaxInFlight != 0 {
		cfg.MaxInFlight = req.MaxInFlight
	}
	if cfg.Source.Input == "" && cfg.Source.Kind != pipeline.SourceMemory {
		return fmt.Errorf("%w: input is required", ErrInvalidRequest)
	}
	summary.Input = cfg.Source.Input

	p, err := config.Build(ctx, cfg, config.BuildOptions{
		Runners:     w.backends.Runners,
		SourceKinds: w.backends.SourceKinds,
		Sinks:       sink.Options{Logger: logger, DB: w.resultsDB, Derived: w.derived},
		Logger:      logger,
		Consumers:   w.consumers,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close pipeline")
		}
	}()

	sched, err := scheduler.New(p.Triggers,
		scheduler.WithMaxInFlight(cfg.MaxInFlight),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(w.metrics),
		scheduler.WithRunID(runID),
	)
	if err != nil {
		return err
	}

	if w.backends.OpenSource == nil {
		return fmt.Errorf("no source opener configured")
	}
	src, err := w.backends.OpenSource(ctx, cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close source")
		}
	}()

	err = sched.Run(ctx, src)
	stats := sched.Stats()
	summary.Frames = stats.FramesPulled
	summary.Triggers = stats.Triggers
	return err
}

// loadConfig returns a private copy of the request's pipeline config
func (w *AnalyzeWorkflow) loadConfig(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.Config, error) {
	if req.Config == "" && req.ConfigPath == "" {
		if w.defaultConfig == nil {
			return nil, fmt.Errorf("%w: config or config_path is required", ErrInvalidRequest)
		}
		// Top-level fields are overridden per run; maps are only read
		cfg := *w.defaultConfig
		return &cfg, nil
	}

	cfg, err := w.requestConfig(ctx, req)
	if err != nil {
		return nil, err
	}
	if w.restricted {
		if err := config.Restrict(cfg, w.outputs); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// requestConfig parses the config a request carries or points to
func (w *AnalyzeWorkflow) requestConfig(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.Config, error) {
	switch {
	case req.Config != "":
		return config.Parse([]byte(req.Config))
	case req.ConfigPath != "" && storage.IsURL(req.ConfigPath):
		return config.LoadFrom(ctx, storage.NewHTTPReader(""), req.ConfigPath)
	case req.ConfigPath != "" && w.configs != nil:
		return config.LoadFrom(ctx, w.configs, req.ConfigPath)
	case w.restricted:
		return nil, fmt.Errorf("%w: config_path %q needs a config store", ErrInvalidRequest, req.ConfigPath)
	default:
		return config.Load(req.ConfigPath)
	}
}
