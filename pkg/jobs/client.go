package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/tendant/simple-frame-pipeline/internal/dbosruntime"
	"github.com/tendant/simple-frame-pipeline/internal/dedupe"
	"github.com/tendant/simple-frame-pipeline/internal/workflows"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Client provides a client-only API for enqueueing analyses without executing them.
// Workers must be running separately to execute the enqueued runs.
type Client struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
	tracker *dedupe.Tracker
}

// NewClient creates a client that can enqueue analyses but doesn't execute them
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dbosRuntime, err := dbosruntime.NewRuntime(ctx, cfg.runtimeConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	// Registers the workflow function only, so RunAsync can reference it
	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime, workflows.WithLogger(cfg.Logger))

	tracker, err := dedupe.NewTracker(ctx, dbosRuntime.DB(), cfg.Logger)
	if err != nil {
		dbosRuntime.Shutdown(time.Second)
		return nil, err
	}

	if err := dbosRuntime.Launch(); err != nil {
		dbosRuntime.Shutdown(time.Second)
		return nil, err
	}

	return &Client{
		runtime: dbosRuntime,
		runner:  workflowRunner,
		tracker: tracker,
	}, nil
}

// Analyze enqueues a run of the pipeline at configPath over input
func (c *Client) Analyze(ctx context.Context, input, configPath string) (*pipeline.AnalyzeResponse, error) {
	return c.Enqueue(ctx, pipeline.AnalyzeRequest{
		Job:        pipeline.JobAnalyze,
		Input:      input,
		ConfigPath: configPath,
	})
}

// Enqueue enqueues an arbitrary request
func (c *Client) Enqueue(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.AnalyzeResponse, error) {
	runID, err := c.runner.RunAsync(ctx, req)
	if err != nil {
		return nil, err
	}
	seen, err := c.tracker.Record(ctx, req, runID)
	if err != nil {
		return &pipeline.AnalyzeResponse{RunID: runID}, fmt.Errorf("run %s enqueued but not recorded: %w", runID, err)
	}
	return &pipeline.AnalyzeResponse{RunID: runID, DedupeSeenCount: seen}, nil
}

// Status reports the DBOS state of a run
func (c *Client) Status(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	return c.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the client
func (c *Client) Shutdown(timeoutSeconds int) {
	if c.runtime != nil {
		c.runtime.Shutdown(time.Duration(timeoutSeconds) * time.Second)
	}
}
