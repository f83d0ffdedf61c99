package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/dbosruntime"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request pipeline.AnalyzeRequest
	RunID   string
}

// Workflow defines the interface for analysis workflows
type Workflow interface {
	// Execute runs the workflow. The summary is returned even when err is set.
	Execute(wctx *WorkflowContext) (*pipeline.AnalyzeSummary, error)

	// Name returns the workflow name
	Name() string
}

// WorkflowRunner executes workflows, in process or through the DBOS queue
type WorkflowRunner struct {
	workflows   map[string]Workflow
	dbosRuntime *dbosruntime.Runtime
	summaries   SummaryStore
	logger      zerolog.Logger
}

// Option configures a WorkflowRunner
type Option func(*WorkflowRunner)

// WithSummaryStore makes GetStatus include stored run summaries
func WithSummaryStore(s SummaryStore) Option { return func(r *WorkflowRunner) { r.summaries = s } }

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option { return func(r *WorkflowRunner) { r.logger = l } }

// NewWorkflowRunner creates a new workflow runner. dbosRuntime may be nil for
// in-process use; RunAsync and GetStatus then fail with ErrNoRuntime.
func NewWorkflowRunner(dbosRuntime *dbosruntime.Runtime, opts ...Option) *WorkflowRunner {
	runner := &WorkflowRunner{
		workflows:   make(map[string]Workflow),
		dbosRuntime: dbosRuntime,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(runner)
	}

	// Must happen before the runtime is launched
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Register registers a workflow for a job name
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
}

func (r *WorkflowRunner) lookup(req *pipeline.AnalyzeRequest) (Workflow, error) {
	if req.Job == "" {
		req.Job = pipeline.JobAnalyze
	}
	workflow, ok := r.workflows[req.Job]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, req.Job)
	}
	return workflow, nil
}

// Run executes a workflow synchronously in this process
func (r *WorkflowRunner) Run(wctx *WorkflowContext) (*pipeline.AnalyzeSummary, error) {
	workflow, err := r.lookup(&wctx.Request)
	if err != nil {
		return nil, err
	}
	if wctx.RunID == "" {
		wctx.RunID = uuid.New().String()
	}
	return workflow.Execute(wctx)
}

// RunAsync enqueues a workflow for execution by a worker and returns its run ID
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.AnalyzeRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", ErrNoRuntime
	}
	// Enqueue-only clients register no workflows; the worker resolves the job
	if req.Job == "" {
		req.Job = pipeline.JobAnalyze
	}

	// The workflow ID doubles as the run ID for exactly-once semantics
	workflowID := uuid.New().String()

	handle, err := dbos.RunWorkflow[pipeline.AnalyzeRequest, *pipeline.AnalyzeSummary](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(workflowID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue workflow: %w", err)
	}

	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function that wraps registered workflows
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.AnalyzeRequest) (*pipeline.AnalyzeSummary, error) {
	workflow, err := r.lookup(&req)
	if err != nil {
		return nil, err
	}

	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return nil, err
	}

	// DBOSContext implements context.Context
	return workflow.Execute(&WorkflowContext{
		Ctx:     dbosCtx,
		Request: req,
		RunID:   workflowID,
	})
}

// GetStatus retrieves the status of an enqueued run, with its summary once
// the run has finished
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	if r.dbosRuntime == nil {
		return nil, ErrNoRuntime
	}

	info, err := r.dbosRuntime.GetWorkflowStatus(ctx, runID)
	if errors.Is(err, dbosruntime.ErrWorkflowNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	status := info.RunStatus()
	if r.summaries != nil {
		summary, err := r.summaries.Get(ctx, runID)
		switch {
		case err == nil:
			status.Summary = summary
		case !errors.Is(err, ErrRunNotFound):
			r.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to load run summary")
		}
	}
	return status, nil
}
