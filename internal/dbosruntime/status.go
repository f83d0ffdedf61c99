package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// ErrWorkflowNotFound is returned when no workflow has the requested ID
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowStatusInfo represents the status of a workflow
type WorkflowStatusInfo struct {
	WorkflowUUID string
	Status       string
	Name         string
	CreatedAt    int64 // epoch milliseconds
	UpdatedAt    int64
}

// State maps the DBOS status onto pipeline run states
func (i *WorkflowStatusInfo) State() string {
	return State(i.Status)
}

// RunStatus converts the row into the API representation
func (i *WorkflowStatusInfo) RunStatus() *pipeline.RunStatus {
	return &pipeline.RunStatus{
		RunID:     i.WorkflowUUID,
		State:     i.State(),
		Workflow:  i.Name,
		CreatedAt: time.UnixMilli(i.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(i.UpdatedAt).UTC(),
	}
}

// State maps a DBOS workflow status onto pipeline run states
func State(status string) string {
	switch status {
	case "PENDING":
		return pipeline.RunRunning
	case "ENQUEUED":
		return pipeline.RunPending
	case "SUCCESS":
		return pipeline.RunSucceeded
	case "ERROR", "MAX_RECOVERY_ATTEMPTS_EXCEEDED", "RETRIES_EXCEEDED":
		return pipeline.RunFailed
	case "CANCELLED":
		return pipeline.RunCancelled
	default:
		return pipeline.RunPending
	}
}

// GetWorkflowStatus retrieves the status of a workflow from the DBOS status table
func (r *Runtime) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*WorkflowStatusInfo, error) {
	query := `
		SELECT workflow_uuid, status, name, created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var info WorkflowStatusInfo
	err := r.db.QueryRowContext(ctx, query, workflowUUID).Scan(
		&info.WorkflowUUID,
		&info.Status,
		&info.Name,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	return &info, nil
}
