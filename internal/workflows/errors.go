package workflows

import "errors"

var (
	// ErrWorkflowNotFound is returned when a workflow is not registered
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound is returned when no run has the requested ID
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidRequest is returned when the request is invalid
	ErrInvalidRequest = errors.New("invalid workflow request")

	// ErrNoRuntime is returned for operations that need DBOS when none is configured
	ErrNoRuntime = errors.New("DBOS runtime not initialized")
)
