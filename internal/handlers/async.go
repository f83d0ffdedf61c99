package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/workflows"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Enqueuer starts and inspects analysis runs
type Enqueuer interface {
	RunAsync(ctx context.Context, req pipeline.AnalyzeRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error)
}

// Ledger counts repeated submissions
type Ledger interface {
	Record(ctx context.Context, req pipeline.AnalyzeRequest, runID string) (int, error)
}

// AsyncHandler handles asynchronous analysis requests
type AsyncHandler struct {
	runner Enqueuer
	ledger Ledger
	logger zerolog.Logger
}

// NewAsyncHandler creates a new async handler. ledger may be nil.
func NewAsyncHandler(runner Enqueuer, ledger Ledger, logger zerolog.Logger) *AsyncHandler {
	return &AsyncHandler{
		runner: runner,
		ledger: ledger,
		logger: logger,
	}
}

// HandleAnalyzeAsync handles POST /v1/analyze - enqueues a run and returns immediately
func (h *AsyncHandler) HandleAnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pipeline.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.Job == "" {
		req.Job = pipeline.JobAnalyze
	}

	runID, err := h.runner.RunAsync(r.Context(), req)
	switch {
	case errors.Is(err, workflows.ErrWorkflowNotFound):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("input", req.Input).Msg("failed to enqueue analysis")
		http.Error(w, fmt.Sprintf("Failed to enqueue analysis: %v", err), http.StatusInternalServerError)
		return
	}

	// The run is already queued; a ledger failure only loses the count
	seen := 0
	if h.ledger != nil {
		if seen, err = h.ledger.Record(r.Context(), req, runID); err != nil {
			h.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to record submission")
		}
	}

	h.logger.Info().
		Str("run_id", runID).
		Str("input", req.Input).
		Int("seen", seen).
		Msg("analysis enqueued")

	writeJSON(w, http.StatusAccepted, pipeline.AnalyzeResponse{
		RunID:           runID,
		DedupeSeenCount: seen,
	})
}

// HandleStatus handles GET /v1/runs/{runID} - returns run status
func (h *AsyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	status, err := h.runner.GetStatus(r.Context(), runID)
	switch {
	case errors.Is(err, workflows.ErrRunNotFound):
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("run_id", runID).Msg("failed to get run status")
		http.Error(w, "Failed to get run status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// HandleHealth returns health status
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
