package workflows

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// SummaryStore keeps the summaries of finished runs
type SummaryStore interface {
	Save(ctx context.Context, summary *pipeline.AnalyzeSummary) error
	Get(ctx context.Context, runID string) (*pipeline.AnalyzeSummary, error)
}

// MemorySummaryStore keeps summaries in process memory
type MemorySummaryStore struct {
	mu   sync.RWMutex
	runs map[string]pipeline.AnalyzeSummary
}

// NewMemorySummaryStore creates an empty store
func NewMemorySummaryStore() *MemorySummaryStore {
	return &MemorySummaryStore{runs: make(map[string]pipeline.AnalyzeSummary)}
}

// Save implements SummaryStore
func (s *MemorySummaryStore) Save(_ context.Context, summary *pipeline.AnalyzeSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[summary.RunID] = *summary
	return nil
}

// Get implements SummaryStore
func (s *MemorySummaryStore) Get(_ context.Context, runID string) (*pipeline.AnalyzeSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &summary, nil
}

// PostgresSummaryStore keeps summaries in the analyze_runs table
type PostgresSummaryStore struct {
	db *sql.DB
}

// NewPostgresSummaryStore creates the analyze_runs table if needed
func NewPostgresSummaryStore(ctx context.Context, db *sql.DB) (*PostgresSummaryStore, error) {
	query := `
		CREATE TABLE IF NOT EXISTS analyze_runs (
			run_id TEXT PRIMARY KEY,
			input TEXT,
			frames BIGINT,
			error TEXT,
			summary JSONB NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ DEFAULT NOW()
		)
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to create analyze_runs table: %w", err)
	}
	return &PostgresSummaryStore{db: db}, nil
}

// Save implements SummaryStore
func (s *PostgresSummaryStore) Save(ctx context.Context, summary *pipeline.AnalyzeSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	query := `
		INSERT INTO analyze_runs (run_id, input, frames, error, summary, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (run_id) DO UPDATE
		SET frames = EXCLUDED.frames,
		    error = EXCLUDED.error,
		    summary = EXCLUDED.summary,
		    finished_at = NOW()
	`
	_, err = s.db.ExecContext(ctx, query,
		summary.RunID,
		summary.Input,
		int64(summary.Frames),
		sql.NullString{String: summary.Error, Valid: summary.Error != ""},
		string(data),
		summary.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// Get implements SummaryStore
func (s *PostgresSummaryStore) Get(ctx context.Context, runID string) (*pipeline.AnalyzeSummary, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM analyze_runs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}

	var summary pipeline.AnalyzeSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &summary, nil
}
