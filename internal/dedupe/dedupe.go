// Package dedupe counts repeated analysis submissions of the same input and
// pipeline config.
package dedupe

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Tracker tracks duplicate analysis submissions
type Tracker struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewTracker creates a new dedupe tracker
func NewTracker(ctx context.Context, db *sql.DB, logger zerolog.Logger) (*Tracker, error) {
	tracker := &Tracker{db: db, logger: logger}

	if err := tracker.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}

	return tracker, nil
}

// ensureTable creates the analyze_dedupe table if it doesn't exist
func (t *Tracker) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS analyze_dedupe (
			input TEXT NOT NULL,
			config_digest TEXT NOT NULL,
			job TEXT,
			last_run_id TEXT,
			first_seen_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1,
			PRIMARY KEY (input, config_digest)
		)
	`

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create analyze_dedupe table: %w", err)
	}

	t.logger.Debug().Msg("analyze_dedupe table ready")
	return nil
}

// Digest identifies the pipeline configuration of a request
func Digest(req pipeline.AnalyzeRequest) string {
	h := sha256.New()
	if req.Config != "" {
		h.Write([]byte("inline\x00"))
		h.Write([]byte(req.Config))
	} else {
		h.Write([]byte("path\x00"))
		h.Write([]byte(req.ConfigPath))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Record records a submission and returns how often it has been seen
func (t *Tracker) Record(ctx context.Context, req pipeline.AnalyzeRequest, runID string) (int, error) {
	query := `
		INSERT INTO analyze_dedupe (input, config_digest, job, last_run_id, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
		ON CONFLICT (input, config_digest) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = analyze_dedupe.seen_count + 1,
		    job = EXCLUDED.job,
		    last_run_id = EXCLUDED.last_run_id
		RETURNING seen_count
	`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, req.Input, Digest(req), req.Job, runID).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record dedupe: %w", err)
	}

	return seenCount, nil
}

// GetSeenCount retrieves the seen count of a submission
func (t *Tracker) GetSeenCount(ctx context.Context, req pipeline.AnalyzeRequest) (int, error) {
	query := `SELECT seen_count FROM analyze_dedupe WHERE input = $1 AND config_digest = $2`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, req.Input, Digest(req)).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
