package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// DefaultTable receives results when a postgres sink names no table
const DefaultTable = "frame_results"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Postgres upserts one row per (run, trigger, frame)
type Postgres struct {
	db     *sql.DB
	insert string
}

// NewPostgres prepares table on db. db stays owned by the caller.
func NewPostgres(ctx context.Context, db *sql.DB, table string) (*Postgres, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, pipeline.ConfigErrorf("sink.table", "invalid table name %q", table)
	}
	ident := pq.QuoteIdentifier(table)

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			frame_seq BIGINT NOT NULL,
			timestamp_ms DOUBLE PRECISION NOT NULL,
			kind TEXT,
			result JSONB NOT NULL,
			error TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (run_id, trigger_id, frame_seq)
		)
	`, ident)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to create %s table: %w", table, err)
	}

	return &Postgres{
		db: db,
		insert: fmt.Sprintf(`
			INSERT INTO %s (run_id, trigger_id, frame_seq, timestamp_ms, kind, result, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, trigger_id, frame_seq) DO UPDATE
			SET timestamp_ms = EXCLUDED.timestamp_ms,
			    kind = EXCLUDED.kind,
			    result = EXCLUDED.result,
			    error = EXCLUDED.error
		`, ident),
	}, nil
}

// Consume implements aggregator.Consumer
func (p *Postgres) Consume(ctx context.Context, out pipeline.RunnerOutput) error {
	rec := NewRecord(out)
	result, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = p.db.ExecContext(ctx, p.insert,
		rec.RunID,
		rec.TriggerID,
		int64(rec.Seq),
		rec.TimestampMS,
		sql.NullString{String: string(rec.Kind), Valid: rec.Kind != ""},
		string(result),
		sql.NullString{String: rec.Error, Valid: rec.Error != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// Close implements io.Closer
func (p *Postgres) Close() error { return nil }
