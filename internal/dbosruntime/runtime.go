// Package dbosruntime owns the DBOS context and queue analyses run on.
package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"
)

// Runtime manages the DBOS lifecycle and a connection pool on its system
// database
type Runtime struct {
	dbosContext dbos.DBOSContext
	queue       dbos.WorkflowQueue
	config      Config
	db          *sql.DB
}

// NewRuntime connects to the system database and declares the queue.
// Workflows must be registered before Launch.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DBOS_SYSTEM_DATABASE_URL is required")
	}
	cfg.WithDefaults()

	// Status lookups, the submission ledger and run summaries share this pool
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create DBOS context: %w", err)
	}

	// Each worker process runs at most Concurrency analyses at once
	queue := dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName,
		dbos.WithWorkerConcurrency(cfg.Concurrency),
	)

	return &Runtime{
		dbosContext: dbosCtx,
		queue:       queue,
		config:      cfg,
		db:          db,
	}, nil
}

// Launch starts queue polling and recovers pending workflows
func (r *Runtime) Launch() error {
	if err := dbos.Launch(r.dbosContext); err != nil {
		return fmt.Errorf("failed to launch DBOS: %w", err)
	}
	return nil
}

// Shutdown waits up to timeout for DBOS to stop, then closes the pool
func (r *Runtime) Shutdown(timeout time.Duration) error {
	dbos.Shutdown(r.dbosContext, timeout)
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Runtime) Context() dbos.DBOSContext { return r.dbosContext }

// DB returns the pool on the DBOS system database
func (r *Runtime) DB() *sql.DB { return r.db }

func (r *Runtime) QueueName() string { return r.config.QueueName }

func (r *Runtime) Concurrency() int { return r.config.Concurrency }
