package models

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type RunRecord struct {
	RunID             string
	Queue             string
	Filter            *string
	DryRun            bool
	Halted            bool
	HaltReason        *string
	Drained           int
	Selected          int
	Published         int
	NoRoutingMetadata int
	PublishFailed     int
	Duplicated        int
	NotAttempted      int
	StartedAt         time.Time
	FinishedAt        time.Time
}

func InsertRun(ctx context.Context, db DBTX, r RunRecord) error {
	_, err := db.Exec(ctx,
		`INSERT INTO requeue_runs (
			run_id, queue, filter, dry_run, halted, halt_reason,
			drained, selected, published, no_routing_metadata, publish_failed, duplicated, not_attempted,
			started_at, finished_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.Queue, r.Filter, r.DryRun, r.Halted, r.HaltReason,
		r.Drained, r.Selected, r.Published, r.NoRoutingMetadata, r.PublishFailed, r.Duplicated, r.NotAttempted,
		r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.RunID, err)
	}
	return nil
}
