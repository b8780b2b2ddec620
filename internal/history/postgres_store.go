// Package history provides a durable RunHistoryStore for the Timing
// Profiler (C8), persisting RunTimingSummary records in PostgreSQL beyond
// the in-memory 10-run ring buffer the profiler always keeps. This store is
// purely additive: every timing invariant in the core's test suite is
// verified against the in-memory store, not this one.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/livecalc/core/internal/engine"
)

// PostgresRunHistoryStore implements engine.RunHistoryStore over a
// run_history table: one row per run, node-level timing detail stored as a
// JSONB blob since its shape (one entry per pipeline node id) has no fixed
// column set.
type PostgresRunHistoryStore struct {
	db *sqlx.DB
}

// NewPostgresRunHistoryStore wraps an already-connected, already-migrated
// database handle.
func NewPostgresRunHistoryStore(db *sqlx.DB) *PostgresRunHistoryStore {
	return &PostgresRunHistoryStore{db: db}
}

type runHistoryRow struct {
	RunID          string    `db:"run_id"`
	TotalMs        float64   `db:"total_ms"`
	SlowestNodeID  string    `db:"slowest_node_id"`
	SlowestNodeMs  float64   `db:"slowest_node_ms"`
	Parallel       bool      `db:"parallel"`
	CriticalPathMs float64   `db:"critical_path_ms"`
	NodeTimings    []byte    `db:"node_timings"`
	RecordedAt     time.Time `db:"recorded_at"`
}

// Save upserts one run's timing summary.
func (s *PostgresRunHistoryStore) Save(summary engine.RunTimingSummary) error {
	nodeTimings, err := json.Marshal(summary.NodeTimings)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_history (run_id, total_ms, slowest_node_id, slowest_node_ms, parallel, critical_path_ms, node_timings)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			total_ms = EXCLUDED.total_ms,
			slowest_node_id = EXCLUDED.slowest_node_id,
			slowest_node_ms = EXCLUDED.slowest_node_ms,
			parallel = EXCLUDED.parallel,
			critical_path_ms = EXCLUDED.critical_path_ms,
			node_timings = EXCLUDED.node_timings
	`, summary.RunID, summary.TotalMs, summary.SlowestNodeID, summary.SlowestNodeMs, summary.HasParallelExecution, summary.CriticalPathMs, nodeTimings)
	return err
}

// Load fetches one run's timing summary by id.
func (s *PostgresRunHistoryStore) Load(runID string) (engine.RunTimingSummary, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var row runHistoryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT run_id, total_ms, slowest_node_id, slowest_node_ms, parallel, critical_path_ms, node_timings, recorded_at
		FROM run_history WHERE run_id = $1
	`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.RunTimingSummary{}, false, nil
	}
	if err != nil {
		return engine.RunTimingSummary{}, false, err
	}

	var nodeTimings map[string]engine.NodeTimingDetail
	if err := json.Unmarshal(row.NodeTimings, &nodeTimings); err != nil {
		return engine.RunTimingSummary{}, false, err
	}

	return engine.RunTimingSummary{
		RunID:                row.RunID,
		NodeTimings:          nodeTimings,
		TotalMs:              row.TotalMs,
		SlowestNodeID:        row.SlowestNodeID,
		SlowestNodeMs:        row.SlowestNodeMs,
		HasParallelExecution: row.Parallel,
		CriticalPathMs:       row.CriticalPathMs,
	}, true, nil
}
