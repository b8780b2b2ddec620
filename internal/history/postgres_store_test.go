package history

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/livecalc/core/internal/engine"
)

func newMockStore(t *testing.T) (*PostgresRunHistoryStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewPostgresRunHistoryStore(sqlxDB), mock, func() { db.Close() }
}

func TestPostgresRunHistoryStoreSaveUpserts(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	summary := engine.RunTimingSummary{
		RunID: "run-1",
		NodeTimings: map[string]engine.NodeTimingDetail{
			"load_rates": {NodeID: "load_rates", TotalMs: 12.5},
		},
		TotalMs:              42.5,
		SlowestNodeID:        "load_rates",
		SlowestNodeMs:        12.5,
		HasParallelExecution: true,
		CriticalPathMs:       30,
	}

	mock.ExpectExec("INSERT INTO run_history").
		WithArgs(summary.RunID, summary.TotalMs, summary.SlowestNodeID, summary.SlowestNodeMs, summary.HasParallelExecution, summary.CriticalPathMs, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Save(summary))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRunHistoryStoreLoadFound(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{
		"run_id", "total_ms", "slowest_node_id", "slowest_node_ms", "parallel", "critical_path_ms", "node_timings", "recorded_at",
	}).AddRow("run-1", 42.5, "load_rates", 12.5, true, 30.0, []byte(`{"load_rates":{"NodeID":"load_rates","TotalMs":12.5}}`), time.Now())

	mock.ExpectQuery("SELECT run_id, total_ms").
		WithArgs("run-1").
		WillReturnRows(rows)

	summary, found, err := store.Load("run-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "run-1", summary.RunID)
	require.Equal(t, 42.5, summary.TotalMs)
	require.Contains(t, summary.NodeTimings, "load_rates")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRunHistoryStoreLoadNotFound(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery("SELECT run_id, total_ms").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "total_ms", "slowest_node_id", "slowest_node_ms", "parallel", "critical_path_ms", "node_timings", "recorded_at",
		}))

	_, found, err := store.Load("missing")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}
