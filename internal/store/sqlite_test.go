package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clickstream-etl/internal/quality"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestSQLiteStore_ReplaceTable_Roundtrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	rows := [][]any{
		{int64(1), 0, "high_value"},
		{int64(2), 1, "regular"},
		{int64(3), 1, "regular"},
	}
	require.NoError(t, s.ReplaceTable(ctx, TableUserRFM, rows))

	n, err := s.CountRows(ctx, TableUserRFM)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// A second replace fully supersedes the first load.
	require.NoError(t, s.ReplaceTable(ctx, TableUserRFM, rows[:1]))
	n, err = s.CountRows(ctx, TableUserRFM)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_ReplaceTable_Empty(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceTable(ctx, TableCohort, nil))

	n, err := s.CountRows(ctx, TableCohort)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSQLiteStore_ReplaceTable_UnknownTable(t *testing.T) {
	s := newTestSQLiteStore(t)

	err := s.ReplaceTable(context.Background(), "not_a_table", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")
}

func TestSQLiteStore_WriteAuditRow(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	snap := quality.Snapshot{
		RunTime:        time.Date(2017, 12, 10, 8, 0, 0, 0, time.UTC),
		ElapsedSeconds: 12.5,
		MetricsJSON:    `{"cleaned_rows":100}`,
		WarningsJSON:   `[]`,
		ProfilesJSON:   `[]`,
	}
	require.NoError(t, s.WriteAuditRow(ctx, snap))
	require.NoError(t, s.WriteAuditRow(ctx, snap))

	// Audit rows accumulate across runs instead of being replaced.
	n, err := s.CountRows(ctx, TableAuditLog)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestSQLiteStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
