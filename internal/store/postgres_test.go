package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clickstream-etl/internal/quality"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func segmentRows() [][]any {
	return [][]any{
		{int64(1), 0, "high_value"},
		{int64(2), 1, "regular"},
	}
}

func TestPostgresStore_ReplaceTable_SwapSequence(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DROP TABLE IF EXISTS "user_rfm_tmp_new"`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`CREATE TABLE "user_rfm_tmp_new" \(LIKE "user_rfm" INCLUDING ALL\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"user_rfm_tmp_new"}, []string{"user_id", "cluster_id", "rfm_label"}).
		WillReturnResult(2)

	// The identity exchange happens inside one transaction so the live name
	// always resolves to a fully populated table.
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER TABLE "user_rfm" RENAME TO "user_rfm_tmp_old"`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(`ALTER TABLE "user_rfm_tmp_new" RENAME TO "user_rfm"`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(`DROP TABLE "user_rfm_tmp_old"`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()

	err := s.ReplaceTable(context.Background(), TableUserRFM, segmentRows())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceTable_MidSwapFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DROP TABLE IF EXISTS "user_rfm_tmp_new"`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`CREATE TABLE "user_rfm_tmp_new"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"user_rfm_tmp_new"}, []string{"user_id", "cluster_id", "rfm_label"}).
		WillReturnResult(2)

	mock.ExpectBegin()
	mock.ExpectExec(`ALTER TABLE "user_rfm" RENAME TO "user_rfm_tmp_old"`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(`ALTER TABLE "user_rfm_tmp_new" RENAME TO "user_rfm"`).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	err := s.ReplaceTable(context.Background(), TableUserRFM, segmentRows())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promote shadow")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceTable_UnknownTable(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.ReplaceTable(context.Background(), "not_a_table", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	for range ddlOrder {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "buy_fact"`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := s.CountRows(context.Background(), TableBuyFact)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WriteAuditRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO etl_dq_log`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), `{"cleaned_rows":10}`, `["w1"]`, `[]`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	snap := quality.Snapshot{
		RunTime:        time.Now().UTC(),
		ElapsedSeconds: 1.5,
		MetricsJSON:    `{"cleaned_rows":10}`,
		WarningsJSON:   `["w1"]`,
		ProfilesJSON:   `[]`,
	}
	require.NoError(t, s.WriteAuditRow(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}
