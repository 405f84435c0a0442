package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/clickstream-etl/internal/quality"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the local
// fallback target, written single-process, so a plain drop-and-reload is
// acceptable where the primary store needs the atomic swap.
type SQLiteStore struct {
	db *sql.DB
}

var sqliteDDL = map[string]string{
	TableBuyFact: `CREATE TABLE IF NOT EXISTS buy_fact (
		date TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		order_id TEXT NOT NULL,
		item_id INTEGER NOT NULL,
		category_id INTEGER NOT NULL,
		price REAL NOT NULL,
		channel TEXT NOT NULL,
		age_group TEXT NOT NULL
	)`,
	TableUserRFM: `CREATE TABLE IF NOT EXISTS user_rfm (
		user_id INTEGER NOT NULL,
		cluster_id INTEGER NOT NULL,
		rfm_label TEXT NOT NULL
	)`,
	TableCohort: `CREATE TABLE IF NOT EXISTS cohort_matrix (
		cohort_date TEXT NOT NULL,
		day_offset INTEGER NOT NULL,
		cohort_users INTEGER NOT NULL,
		active_users INTEGER NOT NULL,
		retention_rate REAL NOT NULL
	)`,
	TableFunnel: `CREATE TABLE IF NOT EXISTS user_funnel_mart (
		user_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		has_pv INTEGER NOT NULL,
		has_cart INTEGER NOT NULL,
		has_buy INTEGER NOT NULL
	)`,
	TableFunnelLoose: `CREATE TABLE IF NOT EXISTS user_funnel_loose_mart (
		user_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		has_pv INTEGER NOT NULL,
		has_cart INTEGER NOT NULL,
		has_buy INTEGER NOT NULL
	)`,
	TableAuditLog: `CREATE TABLE IF NOT EXISTS etl_dq_log (
		run_time TEXT NOT NULL,
		elapsed_seconds REAL NOT NULL,
		metrics TEXT NOT NULL,
		warnings TEXT NOT NULL,
		cluster_profiles TEXT NOT NULL
	)`,
}

// Query-path indexes for the serving layer, created after reloads.
var sqliteIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_buy_fact_date ON buy_fact(date)",
	"CREATE INDEX IF NOT EXISTS idx_buy_fact_user ON buy_fact(user_id)",
	"CREATE INDEX IF NOT EXISTS idx_funnel_date ON user_funnel_mart(date)",
	"CREATE INDEX IF NOT EXISTS idx_funnel_loose_date ON user_funnel_loose_mart(date)",
	"CREATE INDEX IF NOT EXISTS idx_cohort_date ON cohort_matrix(cohort_date)",
}

// NewSQLite opens (or creates) the fallback database at path in WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, table := range ddlOrder {
		if _, err := s.db.ExecContext(ctx, sqliteDDL[table]); err != nil {
			return eris.Wrapf(err, "sqlite: ensure %s", table)
		}
	}
	return nil
}

// ReplaceTable reloads the table contents inside one transaction: delete,
// batch insert, recreate indexes.
func (s *SQLiteStore) ReplaceTable(ctx context.Context, table string, rows [][]any) error {
	cols, err := Columns(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin reload of %s", table)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return eris.Wrapf(err, "sqlite: drop %s", table)
	}
	if _, err := tx.ExecContext(ctx, sqliteDDL[table]); err != nil {
		return eris.Wrapf(err, "sqlite: recreate %s", table)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	insert := "INSERT INTO " + quoteIdent(table) + " (" + strings.Join(cols, ", ") + ") VALUES " + placeholders

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return eris.Wrapf(err, "sqlite: prepare insert for %s", table)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert into %s", table)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrapf(err, "sqlite: commit reload of %s", table)
	}

	for _, idx := range sqliteIndexes {
		if strings.Contains(idx, " ON "+table+"(") {
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return eris.Wrapf(err, "sqlite: index %s", table)
			}
		}
	}

	return nil
}

func (s *SQLiteStore) CountRows(ctx context.Context, table string) (int64, error) {
	if !KnownTable(table) {
		return 0, eris.Errorf("sqlite: unknown table %q", table)
	}
	var n int64
	row := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(table))
	if err := row.Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s", table)
	}
	return n, nil
}

func (s *SQLiteStore) WriteAuditRow(ctx context.Context, snap quality.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO etl_dq_log (run_time, elapsed_seconds, metrics, warnings, cluster_profiles)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.RunTime.Format("2006-01-02 15:04:05"), snap.ElapsedSeconds,
		snap.MetricsJSON, snap.WarningsJSON, snap.ProfilesJSON,
	)
	return eris.Wrap(err, "sqlite: insert audit row")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
