package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clickstream-etl/internal/db"
	"github.com/sells-group/clickstream-etl/internal/quality"
)

// PostgresStore implements Store against the primary analytical database
// using pgxpool and COPY bulk loads.
type PostgresStore struct {
	pool db.Pool
}

var postgresDDL = map[string]string{
	TableBuyFact: `CREATE TABLE IF NOT EXISTS buy_fact (
		date DATE NOT NULL,
		user_id BIGINT NOT NULL,
		order_id TEXT NOT NULL,
		item_id BIGINT NOT NULL,
		category_id BIGINT NOT NULL,
		price NUMERIC(10,2) NOT NULL,
		channel TEXT NOT NULL,
		age_group TEXT NOT NULL
	)`,
	TableUserRFM: `CREATE TABLE IF NOT EXISTS user_rfm (
		user_id BIGINT NOT NULL,
		cluster_id INT NOT NULL,
		rfm_label TEXT NOT NULL
	)`,
	TableCohort: `CREATE TABLE IF NOT EXISTS cohort_matrix (
		cohort_date DATE NOT NULL,
		day_offset INT NOT NULL,
		cohort_users INT NOT NULL,
		active_users INT NOT NULL,
		retention_rate DOUBLE PRECISION NOT NULL
	)`,
	TableFunnel: `CREATE TABLE IF NOT EXISTS user_funnel_mart (
		user_id BIGINT NOT NULL,
		date DATE NOT NULL,
		has_pv INT NOT NULL,
		has_cart INT NOT NULL,
		has_buy INT NOT NULL
	)`,
	TableFunnelLoose: `CREATE TABLE IF NOT EXISTS user_funnel_loose_mart (
		user_id BIGINT NOT NULL,
		date DATE NOT NULL,
		has_pv INT NOT NULL,
		has_cart INT NOT NULL,
		has_buy INT NOT NULL
	)`,
	TableAuditLog: `CREATE TABLE IF NOT EXISTS etl_dq_log (
		run_time TIMESTAMPTZ NOT NULL,
		elapsed_seconds DOUBLE PRECISION NOT NULL,
		metrics TEXT NOT NULL,
		warnings TEXT NOT NULL,
		cluster_profiles TEXT NOT NULL
	)`,
}

// ddlOrder keeps EnsureSchema deterministic.
var ddlOrder = []string{
	TableBuyFact, TableUserRFM, TableCohort,
	TableFunnel, TableFunnelLoose, TableAuditLog,
}

// NewPostgres connects a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, table := range ddlOrder {
		if _, err := s.pool.Exec(ctx, postgresDDL[table]); err != nil {
			return eris.Wrapf(err, "postgres: ensure %s", table)
		}
	}
	return nil
}

// ReplaceTable swaps in a fully populated shadow table. The live name must
// resolve to a complete table at every observable instant, so the shadow is
// built and bulk-loaded outside the live table's identity and the identity
// exchange happens inside one transaction (DDL is transactional here). A
// failure at any point before commit leaves the live table untouched.
func (s *PostgresStore) ReplaceTable(ctx context.Context, table string, rows [][]any) error {
	cols, err := Columns(table)
	if err != nil {
		return err
	}

	live := pgx.Identifier{table}.Sanitize()
	shadow := pgx.Identifier{table + "_tmp_new"}.Sanitize()
	stale := pgx.Identifier{table + "_tmp_old"}.Sanitize()

	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+shadow); err != nil {
		return eris.Wrapf(err, "postgres: drop stale shadow of %s", table)
	}
	if _, err := s.pool.Exec(ctx, "CREATE TABLE "+shadow+" (LIKE "+live+" INCLUDING ALL)"); err != nil {
		return eris.Wrapf(err, "postgres: create shadow of %s", table)
	}

	if _, err := db.CopyFrom(ctx, s.pool, table+"_tmp_new", cols, rows); err != nil {
		return eris.Wrapf(err, "postgres: populate shadow of %s", table)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin swap of %s", table)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "ALTER TABLE "+live+" RENAME TO "+stale); err != nil {
		return eris.Wrapf(err, "postgres: retire live %s", table)
	}
	if _, err := tx.Exec(ctx, "ALTER TABLE "+shadow+" RENAME TO "+live); err != nil {
		return eris.Wrapf(err, "postgres: promote shadow of %s", table)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+stale); err != nil {
		return eris.Wrapf(err, "postgres: drop retired %s", table)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(err, "postgres: commit swap of %s", table)
	}

	return nil
}

func (s *PostgresStore) CountRows(ctx context.Context, table string) (int64, error) {
	if !KnownTable(table) {
		return 0, eris.Errorf("postgres: unknown table %q", table)
	}
	var n int64
	row := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+pgx.Identifier{table}.Sanitize())
	if err := row.Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s", table)
	}
	return n, nil
}

func (s *PostgresStore) WriteAuditRow(ctx context.Context, snap quality.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO etl_dq_log (run_time, elapsed_seconds, metrics, warnings, cluster_profiles)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.RunTime, snap.ElapsedSeconds, snap.MetricsJSON, snap.WarningsJSON, snap.ProfilesJSON,
	)
	return eris.Wrap(err, "postgres: insert audit row")
}
