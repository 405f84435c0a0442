// Package store persists the pipeline's output tables. The primary
// PostgreSQL store uses an atomic table-swap write so readers never observe
// a missing or half-filled table; the embedded SQLite fallback uses a plain
// replace write since it is never a shared live target.
package store

import (
	"context"
	"fmt"

	"github.com/sells-group/clickstream-etl/internal/quality"
)

// Output table names. The serving layer addresses these by name, so they
// are stable across runs and across the primary/fallback stores.
const (
	TableBuyFact     = "buy_fact"
	TableUserRFM     = "user_rfm"
	TableCohort      = "cohort_matrix"
	TableFunnel      = "user_funnel_mart"
	TableFunnelLoose = "user_funnel_loose_mart"
	TableAuditLog    = "etl_dq_log"
)

// Columns per output table, in insert order.
var tableColumns = map[string][]string{
	TableBuyFact:     {"date", "user_id", "order_id", "item_id", "category_id", "price", "channel", "age_group"},
	TableUserRFM:     {"user_id", "cluster_id", "rfm_label"},
	TableCohort:      {"cohort_date", "day_offset", "cohort_users", "active_users", "retention_rate"},
	TableFunnel:      {"user_id", "date", "has_pv", "has_cart", "has_buy"},
	TableFunnelLoose: {"user_id", "date", "has_pv", "has_cart", "has_buy"},
}

// Columns returns the column list for a known output table.
func Columns(table string) ([]string, error) {
	cols, ok := tableColumns[table]
	if !ok {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}
	return cols, nil
}

// KnownTable reports whether name is one of the output tables (audit log
// included). Table names are interpolated into DDL, so everything that
// reaches a statement must pass through here first.
func KnownTable(name string) bool {
	if name == TableAuditLog {
		return true
	}
	_, ok := tableColumns[name]
	return ok
}

// TableData pairs an output table with its produced rows, ordered per the
// table's column list.
type TableData struct {
	Name string
	Rows [][]any
}

// Store is the persistence contract shared by the primary and fallback
// backends.
type Store interface {
	// Name identifies the backend in logs ("postgres" or "sqlite").
	Name() string

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// EnsureSchema creates all output tables if absent.
	EnsureSchema(ctx context.Context) error

	// ReplaceTable replaces the full contents of an output table with rows.
	ReplaceTable(ctx context.Context, table string, rows [][]any) error

	// CountRows returns the current row count of an output table.
	CountRows(ctx context.Context, table string) (int64, error)

	// WriteAuditRow appends one quality-report snapshot to the audit table.
	WriteAuditRow(ctx context.Context, snap quality.Snapshot) error

	Close() error
}

// FallbackExhaustedError means neither the primary store nor the fallback
// could persist the batch; at that point no table can be produced and the
// run must fail.
type FallbackExhaustedError struct {
	Primary  error
	Fallback error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("store: batch unwritable: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *FallbackExhaustedError) Unwrap() error {
	return e.Fallback
}
