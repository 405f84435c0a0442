package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/clickstream-etl/internal/quality"
	"github.com/sells-group/clickstream-etl/internal/resilience"
)

// stubStore is an in-memory Store for exercising the writer paths that do
// not need a real backend.
type stubStore struct {
	name         string
	replaceErr   error
	auditErr     error
	tables       map[string][][]any
	auditRows    int
	closed       bool
	replaceCalls int
}

func newStubStore(name string) *stubStore {
	return &stubStore{name: name, tables: make(map[string][][]any)}
}

func (s *stubStore) Name() string                       { return s.name }
func (s *stubStore) Ping(context.Context) error         { return nil }
func (s *stubStore) EnsureSchema(context.Context) error { return nil }
func (s *stubStore) Close() error                       { s.closed = true; return nil }

func (s *stubStore) ReplaceTable(_ context.Context, table string, rows [][]any) error {
	s.replaceCalls++
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.tables[table] = rows
	return nil
}

func (s *stubStore) CountRows(_ context.Context, table string) (int64, error) {
	return int64(len(s.tables[table])), nil
}

func (s *stubStore) WriteAuditRow(context.Context, quality.Snapshot) error {
	if s.auditErr != nil {
		return s.auditErr
	}
	s.auditRows++
	return nil
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}
}

func sampleTables() []TableData {
	return []TableData{
		{Name: TableUserRFM, Rows: [][]any{
			{int64(1), 0, "high_value"},
			{int64(2), 1, "regular"},
		}},
		{Name: TableCohort, Rows: [][]any{
			{"2017-11-01", 0, int64(2), int64(2), 100.0},
		}},
	}
}

func TestWriter_PrimaryHappyPath(t *testing.T) {
	primary := newStubStore("postgres")
	w := &Writer{
		ConnectPrimary: func(context.Context) (Store, error) { return primary, nil },
		OpenFallback: func() (Store, error) {
			t.Fatal("fallback must not be opened when the primary succeeds")
			return nil, nil
		},
		Retry:  fastRetry(3),
		Report: quality.NewReport(),
		Log:    zap.NewNop(),
	}

	name, err := w.WriteAll(context.Background(), sampleTables())
	require.NoError(t, err)
	assert.Equal(t, "postgres", name)
	assert.Len(t, primary.tables[TableUserRFM], 2)
	assert.Equal(t, 1, primary.auditRows)
	assert.True(t, primary.closed)
}

func TestWriter_TransientPrimaryFallsBackToSQLite(t *testing.T) {
	ctx := context.Background()
	report := quality.NewReport()
	dbPath := filepath.Join(t.TempDir(), "fallback.db")

	w := &Writer{
		ConnectPrimary: func(context.Context) (Store, error) {
			return nil, errors.New("dial tcp 127.0.0.1:5432: connection refused")
		},
		OpenFallback: func() (Store, error) { return NewSQLite(dbPath) },
		Retry:        fastRetry(2),
		Report:       report,
		Log:          zap.NewNop(),
	}

	tables := sampleTables()
	name, err := w.WriteAll(ctx, tables)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", name)

	warnings := report.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "fallback")

	// The fallback holds the identical batch, audit row included.
	fb, err := NewSQLite(dbPath)
	require.NoError(t, err)
	defer fb.Close()

	for _, td := range tables {
		n, err := fb.CountRows(ctx, td.Name)
		require.NoError(t, err)
		assert.Equal(t, int64(len(td.Rows)), n, td.Name)
	}
	n, err := fb.CountRows(ctx, TableAuditLog)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWriter_NonTransientErrorAborts(t *testing.T) {
	primary := newStubStore("postgres")
	primary.replaceErr = errors.New("constraint violation")

	fallbackOpened := false
	w := &Writer{
		ConnectPrimary: func(context.Context) (Store, error) { return primary, nil },
		OpenFallback: func() (Store, error) {
			fallbackOpened = true
			return newStubStore("sqlite"), nil
		},
		Retry:  fastRetry(3),
		Report: quality.NewReport(),
		Log:    zap.NewNop(),
	}

	_, err := w.WriteAll(context.Background(), sampleTables())
	require.Error(t, err)
	assert.False(t, fallbackOpened, "non-transient failures must not divert to the fallback")
	assert.Equal(t, 1, primary.replaceCalls, "non-transient failures must not be retried")
	assert.True(t, primary.closed)
}

func TestWriter_TransientWriteRetriesThenFallback(t *testing.T) {
	primary := newStubStore("postgres")
	primary.replaceErr = resilience.NewTransientError(errors.New("connection reset by peer"))
	fallback := newStubStore("sqlite")

	w := &Writer{
		ConnectPrimary: func(context.Context) (Store, error) { return primary, nil },
		OpenFallback:   func() (Store, error) { return fallback, nil },
		Retry:          fastRetry(3),
		Report:         quality.NewReport(),
		Log:            zap.NewNop(),
	}

	name, err := w.WriteAll(context.Background(), sampleTables())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", name)
	assert.Equal(t, 3, primary.replaceCalls, "transient failures exhaust the ladder first")
	assert.Len(t, fallback.tables, 2)
	assert.Equal(t, 1, fallback.auditRows)
}

func TestWriter_BothStoresFailing(t *testing.T) {
	w := &Writer{
		ConnectPrimary: func(context.Context) (Store, error) {
			return nil, errors.New("connection refused")
		},
		OpenFallback: func() (Store, error) { return nil, errors.New("disk full") },
		Retry:        fastRetry(2),
		Report:       quality.NewReport(),
		Log:          zap.NewNop(),
	}

	_, err := w.WriteAll(context.Background(), sampleTables())
	require.Error(t, err)

	var exhausted *FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Error(), "connection refused")
	assert.Contains(t, exhausted.Error(), "disk full")
}

func TestWriter_AuditFlushFailureIsNonFatal(t *testing.T) {
	primary := newStubStore("postgres")
	primary.auditErr = errors.New("audit table locked")

	w := &Writer{
		ConnectPrimary: func(context.Context) (Store, error) { return primary, nil },
		OpenFallback:   func() (Store, error) { return nil, errors.New("unused") },
		Retry:          fastRetry(2),
		Report:         quality.NewReport(),
		Log:            zap.NewNop(),
	}

	name, err := w.WriteAll(context.Background(), sampleTables())
	require.NoError(t, err, "an unrecorded audit row must not fail the run")
	assert.Equal(t, "postgres", name)
}
