package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/clickstream-etl/internal/quality"
	"github.com/sells-group/clickstream-etl/internal/resilience"
)

// Writer drives the write phase: every produced table goes to the primary
// store through the bounded retry ladder, and on connectivity exhaustion
// the whole batch is redirected to the fallback store so no produced table
// is lost. The quality report is flushed exactly once at the end, to
// whichever store took the batch.
type Writer struct {
	// ConnectPrimary dials the primary store. Kept as a factory so the
	// connection attempt itself sits inside the retry ladder.
	ConnectPrimary func(ctx context.Context) (Store, error)

	// OpenFallback opens the embedded fallback store.
	OpenFallback func() (Store, error)

	Retry  resilience.RetryConfig
	Report *quality.Report
	Log    *zap.Logger
}

// WriteAll persists all tables and flushes the audit row. It returns the
// name of the store that took the batch ("postgres" or "sqlite").
func (w *Writer) WriteAll(ctx context.Context, tables []TableData) (string, error) {
	log := w.Log
	if log == nil {
		log = zap.L()
	}

	primary, err := w.writePrimary(ctx, tables, log)
	if err == nil {
		w.flushAudit(ctx, primary, log)
		return primary.Name(), primary.Close()
	}

	if !resilience.IsTransient(err) {
		// Anything outside the connectivity ladder aborts the run.
		return "", err
	}

	log.Warn("primary store unreachable, falling back to embedded store",
		zap.Error(err),
	)
	w.Report.AddWarning("primary store unreachable after retries; batch written to fallback store")

	fb, fbErr := w.writeFallback(ctx, tables, log)
	if fbErr != nil {
		return "", &FallbackExhaustedError{Primary: err, Fallback: fbErr}
	}
	w.flushAudit(ctx, fb, log)
	return fb.Name(), fb.Close()
}

func (w *Writer) writePrimary(ctx context.Context, tables []TableData, log *zap.Logger) (Store, error) {
	var primary Store
	connect := func(ctx context.Context) error {
		s, err := w.ConnectPrimary(ctx)
		if err != nil {
			return err
		}
		primary = s
		return nil
	}

	retryCfg := w.Retry
	retryCfg.OnRetry = resilience.RetryLogger("postgres", "connect")
	if err := resilience.Do(ctx, retryCfg, connect); err != nil {
		return nil, err
	}

	if err := primary.EnsureSchema(ctx); err != nil {
		primary.Close()
		return nil, err
	}

	for _, t := range tables {
		retryCfg.OnRetry = resilience.RetryLogger(primary.Name(), t.Name)
		err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
			return primary.ReplaceTable(ctx, t.Name, t.Rows)
		})
		if err != nil {
			primary.Close()
			return nil, err
		}
		log.Info("table written",
			zap.String("store", primary.Name()),
			zap.String("table", t.Name),
			zap.Int("rows", len(t.Rows)),
		)
	}

	return primary, nil
}

func (w *Writer) writeFallback(ctx context.Context, tables []TableData, log *zap.Logger) (Store, error) {
	fb, err := w.OpenFallback()
	if err != nil {
		return nil, err
	}
	if err := fb.EnsureSchema(ctx); err != nil {
		fb.Close()
		return nil, err
	}
	for _, t := range tables {
		if err := fb.ReplaceTable(ctx, t.Name, t.Rows); err != nil {
			fb.Close()
			return nil, err
		}
		log.Info("table written",
			zap.String("store", fb.Name()),
			zap.String("table", t.Name),
			zap.Int("rows", len(t.Rows)),
		)
	}
	return fb, nil
}

// flushAudit serializes the report into the audit table. A failure here is
// logged and dropped: the tables are already live and an unrecorded audit
// row must not fail the run.
func (w *Writer) flushAudit(ctx context.Context, s Store, log *zap.Logger) {
	snap, err := w.Report.Snapshot()
	if err != nil {
		log.Error("serialize quality report", zap.Error(err))
		return
	}
	if err := s.WriteAuditRow(ctx, snap); err != nil {
		log.Error("write audit row", zap.String("store", s.Name()), zap.Error(err))
		return
	}
	log.Info("quality report flushed",
		zap.String("store", s.Name()),
		zap.Int("metrics", snap.MetricCount),
		zap.Int("warnings", snap.WarningCount),
	)
}
