package etl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clickstream-etl/internal/config"
	"github.com/sells-group/clickstream-etl/internal/model"
	"github.com/sells-group/clickstream-etl/internal/quality"
	"github.com/sells-group/clickstream-etl/internal/resilience"
	"github.com/sells-group/clickstream-etl/internal/store"
)

// RunResult summarizes one completed batch run.
type RunResult struct {
	RunID     string
	StoreName string
	RowCounts map[string]int
	Elapsed   time.Duration
}

// Run executes the full batch pipeline: load and clean, segmentation,
// business marts, and the store write with its retry/fallback ladder. Each
// stage consumes the immutable output of the previous one; the quality
// report is the only state they share and it is flushed exactly once at the
// end of the write phase.
func Run(ctx context.Context, cfg *config.Config) (*RunResult, error) {
	runID := uuid.New().String()
	log := zap.L().With(zap.String("run_id", runID))
	started := time.Now()

	dq := quality.NewReport()
	dq.AddMetric("run_id", runID)

	loader := NewLoader(cfg, dq)
	facts, maxDate, err := loader.LoadAndClean(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load stage")
	}

	engineer := NewFeatureEngineer(cfg, dq)
	segments, err := engineer.Run(facts, maxDate)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: feature stage")
	}

	transformer := NewTransformer(dq)
	cohort := transformer.BuildCohortMatrix(facts)
	strict, loose := transformer.BuildFunnels(facts)
	buys := transformer.ExtractBuyFact(facts)
	transformer.CollectCounts(buys, segments, cohort, strict, loose)

	tables := BuildTableData(buys, segments, cohort, strict, loose)

	writer := &store.Writer{
		ConnectPrimary: func(ctx context.Context) (store.Store, error) {
			s, err := store.NewPostgres(ctx, cfg.Store.DSN())
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		OpenFallback: func() (store.Store, error) {
			s, err := store.NewSQLite(cfg.Fallback.Path)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff(),
			MaxBackoff:     cfg.Retry.MaxBackoff(),
			Multiplier:     cfg.Retry.Multiplier,
		},
		Report: dq,
		Log:    log,
	}

	storeName, err := writer.WriteAll(ctx, tables)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: write stage")
	}

	dq.LogSummary(log)

	counts := make(map[string]int, len(tables))
	for _, t := range tables {
		counts[t.Name] = len(t.Rows)
	}
	result := &RunResult{
		RunID:     runID,
		StoreName: storeName,
		RowCounts: counts,
		Elapsed:   time.Since(started),
	}
	log.Info("pipeline complete",
		zap.String("store", storeName),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// BuildTableData shapes the mart slices into store rows, ordered per each
// table's column list.
func BuildTableData(buys []model.BuyRow, segments []model.Segment, cohort []model.CohortCell, strict, loose []model.FunnelRow) []store.TableData {
	buyRows := make([][]any, len(buys))
	for i, b := range buys {
		buyRows[i] = []any{b.Date, b.UserID, b.OrderID, b.ItemID, b.CategoryID, b.Price, b.Channel, b.AgeGroup}
	}

	segmentRows := make([][]any, len(segments))
	for i, s := range segments {
		segmentRows[i] = []any{s.UserID, s.ClusterID, s.Label}
	}

	cohortRows := make([][]any, len(cohort))
	for i, c := range cohort {
		cohortRows[i] = []any{c.CohortDate, c.DayOffset, c.CohortUsers, c.ActiveUsers, c.RetentionRate}
	}

	funnelRows := func(rows []model.FunnelRow) [][]any {
		out := make([][]any, len(rows))
		for i, r := range rows {
			out[i] = []any{r.UserID, r.Date, r.HasPV, r.HasCart, r.HasBuy}
		}
		return out
	}

	return []store.TableData{
		{Name: store.TableBuyFact, Rows: buyRows},
		{Name: store.TableUserRFM, Rows: segmentRows},
		{Name: store.TableCohort, Rows: cohortRows},
		{Name: store.TableFunnel, Rows: funnelRows(strict)},
		{Name: store.TableFunnelLoose, Rows: funnelRows(loose)},
	}
}
