// Package etl implements the batch transformation pipeline: load and clean,
// RFM feature engineering with clustering, business marts, and the write
// phase handoff.
package etl

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/clickstream-etl/internal/config"
	"github.com/sells-group/clickstream-etl/internal/fetcher"
	"github.com/sells-group/clickstream-etl/internal/model"
	"github.com/sells-group/clickstream-etl/internal/quality"
	"github.com/sells-group/clickstream-etl/internal/resilience"
)

// Loader reads the raw tabular sources and produces the cleaned wide fact
// table: deduplicated, window-filtered, dimension-joined. The returned slice
// is the one materialization every downstream stage shares.
type Loader struct {
	cfg *config.Config
	dq  *quality.Report
	log *zap.Logger
	dlq *resilience.DeadLetter
}

// NewLoader creates a Loader reporting into dq.
func NewLoader(cfg *config.Config, dq *quality.Report) *Loader {
	return &Loader{
		cfg: cfg,
		dq:  dq,
		log: zap.L().Named("loader"),
		dlq: resilience.NewDeadLetter(100),
	}
}

// LoadAndClean runs the full ingestion pass. It returns the cleaned facts
// and the dataset's max in-window date, which anchors recency computation.
// Malformed rows are dropped and counted, never fatal; a cleaned row count
// below the configured floor is.
func (l *Loader) LoadAndClean(ctx context.Context) ([]model.Fact, time.Time, error) {
	winStart, winEnd, err := l.cfg.WindowBounds()
	if err != nil {
		return nil, time.Time{}, err
	}

	var (
		events []model.Event
		items  map[int64]model.ItemDim
		users  map[int64]model.UserDim
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = l.readBehavior(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = l.readItems(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = l.readUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, time.Time{}, err
	}

	rawCount := len(events)
	l.dq.AddMetric("raw_behavior_rows", rawCount)
	l.dq.AddMetric("item_dim_rows", len(items))
	l.dq.AddMetric("user_dim_rows", len(users))
	if dropped := l.dlq.Count(); dropped > 0 {
		l.dq.AddMetric("malformed_rows_dropped", dropped)
		l.dq.AddWarning(fmt.Sprintf("%d malformed behavior rows dropped during parsing", dropped))
	}

	// Dedup and window filter in one pass. Events are kept in input order.
	seen := make(map[model.DedupKey]struct{}, len(events))
	var missingPrice, missingChannel, missingAge int
	facts := make([]model.Fact, 0, len(events))
	var maxDate time.Time

	for _, ev := range events {
		key := ev.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		date := ev.Date()
		if date.Before(winStart) || date.After(winEnd) {
			continue
		}

		item, ok := items[ev.ItemID]
		if !ok {
			// No price means no monetary signal; the row is unusable.
			missingPrice++
			continue
		}

		fact := model.Fact{
			Event: ev,
			Date:  date,
			Price: item.Price,
		}

		if dim, ok := users[ev.UserID]; ok {
			fact.Channel = dim.Channel
			fact.AgeGroup = dim.AgeGroup
		}
		if fact.Channel == "" {
			fact.Channel = "unknown"
			missingChannel++
		}
		if fact.AgeGroup == "" {
			fact.AgeGroup = "unknown"
			missingAge++
		}

		if date.After(maxDate) {
			maxDate = date
		}
		facts = append(facts, fact)
	}

	l.dq.AddMetric("missing_price_rows", missingPrice)
	l.dq.AddMetric("missing_channel_rows", missingChannel)
	l.dq.AddMetric("missing_age_group_rows", missingAge)
	if missingPrice > 0 {
		l.dq.AddWarning(fmt.Sprintf("%d rows dropped for missing price; review the dead-letter sample", missingPrice))
	}
	if missingChannel > 0 {
		l.dq.AddWarning(fmt.Sprintf("%d rows missing channel, filled with \"unknown\"", missingChannel))
	}
	if missingAge > 0 {
		l.dq.AddWarning(fmt.Sprintf("%d rows missing age_group, filled with \"unknown\"", missingAge))
	}

	cleanCount := len(facts)
	l.dq.AddMetric("cleaned_rows", cleanCount)
	if rawCount > 0 {
		l.dq.AddMetric("drop_rate_pct", round2(float64(rawCount-cleanCount)/float64(rawCount)*100))
	}

	if cleanCount < l.cfg.Load.MinRows {
		return nil, time.Time{}, eris.Errorf(
			"loader: cleaned row count %d below configured floor %d, input is misconfigured",
			cleanCount, l.cfg.Load.MinRows,
		)
	}

	l.dq.AddMetric("window_max_date", maxDate.Format("2006-01-02"))
	l.log.Info("load and clean complete",
		zap.Int("raw_rows", rawCount),
		zap.Int("cleaned_rows", cleanCount),
		zap.String("max_date", maxDate.Format("2006-01-02")),
	)

	return facts, maxDate, nil
}

// DroppedRows exposes the dead-letter sample accumulated during parsing.
func (l *Loader) DroppedRows() []resilience.DroppedRow {
	return l.dlq.Rows()
}

// readBehavior parses the headerless behavior file:
// user_id,item_id,category_id,behavior,ts
func (l *Loader) readBehavior(ctx context.Context) ([]model.Event, error) {
	path := l.cfg.Input.BehaviorCSV
	rowCh, errCh, err := fetcher.StreamCSVFile(ctx, path, fetcher.CSVOptions{
		TrimSpace: true,
		Limit:     l.cfg.Load.Limit,
	})
	if err != nil {
		return nil, err
	}

	var events []model.Event
	for row := range rowCh {
		ev, perr := parseBehaviorRow(row.Fields)
		if perr != nil {
			l.dlq.Add(resilience.DroppedRow{
				Source:    path,
				Line:      row.Line,
				Reason:    perr.Error(),
				Raw:       strings.Join(row.Fields, ","),
				DroppedAt: time.Now().UTC(),
			})
			continue
		}
		events = append(events, ev)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "loader: read %s", path)
	}
	return events, nil
}

func parseBehaviorRow(fields []string) (model.Event, error) {
	if len(fields) < 5 {
		return model.Event{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	userID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad user_id %q", fields[0])
	}
	itemID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad item_id %q", fields[1])
	}
	categoryID, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad category_id %q", fields[2])
	}
	behavior := model.Behavior(fields[3])
	if !behavior.Valid() {
		return model.Event{}, fmt.Errorf("unknown behavior %q", fields[3])
	}
	ts, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || ts <= 0 {
		return model.Event{}, fmt.Errorf("bad timestamp %q", fields[4])
	}
	return model.Event{
		UserID:     userID,
		ItemID:     itemID,
		CategoryID: categoryID,
		Behavior:   behavior,
		TS:         ts,
	}, nil
}

// readItems parses the item dimension file: item_id,price (with header).
func (l *Loader) readItems(ctx context.Context) (map[int64]model.ItemDim, error) {
	path := l.cfg.Input.ItemsCSV
	rowCh, errCh, err := fetcher.StreamCSVFile(ctx, path, fetcher.CSVOptions{
		HasHeader: true,
		TrimSpace: true,
	})
	if err != nil {
		return nil, err
	}

	items := make(map[int64]model.ItemDim)
	for row := range rowCh {
		if len(row.Fields) < 2 {
			l.dropDimRow(path, row, "expected at least 2 fields")
			continue
		}
		itemID, err := strconv.ParseInt(row.Fields[0], 10, 64)
		if err != nil {
			l.dropDimRow(path, row, "bad item_id")
			continue
		}
		price, err := strconv.ParseFloat(row.Fields[1], 64)
		if err != nil || price < 0 {
			l.dropDimRow(path, row, "bad price")
			continue
		}
		items[itemID] = model.ItemDim{ItemID: itemID, Price: price}
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "loader: read %s", path)
	}
	return items, nil
}

// readUsers parses the user dimension file: user_id,channel,age_group (with
// header).
func (l *Loader) readUsers(ctx context.Context) (map[int64]model.UserDim, error) {
	path := l.cfg.Input.UsersCSV
	rowCh, errCh, err := fetcher.StreamCSVFile(ctx, path, fetcher.CSVOptions{
		HasHeader: true,
		TrimSpace: true,
	})
	if err != nil {
		return nil, err
	}

	users := make(map[int64]model.UserDim)
	for row := range rowCh {
		if len(row.Fields) < 3 {
			l.dropDimRow(path, row, "expected at least 3 fields")
			continue
		}
		userID, err := strconv.ParseInt(row.Fields[0], 10, 64)
		if err != nil {
			l.dropDimRow(path, row, "bad user_id")
			continue
		}
		users[userID] = model.UserDim{
			UserID:   userID,
			Channel:  row.Fields[1],
			AgeGroup: row.Fields[2],
		}
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "loader: read %s", path)
	}
	return users, nil
}

func (l *Loader) dropDimRow(path string, row fetcher.Row, reason string) {
	l.dlq.Add(resilience.DroppedRow{
		Source:    path,
		Line:      row.Line,
		Reason:    reason,
		Raw:       strings.Join(row.Fields, ","),
		DroppedAt: time.Now().UTC(),
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
