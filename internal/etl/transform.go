package etl

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/clickstream-etl/internal/model"
	"github.com/sells-group/clickstream-etl/internal/quality"
)

// Transformer derives the business marts from the cleaned fact table: the
// two conversion funnels, the cohort retention matrix, and the purchase
// fact table.
type Transformer struct {
	dq  *quality.Report
	log *zap.Logger
}

// NewTransformer creates a Transformer reporting into dq.
func NewTransformer(dq *quality.Report) *Transformer {
	return &Transformer{dq: dq, log: zap.L().Named("transform")}
}

// funnelAgg holds the earliest timestamp per stage for one (user, item)
// pair. Zero means the stage never occurred.
type funnelAgg struct {
	userID    int64
	firstPV   int64
	firstCart int64
	firstBuy  int64
}

// BuildFunnels produces the strict and loose funnel marts from one grouped
// scan over the facts. Both funnels share the same per-(user,item) stage
// aggregation, so their populations and windows are identical and the
// loose counts dominate the strict counts at every stage by construction.
// Strict mode only credits cart at or after the first page view, and buy at
// or after that credited cart; loose mode credits presence regardless of
// order.
func (t *Transformer) BuildFunnels(facts []model.Fact) (strict, loose []model.FunnelRow) {
	type key struct {
		userID int64
		itemID int64
	}
	aggs := make(map[key]*funnelAgg)

	for _, f := range facts {
		k := key{f.UserID, f.ItemID}
		a, ok := aggs[k]
		if !ok {
			a = &funnelAgg{userID: f.UserID}
			aggs[k] = a
		}
		switch f.Behavior {
		case model.BehaviorView:
			if a.firstPV == 0 || f.TS < a.firstPV {
				a.firstPV = f.TS
			}
		case model.BehaviorCart:
			if a.firstCart == 0 || f.TS < a.firstCart {
				a.firstCart = f.TS
			}
		case model.BehaviorBuy:
			if a.firstBuy == 0 || f.TS < a.firstBuy {
				a.firstBuy = f.TS
			}
		}
	}

	type cell struct {
		hasPV, hasCart, hasBuy int
	}
	type userDate struct {
		userID int64
		date   time.Time
	}
	strictCells := make(map[userDate]*cell)
	looseCells := make(map[userDate]*cell)

	mark := func(cells map[userDate]*cell, userID int64, ts int64, stage int) {
		ud := userDate{userID: userID, date: dayOf(ts)}
		c, ok := cells[ud]
		if !ok {
			c = &cell{}
			cells[ud] = c
		}
		switch stage {
		case 0:
			c.hasPV = 1
		case 1:
			c.hasCart = 1
		case 2:
			c.hasBuy = 1
		}
	}

	for _, a := range aggs {
		// Loose: presence alone qualifies each stage.
		if a.firstPV > 0 {
			mark(looseCells, a.userID, a.firstPV, 0)
		}
		if a.firstCart > 0 {
			mark(looseCells, a.userID, a.firstCart, 1)
		}
		if a.firstBuy > 0 {
			mark(looseCells, a.userID, a.firstBuy, 2)
		}

		// Strict: each stage must not precede the prior credited stage.
		if a.firstPV > 0 {
			mark(strictCells, a.userID, a.firstPV, 0)
		}
		cartOK := a.firstCart > 0 && a.firstPV > 0 && a.firstCart >= a.firstPV
		if cartOK {
			mark(strictCells, a.userID, a.firstCart, 1)
		}
		if a.firstBuy > 0 && cartOK && a.firstBuy >= a.firstCart {
			mark(strictCells, a.userID, a.firstBuy, 2)
		}
	}

	toRows := func(cells map[userDate]*cell) []model.FunnelRow {
		rows := make([]model.FunnelRow, 0, len(cells))
		for ud, c := range cells {
			rows = append(rows, model.FunnelRow{
				UserID:  ud.userID,
				Date:    ud.date,
				HasPV:   c.hasPV,
				HasCart: c.hasCart,
				HasBuy:  c.hasBuy,
			})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].UserID != rows[j].UserID {
				return rows[i].UserID < rows[j].UserID
			}
			return rows[i].Date.Before(rows[j].Date)
		})
		return rows
	}

	strict = toRows(strictCells)
	loose = toRows(looseCells)
	t.log.Info("funnels built",
		zap.Int("strict_rows", len(strict)),
		zap.Int("loose_rows", len(loose)),
	)
	return strict, loose
}

// BuildCohortMatrix computes day 0..7 retention per first-purchase cohort.
// A user's cohort is the date of their first in-window purchase; activity of
// any behavior type counts toward retention. Cells with no active users are
// omitted rather than emitted as zeros, and retention values are persisted
// exactly as computed: a rate that climbs with the offset is reported as a
// warning, never corrected.
func (t *Transformer) BuildCohortMatrix(facts []model.Fact) []model.CohortCell {
	firstBuy := make(map[int64]time.Time)
	activeDays := make(map[int64]map[time.Time]struct{})

	for _, f := range facts {
		days, ok := activeDays[f.UserID]
		if !ok {
			days = make(map[time.Time]struct{})
			activeDays[f.UserID] = days
		}
		days[f.Date] = struct{}{}

		if f.Behavior == model.BehaviorBuy {
			if cur, ok := firstBuy[f.UserID]; !ok || f.Date.Before(cur) {
				firstBuy[f.UserID] = f.Date
			}
		}
	}

	cohorts := make(map[time.Time][]int64)
	for userID, date := range firstBuy {
		cohorts[date] = append(cohorts[date], userID)
	}

	var cells []model.CohortCell
	for cohortDate, users := range cohorts {
		size := len(users)
		for offset := 0; offset <= 7; offset++ {
			day := cohortDate.AddDate(0, 0, offset)
			active := 0
			for _, userID := range users {
				if _, ok := activeDays[userID][day]; ok {
					active++
				}
			}
			if active == 0 {
				continue
			}
			rate := float64(active) / float64(size) * 100
			if rate > 100 {
				rate = 100
			}
			cells = append(cells, model.CohortCell{
				CohortDate:    cohortDate,
				DayOffset:     offset,
				CohortUsers:   size,
				ActiveUsers:   active,
				RetentionRate: round2(rate),
			})
		}
	}

	sort.Slice(cells, func(i, j int) bool {
		if !cells[i].CohortDate.Equal(cells[j].CohortDate) {
			return cells[i].CohortDate.Before(cells[j].CohortDate)
		}
		return cells[i].DayOffset < cells[j].DayOffset
	})

	t.flagNonMonotonic(cells)
	t.log.Info("cohort matrix built",
		zap.Int("cohorts", len(cohorts)),
		zap.Int("cells", len(cells)),
	)
	return cells
}

func (t *Transformer) flagNonMonotonic(cells []model.CohortCell) {
	var prev *model.CohortCell
	for i := range cells {
		c := &cells[i]
		if prev != nil && prev.CohortDate.Equal(c.CohortDate) && c.RetentionRate > prev.RetentionRate {
			t.dq.AddWarning(fmt.Sprintf(
				"cohort %s retention rises from %.2f to %.2f at day %d; kept as-is",
				c.CohortDate.Format("2006-01-02"), prev.RetentionRate, c.RetentionRate, c.DayOffset,
			))
		}
		prev = c
	}
}

// ExtractBuyFact filters the facts to purchase events and shapes them as
// the sales fact table.
func (t *Transformer) ExtractBuyFact(facts []model.Fact) []model.BuyRow {
	var rows []model.BuyRow
	for _, f := range facts {
		if f.Behavior != model.BehaviorBuy {
			continue
		}
		rows = append(rows, model.BuyRow{
			Date:       f.Date,
			UserID:     f.UserID,
			OrderID:    f.OrderID(),
			ItemID:     f.ItemID,
			CategoryID: f.CategoryID,
			Price:      f.Price,
			Channel:    f.Channel,
			AgeGroup:   f.AgeGroup,
		})
	}
	t.log.Info("buy fact extracted", zap.Int("rows", len(rows)))
	return rows
}

// CollectCounts records the row count of every produced table.
func (t *Transformer) CollectCounts(buys []model.BuyRow, segments []model.Segment, cohort []model.CohortCell, strict, loose []model.FunnelRow) {
	t.dq.AddMetric("buy_fact_rows", len(buys))
	t.dq.AddMetric("user_rfm_rows", len(segments))
	t.dq.AddMetric("cohort_matrix_rows", len(cohort))
	t.dq.AddMetric("user_funnel_mart_rows", len(strict))
	t.dq.AddMetric("user_funnel_loose_mart_rows", len(loose))
}

func dayOf(ts int64) time.Time {
	t := time.Unix(ts, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
