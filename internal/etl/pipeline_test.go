package etl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clickstream-etl/internal/model"
	"github.com/sells-group/clickstream-etl/internal/store"
)

func TestBuildTableData_ShapesAllTables(t *testing.T) {
	buys := []model.BuyRow{{
		Date: dateAt(0), UserID: 1, OrderID: "1_100_10", ItemID: 10,
		CategoryID: 100, Price: 9.5, Channel: "app", AgeGroup: "25-34",
	}}
	segments := []model.Segment{{UserID: 1, ClusterID: 2, Label: "loyal"}}
	cohort := []model.CohortCell{{
		CohortDate: dateAt(0), DayOffset: 0, CohortUsers: 1, ActiveUsers: 1, RetentionRate: 100,
	}}
	strict := []model.FunnelRow{{UserID: 1, Date: dateAt(0), HasPV: 1, HasCart: 1, HasBuy: 1}}
	loose := []model.FunnelRow{{UserID: 1, Date: dateAt(0), HasPV: 1, HasCart: 1, HasBuy: 1}}

	tables := BuildTableData(buys, segments, cohort, strict, loose)
	require.Len(t, tables, 5)

	byName := make(map[string]store.TableData, len(tables))
	for _, td := range tables {
		byName[td.Name] = td
	}

	// Each row matches its table's declared column order.
	for name, td := range byName {
		cols, err := store.Columns(name)
		require.NoError(t, err)
		for _, row := range td.Rows {
			assert.Len(t, row, len(cols), name)
		}
	}

	buyRow := byName[store.TableBuyFact].Rows[0]
	assert.Equal(t, dateAt(0), buyRow[0])
	assert.Equal(t, "1_100_10", buyRow[2])
	assert.Equal(t, 9.5, buyRow[5])

	segRow := byName[store.TableUserRFM].Rows[0]
	assert.Equal(t, []any{int64(1), 2, "loyal"}, segRow)

	cohortRow := byName[store.TableCohort].Rows[0]
	assert.Equal(t, []any{dateAt(0), 0, 1, 1, 100.0}, cohortRow)
}

func TestBuildTableData_EmptyInputsStillProduceAllTables(t *testing.T) {
	tables := BuildTableData(nil, nil, nil, nil, nil)
	require.Len(t, tables, 5)
	for _, td := range tables {
		assert.Empty(t, td.Rows, td.Name)
	}
}
