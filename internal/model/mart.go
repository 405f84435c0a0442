package model

import "time"

// BuyRow is one row of the purchase fact table.
type BuyRow struct {
	Date       time.Time
	UserID     int64
	OrderID    string
	ItemID     int64
	CategoryID int64
	Price      float64
	Channel    string
	AgeGroup   string
}

// FunnelRow is one (user, day) cell of a conversion funnel mart. The stage
// flags are 0/1 ints to match the table layout.
type FunnelRow struct {
	UserID  int64
	Date    time.Time
	HasPV   int
	HasCart int
	HasBuy  int
}

// CohortCell is one (cohort, offset) cell of the retention matrix.
type CohortCell struct {
	CohortDate    time.Time
	DayOffset     int
	CohortUsers   int
	ActiveUsers   int
	RetentionRate float64
}
