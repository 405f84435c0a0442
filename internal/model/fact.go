package model

import (
	"fmt"
	"time"
)

// Fact is one cleaned, dimension-joined event: the row shape the whole
// transformation phase runs on.
type Fact struct {
	Event
	// Date is the event's UTC calendar day, precomputed by the loader.
	Date     time.Time
	Price    float64
	Channel  string
	AgeGroup string
}

// OrderID derives the synthetic order identifier for a purchase event. The
// source has no order concept, so a purchase is identified by who bought
// what, when.
func (f Fact) OrderID() string {
	return fmt.Sprintf("%d_%d_%d", f.UserID, f.TS, f.ItemID)
}

// UserDim is one row of the user dimension file.
type UserDim struct {
	UserID   int64
	Channel  string
	AgeGroup string
}

// ItemDim is one row of the item dimension file.
type ItemDim struct {
	ItemID int64
	Price  float64
}

// UserFeature holds one purchasing user's RFM components, raw and
// standardized. Recency is days back from the window end, frequency the
// distinct order count, monetary the summed spend.
type UserFeature struct {
	UserID    int64
	Recency   float64
	Frequency float64
	Monetary  float64

	ScaledR float64
	ScaledF float64
	ScaledM float64
}

// Scaled returns the standardized feature vector used for clustering.
func (f UserFeature) Scaled() [3]float64 {
	return [3]float64{f.ScaledR, f.ScaledF, f.ScaledM}
}

// Segment is one user's segmentation outcome.
type Segment struct {
	UserID    int64
	ClusterID int
	Label     string
}
