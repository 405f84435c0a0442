// Package model defines the core data types flowing through the pipeline:
// raw events, the cleaned fact table, RFM features, and the mart rows.
package model

import (
	"fmt"
	"time"
)

// Behavior is the event type recorded in the clickstream.
type Behavior string

const (
	BehaviorView Behavior = "pv"
	BehaviorCart Behavior = "cart"
	BehaviorFav  Behavior = "fav"
	BehaviorBuy  Behavior = "buy"
)

// Valid reports whether b is one of the known behavior types.
func (b Behavior) Valid() bool {
	switch b {
	case BehaviorView, BehaviorCart, BehaviorFav, BehaviorBuy:
		return true
	}
	return false
}

// Event is one raw clickstream row: a user acting on an item at a point in
// time. TS is a unix timestamp in seconds.
type Event struct {
	UserID     int64
	ItemID     int64
	CategoryID int64
	Behavior   Behavior
	TS         int64
}

// Time returns the event timestamp in UTC.
func (e Event) Time() time.Time {
	return time.Unix(e.TS, 0).UTC()
}

// Date returns the event's UTC calendar day at midnight.
func (e Event) Date() time.Time {
	t := e.Time()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Key returns the event's deduplication identity.
func (e Event) Key() DedupKey {
	return DedupKey{UserID: e.UserID, ItemID: e.ItemID, TS: e.TS, Behavior: e.Behavior}
}

// DedupKey identifies duplicate events: the same user acting on the same
// item with the same behavior at the same second is one event, however many
// times the collector recorded it.
type DedupKey struct {
	UserID   int64
	ItemID   int64
	TS       int64
	Behavior Behavior
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%s", k.UserID, k.ItemID, k.TS, k.Behavior)
}
