package resilience

import "time"

// DroppedRow records one malformed or unjoinable input row set aside during
// cleaning. Dropped rows never fail the run; they are tallied into the
// quality report so a dead-letter review can pick them up later.
type DroppedRow struct {
	Source    string    `json:"source"` // input file the row came from
	Line      int       `json:"line"`
	Reason    string    `json:"reason"`
	Raw       string    `json:"raw"`
	DroppedAt time.Time `json:"dropped_at"`
}

// DeadLetter accumulates dropped rows up to a fixed cap so a pathological
// input cannot balloon memory. The count keeps tracking past the cap.
type DeadLetter struct {
	Cap     int
	rows    []DroppedRow
	dropped int
}

// NewDeadLetter creates a DeadLetter retaining at most cap sample rows.
func NewDeadLetter(cap int) *DeadLetter {
	if cap <= 0 {
		cap = 100
	}
	return &DeadLetter{Cap: cap}
}

// Add records a dropped row.
func (d *DeadLetter) Add(row DroppedRow) {
	d.dropped++
	if len(d.rows) < d.Cap {
		d.rows = append(d.rows, row)
	}
}

// Count returns the total number of dropped rows, including ones not sampled.
func (d *DeadLetter) Count() int {
	return d.dropped
}

// Rows returns the retained sample of dropped rows.
func (d *DeadLetter) Rows() []DroppedRow {
	return d.rows
}
