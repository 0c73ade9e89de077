// Package report counts abuse reports per session. Counts only grow: there
// is no reset, no cooldown, and no per-reporter de-duplication, so repeated
// reports from one reporter all count.
package report

import "time"

// Record is a session's cumulative report state.
type Record struct {
	Count      int
	LastReport time.Time
}

// Tracker manages report records. It is not safe for concurrent use; the
// signaling state store serializes access.
type Tracker struct {
	records map[string]Record
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]Record)}
}

// Add records one report against sessionID at now and returns the updated
// record.
func (t *Tracker) Add(sessionID string, now time.Time) Record {
	r := t.records[sessionID]
	r.Count++
	r.LastReport = now
	t.records[sessionID] = r
	return r
}

// Get returns the record for sessionID, the zero Record if never reported.
func (t *Tracker) Get(sessionID string) Record {
	return t.records[sessionID]
}
