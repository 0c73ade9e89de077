// Package ban provides address-based temporary bans kept in memory. Each
// address has at most one entry holding its expiry:
//
//	Key:   network address
//	Value: ban expiry
//
// Entries are never swept. An expired entry is deleted the next time the
// address is checked at connect time.
package ban

import "time"

const (
	// DefaultDuration is how long an auto-ban lasts.
	DefaultDuration = 15 * time.Minute

	// AutoBanThreshold is the cumulative report count that triggers a ban.
	AutoBanThreshold = 3
)

// Table manages ban records. It is not safe for concurrent use; the
// signaling state store serializes access.
type Table struct {
	bans map[string]time.Time
}

// NewTable creates an empty ban table.
func NewTable() *Table {
	return &Table{bans: make(map[string]time.Time)}
}

// Check reports whether addr is banned at now and, if so, until when. A ban
// whose expiry is not after now is removed and reported as not banned.
func (t *Table) Check(addr string, now time.Time) (time.Time, bool) {
	until, ok := t.bans[addr]
	if !ok {
		return time.Time{}, false
	}
	if now.Before(until) {
		return until, true
	}
	delete(t.bans, addr)
	return time.Time{}, false
}

// Ban inserts or overwrites the ban on addr.
func (t *Table) Ban(addr string, until time.Time) {
	t.bans[addr] = until
}

// Len returns the number of stored entries, expired ones included.
func (t *Table) Len() int {
	return len(t.bans)
}
