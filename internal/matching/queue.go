// Package matching implements the waiting queue and partner selection for
// one-on-one sessions. Entries are kept in strict insertion order; selection
// prefers the first compatible candidate and falls back to the queue head.
//
// Nothing in this package locks. The signaling state store owns the queue and
// serializes access together with the pairing table, so a scan-and-remove
// never interleaves with a disconnect.
package matching

import (
	"time"

	"github.com/whisper/signaling/internal/session"
)

// QueueEntry represents a session's place in the waiting queue.
type QueueEntry struct {
	SessionID string
	Prefs     session.Preferences // snapshot taken at enqueue time
	JoinedAt  time.Time
}

// Queue is an insertion-ordered waiting queue with O(1) membership checks.
type Queue struct {
	entries []QueueEntry
	members map[string]struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{members: make(map[string]struct{})}
}

// Enqueue appends a session at the tail with a copy of its preferences.
// It returns false without modifying the queue if the session is already
// queued.
func (q *Queue) Enqueue(sessionID string, prefs session.Preferences, now time.Time) bool {
	if _, ok := q.members[sessionID]; ok {
		return false
	}
	q.entries = append(q.entries, QueueEntry{
		SessionID: sessionID,
		Prefs:     prefs.Clone(),
		JoinedAt:  now,
	})
	q.members[sessionID] = struct{}{}
	return true
}

// Remove deletes a session from the queue, preserving the order of the
// remaining entries. It reports whether the session was queued.
func (q *Queue) Remove(sessionID string) bool {
	if _, ok := q.members[sessionID]; !ok {
		return false
	}
	for i := range q.entries {
		if q.entries[i].SessionID == sessionID {
			q.removeAt(i)
			return true
		}
	}
	// Membership and entries disagree; heal the index.
	delete(q.members, sessionID)
	return false
}

// Contains reports whether the session is queued.
func (q *Queue) Contains(sessionID string) bool {
	_, ok := q.members[sessionID]
	return ok
}

// Len returns the number of queued sessions.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Head returns the oldest entry without removing it.
func (q *Queue) Head() (QueueEntry, bool) {
	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	return q.entries[0], true
}

// Entries returns a copy of the queue, oldest first.
func (q *Queue) Entries() []QueueEntry {
	out := make([]QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// removeAt removes the entry at index i and returns it.
func (q *Queue) removeAt(i int) QueueEntry {
	e := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = QueueEntry{}
	q.entries = q.entries[:len(q.entries)-1]
	delete(q.members, e.SessionID)
	return e
}
