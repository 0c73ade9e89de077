package matching

import (
	"time"

	"github.com/whisper/signaling/internal/session"
)

// Mode names the rule that chose a partner.
type Mode string

const (
	// ModeHead: the requester declared no gender filter, so the oldest
	// waiting session was taken.
	ModeHead Mode = "head"
	// ModeCompatible: the first compatible candidate in queue order.
	ModeCompatible Mode = "compatible"
	// ModeFallback: nothing was compatible, so the oldest waiting session was
	// taken anyway. Filters are a soft preference.
	ModeFallback Mode = "fallback"
)

// MatchCandidate represents a successful selection. SessionA is the
// requester, SessionB the partner taken from the queue.
type MatchCandidate struct {
	SessionA        string
	SessionB        string
	SharedInterests []string
	Mode            Mode
	PartnerJoinedAt time.Time // when SessionB entered the queue
}

// Select picks a partner for requesterID from the queue and removes it. It
// returns nil with an empty queue, and nil without touching the queue if the
// chosen entry is the requester itself (selfMatch is then true).
func (q *Queue) Select(requesterID string, prefs session.Preferences) (match *MatchCandidate, selfMatch bool) {
	head, ok := q.Head()
	if !ok {
		return nil, false
	}

	idx, mode, chosen := 0, ModeHead, head
	if prefs.HasGender() {
		idx, mode = 0, ModeFallback
		for i, e := range q.entries {
			if Compatible(prefs, e.Prefs) {
				idx, mode, chosen = i, ModeCompatible, e
				break
			}
		}
	}

	if chosen.SessionID == requesterID {
		return nil, true
	}

	partner := q.removeAt(idx)
	return &MatchCandidate{
		SessionA:        requesterID,
		SessionB:        partner.SessionID,
		SharedInterests: SharedInterests(prefs.Interests, partner.Prefs.Interests),
		Mode:            mode,
		PartnerJoinedAt: partner.JoinedAt,
	}, false
}
