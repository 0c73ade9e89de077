// Package signaling is the matchmaking and signaling state store. A Service
// owns every session, the waiting queue, the pairing table, preferences,
// report records and bans, and serializes all of them behind one mutex so a
// match can never interleave with the teardown of either side.
//
// Outbound messages are handed to a Transport while the lock is held. The
// Transport must therefore never block: the ws package enqueues onto a
// bounded per-connection channel and drops on overflow.
package signaling

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/whisper/signaling/internal/ban"
	"github.com/whisper/signaling/internal/matching"
	"github.com/whisper/signaling/internal/messaging"
	"github.com/whisper/signaling/internal/metrics"
	"github.com/whisper/signaling/internal/pairing"
	"github.com/whisper/signaling/internal/protocol"
	"github.com/whisper/signaling/internal/report"
	"github.com/whisper/signaling/internal/session"
)

// Transport delivers encoded frames to connections by session id.
type Transport interface {
	// Send queues data for id without blocking.
	Send(id string, data []byte) error
	// Close flushes queued frames and terminates the connection of id.
	Close(id string)
}

// ModerationFeed receives report and ban events. Publishing errors are
// logged and never affect server state.
type ModerationFeed interface {
	PublishReport(ev messaging.ReportEvent) error
	PublishBan(ev messaging.BanEvent) error
}

// Config holds Service settings.
type Config struct {
	ReportThreshold int           // cumulative reports that trigger a ban
	BanDuration     time.Duration // length of an auto-ban
	Clock           clock.Clock   // nil selects the wall clock
	Feed            ModerationFeed
}

// DefaultConfig returns the production moderation policy.
func DefaultConfig() Config {
	return Config{
		ReportThreshold: ban.AutoBanThreshold,
		BanDuration:     ban.DefaultDuration,
	}
}

// Presence is the {online, waiting} snapshot pushed to every session.
type Presence struct {
	Online  int `json:"online"`
	Waiting int `json:"waiting"`
}

// Service is the single state store. All exported methods are safe for
// concurrent use.
type Service struct {
	mu sync.Mutex

	transport Transport
	feed      ModerationFeed
	clock     clock.Clock
	threshold int
	banFor    time.Duration

	sessions map[string]*session.Session
	prefs    *session.PreferenceStore
	queue    *matching.Queue
	pairs    *pairing.Table
	bans     *ban.Table
	reports  *report.Tracker
}

// NewService creates an empty store that delivers through transport.
func NewService(transport Transport, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = ban.AutoBanThreshold
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = ban.DefaultDuration
	}
	return &Service{
		transport: transport,
		feed:      cfg.Feed,
		clock:     cfg.Clock,
		threshold: cfg.ReportThreshold,
		banFor:    cfg.BanDuration,
		sessions:  make(map[string]*session.Session),
		prefs:     session.NewPreferenceStore(),
		queue:     matching.NewQueue(),
		pairs:     pairing.NewTable(),
		bans:      ban.NewTable(),
		reports:   report.NewTracker(),
	}
}

// Connect runs the ban gate for a new connection from addr. A banned address
// receives a banned notice and its connection is closed; no session state is
// created and false is returned. Otherwise the session is registered idle,
// told its id, and presence is broadcast.
func (s *Service) Connect(id, addr string) bool {
	s.mu.Lock()
	now := s.clock.Now()

	if until, banned := s.bans.Check(addr, now); banned {
		s.sendLocked(id, protocol.TypeBanned, protocol.BannedMsg{Until: until.UnixMilli()})
		s.mu.Unlock()

		metrics.BanRejectionsTotal.Inc()
		log.Printf("[signaling] rejected %s from %s: banned until %s", id, addr, until.Format(time.RFC3339))
		s.transport.Close(id)
		return false
	}

	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return true
	}

	s.sessions[id] = session.New(id, addr, now)
	s.sendLocked(id, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: id})
	s.broadcastPresenceLocked()
	s.mu.Unlock()

	log.Printf("[signaling] connected %s from %s", id, addr)
	return true
}

// Disconnect tears down the session. It is idempotent: unknown or already
// removed ids are ignored, so a connection closed by a ban and later reported
// closed by the transport is cleaned up once.
func (s *Service) Disconnect(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	partner := s.teardownLocked(sess)
	s.broadcastPresenceLocked()
	s.mu.Unlock()

	if partner != "" {
		log.Printf("[signaling] disconnected %s (partner %s notified)", id, partner)
	} else {
		log.Printf("[signaling] disconnected %s", id)
	}
}

// SetPreferences replaces the session's preferences wholesale. A waiting
// session keeps the snapshot it was queued with.
func (s *Service) SetPreferences(id string, prefs session.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return
	}
	s.prefs.Set(id, prefs)
}

// FindPartner pairs the session with a waiting partner or queues it. Calls
// from a session that is already waiting are ignored. A paired session first
// leaves its current partner, who is told partner_disconnected.
//
// Only the caller receives partner_found and is expected to send the first
// offer; the partner taken from the queue waits for call_made.
func (s *Service) FindPartner(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Status.State == session.StateWaiting {
		return
	}

	if sess.Status.State == session.StatePaired {
		s.releaseLocked(sess)
	}

	prefs, _ := s.prefs.Get(id)
	now := s.clock.Now()

	match, selfMatch := s.queue.Select(id, prefs)
	if selfMatch {
		log.Printf("[signaling] self-match for %s ignored", id)
		return
	}

	if match == nil {
		s.queue.Enqueue(id, prefs, now)
		sess.Status = session.Waiting()
		s.broadcastPresenceLocked()
		log.Printf("[signaling] %s added to waiting queue (waiting=%d)", id, s.queue.Len())
		return
	}

	partner, ok := s.sessions[match.SessionB]
	if !ok {
		// Queue membership is maintained by teardown, so a queued id always
		// has a live session. Refuse to pair with a ghost.
		log.Printf("[signaling] queued session %s has no state; dropped", match.SessionB)
		return
	}

	s.pairs.Link(id, partner.ID)
	sess.Status = session.Paired(partner.ID)
	partner.Status = session.Paired(id)

	s.sendLocked(id, protocol.TypePartnerFound, protocol.PartnerFoundMsg{PartnerID: partner.ID})
	s.broadcastPresenceLocked()

	metrics.MatchesTotal.WithLabelValues(string(match.Mode)).Inc()
	metrics.WaitDuration.Observe(now.Sub(match.PartnerJoinedAt).Seconds())
	log.Printf("[signaling] paired %s with %s (mode=%s, shared=%d)", id, partner.ID, match.Mode, len(match.SharedInterests))
}

// CallUser relays an opaque offer to target as call_made. The forwarded
// from is claimedFrom when set, otherwise the sender's own id. The target need
// not be the sender's partner.
func (s *Service) CallUser(from, target string, signal json.RawMessage, claimedFrom string) {
	if claimedFrom == "" {
		claimedFrom = from
	}
	s.relay(from, target, protocol.TypeCallMade, protocol.CallMadeMsg{Signal: signal, From: claimedFrom}, len(signal))
}

// AnswerCall relays an opaque answer to target as call_accepted.
func (s *Service) AnswerCall(from, target string, signal json.RawMessage) {
	s.relay(from, target, protocol.TypeCallAccepted, protocol.CallAcceptedMsg{Signal: signal}, len(signal))
}

// SendMessage forwards text unmodified to the sender's partner. Without a
// partner the message is dropped silently.
func (s *Service) SendMessage(from, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[from]; !ok {
		return
	}
	partner, ok := s.pairs.Partner(from)
	if !ok {
		metrics.DroppedTotal.WithLabelValues(protocol.TypeMessageReceived).Inc()
		return
	}
	s.sendLocked(partner, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Text: text})
	metrics.RelayedTotal.WithLabelValues(protocol.TypeMessageReceived).Inc()
}

// ReportUser records a report against the reporter's current partner. With no
// partner it does nothing. Otherwise the reporter always gets
// report_submitted; when the partner's cumulative count reaches the threshold
// its address is banned, it is sent banned, torn down, and its connection is
// closed.
func (s *Service) ReportUser(from, reason string) {
	s.mu.Lock()

	if _, ok := s.sessions[from]; !ok {
		s.mu.Unlock()
		return
	}
	partnerID, ok := s.pairs.Partner(from)
	if !ok {
		s.mu.Unlock()
		metrics.DroppedTotal.WithLabelValues(protocol.TypeReportSubmitted).Inc()
		return
	}
	target, ok := s.sessions[partnerID]
	if !ok {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	rec := s.reports.Add(partnerID, now)
	metrics.ReportsTotal.Inc()
	log.Printf("[signaling] %s reported by %s (reason=%q, total=%d)", partnerID, from, reason, rec.Count)

	banned := rec.Count >= s.threshold
	var until time.Time
	if banned {
		until = now.Add(s.banFor)
		s.bans.Ban(target.Addr, until)
		s.sendLocked(partnerID, protocol.TypeBanned, protocol.BannedMsg{Until: until.UnixMilli()})
		s.teardownLocked(target)
		s.broadcastPresenceLocked()
	}
	s.sendLocked(from, protocol.TypeReportSubmitted, nil)
	s.mu.Unlock()

	s.publishReport(messaging.ReportEvent{
		ReportedID: partnerID,
		ReporterID: from,
		Reason:     reason,
		Count:      rec.Count,
		At:         now.UnixMilli(),
	})

	if banned {
		metrics.BansTotal.Inc()
		log.Printf("[signaling] %s (addr %s) banned until %s", partnerID, target.Addr, until.Format(time.RFC3339))
		s.publishBan(messaging.BanEvent{
			SessionID: partnerID,
			Addr:      target.Addr,
			Reports:   rec.Count,
			Until:     until.UnixMilli(),
		})
		s.transport.Close(partnerID)
	}
}

// Presence returns the current online and waiting counts.
func (s *Service) Presence() Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenceLocked()
}

// Status returns the status of a live session.
func (s *Service) Status(id string) (session.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.Removed(), false
	}
	return sess.Status, true
}

// PartnerOf returns the current partner of id.
func (s *Service) PartnerOf(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairs.Partner(id)
}

// ---------------------------------------------------------------------------
// Internals. Every *Locked method requires s.mu.
// ---------------------------------------------------------------------------

func (s *Service) relay(from, target, msgType string, payload interface{}, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[from]; !ok {
		return
	}
	if _, ok := s.sessions[target]; !ok {
		metrics.DroppedTotal.WithLabelValues(msgType).Inc()
		log.Printf("[signaling] %s from %s to unknown %s dropped (%d bytes)", msgType, from, target, size)
		return
	}
	s.sendLocked(target, msgType, payload)
	metrics.RelayedTotal.WithLabelValues(msgType).Inc()
}

// teardownLocked removes every trace of sess and returns the partner that was
// notified, if any.
func (s *Service) teardownLocked(sess *session.Session) string {
	s.queue.Remove(sess.ID)
	s.prefs.Delete(sess.ID)
	partner := s.releaseLocked(sess)
	sess.Status = session.Removed()
	delete(s.sessions, sess.ID)
	return partner
}

// releaseLocked dissolves sess's pairing, if any. The partner is told
// partner_disconnected and becomes idle.
func (s *Service) releaseLocked(sess *session.Session) string {
	partnerID, ok := s.pairs.Unlink(sess.ID)
	if !ok {
		return ""
	}
	if partner, ok := s.sessions[partnerID]; ok {
		partner.Status = session.Idle()
		s.sendLocked(partnerID, protocol.TypePartnerDisconnected, nil)
	}
	sess.Status = session.Idle()
	return partnerID
}

func (s *Service) presenceLocked() Presence {
	return Presence{Online: len(s.sessions), Waiting: s.queue.Len()}
}

func (s *Service) broadcastPresenceLocked() {
	p := s.presenceLocked()

	metrics.SessionsOnline.Set(float64(p.Online))
	metrics.WaitingQueueSize.Set(float64(p.Waiting))
	metrics.ActivePairs.Set(float64(s.pairs.Pairs()))

	data, err := protocol.NewServerMessage(protocol.TypeUserCountUpdate, protocol.UserCountUpdateMsg{
		Online:  p.Online,
		Waiting: p.Waiting,
	})
	if err != nil {
		log.Printf("[signaling] encode presence: %v", err)
		return
	}
	for id := range s.sessions {
		if err := s.transport.Send(id, data); err != nil {
			log.Printf("[signaling] presence to %s: %v", id, err)
		}
	}
}

func (s *Service) sendLocked(id, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[signaling] encode %s: %v", msgType, err)
		return
	}
	if err := s.transport.Send(id, data); err != nil {
		log.Printf("[signaling] send %s to %s: %v", msgType, id, err)
	}
}

func (s *Service) publishReport(ev messaging.ReportEvent) {
	if s.feed == nil {
		return
	}
	if err := s.feed.PublishReport(ev); err != nil {
		log.Printf("[signaling] publish report: %v", err)
	}
}

func (s *Service) publishBan(ev messaging.BanEvent) {
	if s.feed == nil {
		return
	}
	if err := s.feed.PublishBan(ev); err != nil {
		log.Printf("[signaling] publish ban: %v", err)
	}
}
