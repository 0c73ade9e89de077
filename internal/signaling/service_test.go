package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/whisper/signaling/internal/messaging"
	"github.com/whisper/signaling/internal/protocol"
	"github.com/whisper/signaling/internal/session"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type frame struct {
	Type string
	Raw  []byte
}

// fakeTransport records every frame per session id.
type fakeTransport struct {
	mu     sync.Mutex
	frames map[string][]frame
	closed map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(map[string][]frame),
		closed: make(map[string]int),
	}
}

func (f *fakeTransport) Send(id string, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames[id] = append(f.frames[id], frame{Type: env.Type, Raw: append([]byte(nil), data...)})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close(id string) {
	f.mu.Lock()
	f.closed[id]++
	f.mu.Unlock()
}

// types returns the frame types delivered to id, presence updates excluded.
func (f *fakeTransport) types(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fr := range f.frames[id] {
		if fr.Type != protocol.TypeUserCountUpdate {
			out = append(out, fr.Type)
		}
	}
	return out
}

func (f *fakeTransport) count(id, msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames[id] {
		if fr.Type == msgType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(id, msgType string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.frames[id]
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == msgType {
			return frames[i].Raw
		}
	}
	return nil
}

func (f *fakeTransport) closes(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = make(map[string][]frame)
	f.mu.Unlock()
}

type recordingFeed struct {
	mu      sync.Mutex
	reports []messaging.ReportEvent
	bans    []messaging.BanEvent
	fail    bool
}

func (r *recordingFeed) PublishReport(ev messaging.ReportEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("feed down")
	}
	r.reports = append(r.reports, ev)
	return nil
}

func (r *recordingFeed) PublishBan(ev messaging.BanEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("feed down")
	}
	r.bans = append(r.bans, ev)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeTransport, *clock.Mock) {
	t.Helper()
	tr := newFakeTransport()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Clock = mock
	return NewService(tr, cfg), tr, mock
}

func mustConnect(t *testing.T, svc *Service, id, addr string) {
	t.Helper()
	if !svc.Connect(id, addr) {
		t.Fatalf("Connect(%s, %s) rejected", id, addr)
	}
}

func mustPrefs(t *testing.T, gender string, interests ...string) session.Preferences {
	t.Helper()
	p, err := session.NewPreferences(gender, interests)
	if err != nil {
		t.Fatalf("NewPreferences: %v", err)
	}
	return p
}

// pair connects a and b and pairs them with a as the initiator.
func pair(t *testing.T, svc *Service, a, b string) {
	t.Helper()
	svc.FindPartner(b)
	svc.FindPartner(a)
	if p, ok := svc.PartnerOf(a); !ok || p != b {
		t.Fatalf("expected %s paired with %s, got %q", a, b, p)
	}
}

// checkInvariants verifies that every session's status agrees exactly with
// queue and pairing membership, and that pairings are symmetric.
func checkInvariants(t *testing.T, svc *Service) {
	t.Helper()
	svc.mu.Lock()
	defer svc.mu.Unlock()

	paired := 0
	for id, sess := range svc.sessions {
		inQueue := svc.queue.Contains(id)
		partner, hasPartner := svc.pairs.Partner(id)

		switch sess.Status.State {
		case session.StateIdle:
			if inQueue || hasPartner {
				t.Errorf("%s idle but queued=%v paired=%v", id, inQueue, hasPartner)
			}
		case session.StateWaiting:
			if !inQueue || hasPartner {
				t.Errorf("%s waiting but queued=%v paired=%v", id, inQueue, hasPartner)
			}
		case session.StatePaired:
			paired++
			if inQueue || !hasPartner || partner != sess.Status.PartnerID {
				t.Errorf("%s is %s but queued=%v partner=%q", id, sess.Status, inQueue, partner)
			}
			back, ok := svc.pairs.Partner(partner)
			if !ok || back != id {
				t.Errorf("pairing %s->%s is not symmetric (back=%q)", id, partner, back)
			}
		default:
			t.Errorf("%s has non-live status %s", id, sess.Status)
		}
	}

	for _, e := range svc.queue.Entries() {
		if _, ok := svc.sessions[e.SessionID]; !ok {
			t.Errorf("queue holds removed session %s", e.SessionID)
		}
	}
	if got := svc.pairs.Pairs() * 2; got != paired {
		t.Errorf("pairing table holds %d directed entries, %d sessions paired", got, paired)
	}
}

func decodePresence(t *testing.T, raw []byte) Presence {
	t.Helper()
	var p Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return p
}

func equalTypes(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Connect and presence
// ---------------------------------------------------------------------------

func TestConnect_RegistersIdleSession(t *testing.T) {
	svc, tr, _ := newTestService(t)

	mustConnect(t, svc, "a", "10.0.0.1")

	st, ok := svc.Status("a")
	if !ok || st.State != session.StateIdle {
		t.Fatalf("expected idle session, got %v (ok=%v)", st, ok)
	}

	var created protocol.SessionCreatedMsg
	if err := json.Unmarshal(tr.last("a", protocol.TypeSessionCreated), &created); err != nil {
		t.Fatalf("session_created: %v", err)
	}
	if created.SessionID != "a" {
		t.Errorf("session_created carries %q, want %q", created.SessionID, "a")
	}
	if p := decodePresence(t, tr.last("a", protocol.TypeUserCountUpdate)); p != (Presence{Online: 1, Waiting: 0}) {
		t.Errorf("unexpected presence %+v", p)
	}
}

func TestPresence_BroadcastToAllAfterEachChange(t *testing.T) {
	svc, tr, _ := newTestService(t)

	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	if p := decodePresence(t, tr.last("a", protocol.TypeUserCountUpdate)); p != (Presence{Online: 2}) {
		t.Errorf("after connect: %+v", p)
	}

	svc.FindPartner("a")
	if p := decodePresence(t, tr.last("b", protocol.TypeUserCountUpdate)); p != (Presence{Online: 2, Waiting: 1}) {
		t.Errorf("after enqueue: %+v", p)
	}

	svc.FindPartner("b")
	if p := decodePresence(t, tr.last("a", protocol.TypeUserCountUpdate)); p != (Presence{Online: 2, Waiting: 0}) {
		t.Errorf("after match: %+v", p)
	}

	svc.Disconnect("b")
	if p := decodePresence(t, tr.last("a", protocol.TypeUserCountUpdate)); p != (Presence{Online: 1}) {
		t.Errorf("after disconnect: %+v", p)
	}
	if got := svc.Presence(); got != (Presence{Online: 1}) {
		t.Errorf("Presence() = %+v", got)
	}

	// One broadcast per structural change: connect a, connect b, enqueue,
	// match, disconnect.
	if n := tr.count("a", protocol.TypeUserCountUpdate); n != 5 {
		t.Errorf("a received %d presence updates, want 5", n)
	}
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func TestFindPartner_EnqueueThenPair(t *testing.T) {
	svc, tr, mock := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")

	svc.FindPartner("a")
	if st, _ := svc.Status("a"); st.State != session.StateWaiting {
		t.Fatalf("a should be waiting, got %s", st)
	}
	checkInvariants(t, svc)

	mock.Add(3 * time.Second)
	svc.FindPartner("b")

	if st, _ := svc.Status("a"); st != session.Paired("b") {
		t.Errorf("a status = %s, want paired(b)", st)
	}
	if st, _ := svc.Status("b"); st != session.Paired("a") {
		t.Errorf("b status = %s, want paired(a)", st)
	}
	checkInvariants(t, svc)

	// Only the initiator learns of the match.
	if n := tr.count("b", protocol.TypePartnerFound); n != 1 {
		t.Errorf("b received %d partner_found, want 1", n)
	}
	if n := tr.count("a", protocol.TypePartnerFound); n != 0 {
		t.Errorf("a received %d partner_found, want 0", n)
	}
	var found protocol.PartnerFoundMsg
	if err := json.Unmarshal(tr.last("b", protocol.TypePartnerFound), &found); err != nil || found.PartnerID != "a" {
		t.Errorf("partner_found = %+v (err %v), want partnerId a", found, err)
	}
}

func TestFindPartner_IdempotentWhileWaiting(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")

	svc.FindPartner("a")
	before := tr.count("a", protocol.TypeUserCountUpdate)
	svc.FindPartner("a")
	svc.FindPartner("a")

	if got := svc.Presence().Waiting; got != 1 {
		t.Errorf("waiting = %d, want 1", got)
	}
	if after := tr.count("a", protocol.TypeUserCountUpdate); after != before {
		t.Errorf("duplicate find_partner broadcast presence (%d -> %d)", before, after)
	}
	checkInvariants(t, svc)
}

func TestFindPartner_PreferenceFallback(t *testing.T) {
	svc, tr, _ := newTestService(t)
	for _, id := range []string{"u1", "r1", "r2", "u2"} {
		mustConnect(t, svc, id, "10.0.0."+id)
	}

	svc.SetPreferences("u1", mustPrefs(t, "female", "music"))
	svc.FindPartner("u1")

	svc.SetPreferences("r1", mustPrefs(t, "male", "music"))
	svc.FindPartner("r1")
	if p, _ := svc.PartnerOf("r1"); p != "u1" {
		t.Fatalf("r1 partner = %q, want u1", p)
	}

	svc.Disconnect("r1")
	svc.FindPartner("u1")

	svc.SetPreferences("r2", mustPrefs(t, "male", "sports"))
	svc.FindPartner("r2")
	if p, _ := svc.PartnerOf("r2"); p != "u1" {
		t.Fatalf("r2 partner = %q, want u1 via fallback", p)
	}
	if n := tr.count("r2", protocol.TypePartnerFound); n != 1 {
		t.Errorf("r2 received %d partner_found, want 1", n)
	}
	checkInvariants(t, svc)
}

// With the head fallback a non-empty queue always yields a partner, so the
// queue never holds more than one session when driven through the Service.
func TestFindPartner_QueueHoldsAtMostOne(t *testing.T) {
	svc, _, _ := newTestService(t)
	genders := []string{"male", "female", "other", "", "any", "male"}
	for i, g := range genders {
		id := fmt.Sprintf("s%d", i)
		mustConnect(t, svc, id, "10.1.0."+id)
		svc.SetPreferences(id, mustPrefs(t, g, "tag"+id))
		svc.FindPartner(id)
		if w := svc.Presence().Waiting; w > 1 {
			t.Fatalf("waiting = %d after %s", w, id)
		}
	}
	if got := svc.Presence(); got != (Presence{Online: 6, Waiting: 0}) {
		t.Errorf("presence = %+v", got)
	}
	checkInvariants(t, svc)
}

func TestFindPartner_QueueUsesSnapshotPreferences(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustConnect(t, svc, "w", "10.2.0.1")

	svc.SetPreferences("w", mustPrefs(t, "male", "chess"))
	svc.FindPartner("w")
	svc.SetPreferences("w", mustPrefs(t, "female"))

	svc.mu.Lock()
	entries := svc.queue.Entries()
	current, _ := svc.prefs.Get("w")
	svc.mu.Unlock()

	if len(entries) != 1 || entries[0].Prefs.Gender != session.GenderMale {
		t.Fatalf("queued snapshot = %+v, want male", entries)
	}
	if current.Gender != session.GenderFemale {
		t.Errorf("stored preferences = %+v, want female", current)
	}
}

func TestFindPartner_FromPairedReleasesOldPartner(t *testing.T) {
	svc, tr, _ := newTestService(t)
	for _, id := range []string{"a", "b", "c"} {
		mustConnect(t, svc, id, "10.3.0."+id)
	}
	pair(t, svc, "a", "b")

	svc.FindPartner("c")
	svc.FindPartner("a")

	if p, _ := svc.PartnerOf("a"); p != "c" {
		t.Fatalf("a partner = %q, want c", p)
	}
	if st, _ := svc.Status("b"); st.State != session.StateIdle {
		t.Errorf("b status = %s, want idle", st)
	}
	if n := tr.count("b", protocol.TypePartnerDisconnected); n != 1 {
		t.Errorf("b received %d partner_disconnected, want 1", n)
	}
	checkInvariants(t, svc)
}

func TestFindPartner_UnknownSessionIgnored(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.FindPartner("ghost")
	if got := svc.Presence(); got != (Presence{}) {
		t.Errorf("presence changed: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestCallUser_ForwardsSignalVerbatim(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")

	signal := json.RawMessage("{\"type\":\"offer\", \"sdp\": \"v=0 <x> & y\\r\\n\",\n \"n\":12345678901234567890}")
	svc.CallUser("a", "b", signal, "a")

	want := `{"type":"call_made","signal":` + string(signal) + `,"from":"a"}`
	if got := string(tr.last("b", protocol.TypeCallMade)); got != want {
		t.Errorf("call_made:\n got %s\nwant %s", got, want)
	}
}

func TestCallUser_EmptyFromUsesSender(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")

	svc.CallUser("a", "b", json.RawMessage(`{}`), "")

	var msg protocol.CallMadeMsg
	if err := json.Unmarshal(tr.last("b", protocol.TypeCallMade), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.From != "a" {
		t.Errorf("from = %q, want a", msg.From)
	}
}

func TestAnswerCall_Forwards(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")

	svc.AnswerCall("b", "a", json.RawMessage(`{"type":"answer"}`))

	want := `{"type":"call_accepted","signal":{"type":"answer"}}`
	if got := string(tr.last("a", protocol.TypeCallAccepted)); got != want {
		t.Errorf("call_accepted:\n got %s\nwant %s", got, want)
	}
}

func TestRelay_UnknownTargetDropped(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	tr.reset()

	svc.CallUser("a", "nobody", json.RawMessage(`{}`), "a")
	svc.AnswerCall("a", "nobody", json.RawMessage(`{}`))

	if got := tr.types("nobody"); len(got) != 0 {
		t.Errorf("frames sent to unknown target: %v", got)
	}
	if got := tr.types("a"); len(got) != 0 {
		t.Errorf("sender received %v, want nothing", got)
	}
}

func TestSendMessage_PartnerOnly(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	mustConnect(t, svc, "c", "10.0.0.3")
	pair(t, svc, "a", "b")

	svc.SendMessage("a", "  hello <b>there</b> ")

	var msg protocol.MessageReceivedMsg
	if err := json.Unmarshal(tr.last("b", protocol.TypeMessageReceived), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Text != "  hello <b>there</b> " {
		t.Errorf("text modified: %q", msg.Text)
	}
	if n := tr.count("c", protocol.TypeMessageReceived); n != 0 {
		t.Errorf("bystander received %d messages", n)
	}
}

func TestSendMessage_NoPartnerDropped(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	tr.reset()

	svc.SendMessage("a", "anyone?")
	if got := tr.types("a"); len(got) != 0 {
		t.Errorf("sender received %v, want nothing", got)
	}
}

// ---------------------------------------------------------------------------
// Reports and bans
// ---------------------------------------------------------------------------

func TestReportUser_NoPartnerIsNoop(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	tr.reset()

	svc.ReportUser("a", "spam")
	if got := tr.types("a"); len(got) != 0 {
		t.Errorf("reporter received %v, want nothing", got)
	}
}

func TestReportUser_TwoReportsNoBan(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	pair(t, svc, "a", "b")

	svc.ReportUser("a", "spam")
	svc.ReportUser("a", "spam")

	if n := tr.count("a", protocol.TypeReportSubmitted); n != 2 {
		t.Errorf("reporter received %d acknowledgements, want 2", n)
	}
	if n := tr.count("b", protocol.TypeBanned); n != 0 {
		t.Errorf("b banned after 2 reports")
	}
	if tr.closes("b") != 0 {
		t.Errorf("b connection closed after 2 reports")
	}
	if p, _ := svc.PartnerOf("a"); p != "b" {
		t.Errorf("pairing dissolved after 2 reports")
	}
	checkInvariants(t, svc)
}

func TestReportUser_ThirdReportBansAndDisconnects(t *testing.T) {
	svc, tr, mock := newTestService(t)
	feed := &recordingFeed{}
	svc.feed = feed

	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	mustConnect(t, svc, "c", "10.0.0.3")
	pair(t, svc, "a", "b")

	svc.ReportUser("a", "spam")
	svc.ReportUser("a", "abuse")

	// A third report from a different reporter after a re-pair still counts.
	svc.Disconnect("a")
	pair(t, svc, "c", "b")
	svc.ReportUser("c", "abuse")

	now := mock.Now()
	wantUntil := now.Add(15 * time.Minute).UnixMilli()

	var banned protocol.BannedMsg
	if err := json.Unmarshal(tr.last("b", protocol.TypeBanned), &banned); err != nil {
		t.Fatalf("banned notice: %v", err)
	}
	if banned.Until != wantUntil {
		t.Errorf("banned until %d, want %d", banned.Until, wantUntil)
	}
	if tr.closes("b") != 1 {
		t.Errorf("b closed %d times, want 1", tr.closes("b"))
	}
	if _, ok := svc.Status("b"); ok {
		t.Errorf("b still registered after ban")
	}

	// Reporter is told the partner left, then gets the acknowledgement.
	if got := tr.types("c"); !equalTypes(got[len(got)-2:], protocol.TypePartnerDisconnected, protocol.TypeReportSubmitted) {
		t.Errorf("reporter frames end with %v", got)
	}
	if st, _ := svc.Status("c"); st.State != session.StateIdle {
		t.Errorf("reporter status = %s, want idle", st)
	}

	// The transport reports the forced close; cleanup already ran.
	svc.Disconnect("b")
	if n := tr.count("c", protocol.TypePartnerDisconnected); n != 1 {
		t.Errorf("reporter received %d partner_disconnected, want 1", n)
	}
	checkInvariants(t, svc)

	if len(feed.reports) != 3 || feed.reports[2].Count != 3 || feed.reports[2].ReporterID != "c" {
		t.Errorf("report events = %+v", feed.reports)
	}
	if len(feed.bans) != 1 || feed.bans[0].Addr != "10.0.0.2" || feed.bans[0].Until != wantUntil {
		t.Errorf("ban events = %+v", feed.bans)
	}
}

func TestBanLifecycle(t *testing.T) {
	svc, tr, mock := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	pair(t, svc, "a", "b")
	for i := 0; i < 3; i++ {
		svc.ReportUser("a", "spam")
	}
	until := mock.Now().Add(15 * time.Minute)

	// While banned, the same address is rejected without any session state.
	mock.Add(14 * time.Minute)
	online := svc.Presence().Online
	if svc.Connect("b2", "10.0.0.2") {
		t.Fatal("banned address admitted")
	}
	if _, ok := svc.Status("b2"); ok {
		t.Error("rejected connection has session state")
	}
	if got := svc.Presence().Online; got != online {
		t.Errorf("online changed on rejection: %d -> %d", online, got)
	}
	if got := tr.types("b2"); !equalTypes(got, protocol.TypeBanned) {
		t.Errorf("rejected connection received %v, want [banned]", got)
	}
	var notice protocol.BannedMsg
	if err := json.Unmarshal(tr.last("b2", protocol.TypeBanned), &notice); err != nil || notice.Until != until.UnixMilli() {
		t.Errorf("rejection notice %+v (err %v), want until %d", notice, err, until.UnixMilli())
	}
	if tr.closes("b2") != 1 {
		t.Errorf("rejected connection closed %d times, want 1", tr.closes("b2"))
	}

	// Other addresses are unaffected.
	mustConnect(t, svc, "d", "10.0.0.4")

	// At expiry the address is admitted and the stale entry pruned.
	mock.Set(until)
	mustConnect(t, svc, "b3", "10.0.0.2")
	svc.mu.Lock()
	remaining := svc.bans.Len()
	svc.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d ban entries remain after expiry", remaining)
	}
}

func TestReportUser_FeedFailureDoesNotBlockBan(t *testing.T) {
	svc, tr, _ := newTestService(t)
	svc.feed = &recordingFeed{fail: true}
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	pair(t, svc, "a", "b")

	for i := 0; i < 3; i++ {
		svc.ReportUser("a", "spam")
	}
	if tr.count("b", protocol.TypeBanned) != 1 || tr.closes("b") != 1 {
		t.Error("ban not applied when the feed is unavailable")
	}
}

func TestNewService_CustomThreshold(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(tr, Config{ReportThreshold: 1, BanDuration: time.Minute, Clock: clock.NewMock()})
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	pair(t, svc, "a", "b")

	svc.ReportUser("a", "spam")
	if tr.count("b", protocol.TypeBanned) != 1 {
		t.Error("threshold of 1 did not ban on the first report")
	}
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func TestDisconnect_PairedNotifiesPartnerOnce(t *testing.T) {
	svc, tr, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	pair(t, svc, "a", "b")

	svc.Disconnect("a")
	svc.Disconnect("a")

	if n := tr.count("b", protocol.TypePartnerDisconnected); n != 1 {
		t.Errorf("b received %d partner_disconnected, want 1", n)
	}
	if _, ok := svc.PartnerOf("a"); ok {
		t.Error("a->b pairing remains")
	}
	if _, ok := svc.PartnerOf("b"); ok {
		t.Error("b->a pairing remains")
	}
	if st, _ := svc.Status("b"); st.State != session.StateIdle {
		t.Errorf("b status = %s, want idle", st)
	}
	checkInvariants(t, svc)
}

func TestDisconnect_WaitingLeavesQueue(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	mustConnect(t, svc, "b", "10.0.0.2")
	svc.SetPreferences("a", mustPrefs(t, "any", "music"))
	svc.FindPartner("a")

	svc.Disconnect("a")
	if got := svc.Presence(); got != (Presence{Online: 1, Waiting: 0}) {
		t.Errorf("presence = %+v", got)
	}
	svc.mu.Lock()
	_, hasPrefs := svc.prefs.Get("a")
	svc.mu.Unlock()
	if hasPrefs {
		t.Error("preferences survived disconnect")
	}

	// The departed session is never returned as a match.
	svc.FindPartner("b")
	if _, ok := svc.PartnerOf("b"); ok {
		t.Error("b matched with a removed session")
	}
	checkInvariants(t, svc)
}

func TestDisconnect_NeverMatchedIsSafe(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustConnect(t, svc, "a", "10.0.0.1")
	svc.Disconnect("a")
	svc.Disconnect("never-connected")
	if got := svc.Presence(); got != (Presence{}) {
		t.Errorf("presence = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestService_ConcurrentChurnKeepsInvariants(t *testing.T) {
	svc, _, _ := newTestService(t)

	const workers = 16
	const rounds = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				id := fmt.Sprintf("w%d-r%d", w, r)
				svc.Connect(id, fmt.Sprintf("10.9.%d.%d", w, r))
				if r%2 == 0 {
					svc.SetPreferences(id, session.Preferences{Gender: session.GenderFemale, Interests: []string{"music"}})
				}
				svc.FindPartner(id)
				if p, ok := svc.PartnerOf(id); ok {
					svc.SendMessage(id, "hi")
					svc.CallUser(id, p, json.RawMessage(`{}`), id)
				}
				if r%3 == 0 {
					svc.Disconnect(id)
				}
			}
		}(w)
	}
	wg.Wait()

	checkInvariants(t, svc)

	p := svc.Presence()
	svc.mu.Lock()
	online, waiting := len(svc.sessions), svc.queue.Len()
	svc.mu.Unlock()
	if p.Online != online || p.Waiting != waiting {
		t.Errorf("presence %+v disagrees with state online=%d waiting=%d", p, online, waiting)
	}
}
