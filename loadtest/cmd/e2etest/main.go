// Package main implements a standalone end-to-end test of the signaling
// server. It drives real WebSocket clients through the full session
// lifecycle: admission, pairing, handshake relay, chat relay, out-of-context
// no-ops, partner departure and, when enabled, the report threshold ban.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:3001/ws] [-timeout 60s] [-ban]
//
// The ban scenario bans the test machine's address for the server's ban
// duration, so it is opt-in and runs last.
//
// Exit code 0 if all scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/whisper/signaling/loadtest/client"
	"github.com/whisper/signaling/loadtest/stats"
)

type scenarioResult struct {
	name   string
	ok     bool
	detail string
}

func pass(name string) scenarioResult { return scenarioResult{name: name, ok: true} }

func fail(name string, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name: name, detail: fmt.Sprintf(format, args...)}
}

func main() {
	wsURL := flag.String("url", "ws://localhost:3001/ws", "WebSocket server URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	withBan := flag.Bool("ban", false, "Run the ban scenario (bans this machine's address)")
	flag.Parse()

	fmt.Println("=== Signaling E2E Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := []scenarioResult{
		scenarioHealth(*wsURL),
		scenarioHandshake(ctx, *wsURL),
	}
	results = append(results, scenarioPairing(ctx, *wsURL)...)
	results = append(results, scenarioUnpairedNoops(ctx, *wsURL))
	if *withBan {
		results = append(results, scenarioBan(ctx, *wsURL))
	}

	fmt.Println()
	passed := 0
	for _, r := range results {
		tag := "FAIL"
		if r.ok {
			tag = "PASS"
			passed++
		}
		fmt.Printf("[%s] %s", tag, r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
	}
	fmt.Printf("\n=== Results: %d/%d passed ===\n", passed, len(results))

	if passed != len(results) {
		os.Exit(1)
	}
}

func scenarioHealth(wsURL string) scenarioResult {
	const name = "health endpoint"
	url := strings.Replace(strings.TrimSuffix(wsURL, "/ws"), "ws://", "http://", 1) + "/health"
	h, err := stats.FetchHealth(url)
	if err != nil {
		return fail(name, "%v", err)
	}
	if h.Status != "ok" {
		return fail(name, "status %q", h.Status)
	}
	return pass(name)
}

func scenarioHandshake(ctx context.Context, wsURL string) scenarioResult {
	const name = "session_created on connect"
	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		return fail(name, "empty session id")
	}
	return pass(name)
}

// scenarioPairing covers queueing, the asymmetric partner_found, opaque
// handshake relay, chat relay and partner departure with one pair.
func scenarioPairing(ctx context.Context, wsURL string) []scenarioResult {
	names := []string{
		"pairing notifies only the caller",
		"handshake relayed verbatim",
		"chat relayed to partner",
		"partner_disconnected on departure",
	}
	failAll := func(from int, format string, args ...interface{}) []scenarioResult {
		out := make([]scenarioResult, 0, len(names))
		for i, n := range names {
			if i < from {
				out = append(out, pass(n))
				continue
			}
			out = append(out, fail(n, format, args...))
		}
		return out
	}

	waiting, err := dial(ctx, wsURL)
	if err != nil {
		return failAll(0, "%v", err)
	}
	defer waiting.Close()
	caller, err := dial(ctx, wsURL)
	if err != nil {
		return failAll(0, "%v", err)
	}
	defer caller.Close()

	// 1. Pairing.
	_ = waiting.SetPreferences("female", []string{"music"})
	_ = caller.SetPreferences("male", []string{"music"})
	_ = waiting.FindPartner()
	_ = waiting.FindPartner() // duplicate while waiting is absorbed
	time.Sleep(100 * time.Millisecond)
	_ = caller.FindPartner()

	f, err := next(ctx, caller, client.TypePartnerFound)
	if err != nil {
		return failAll(0, "caller: %v", err)
	}
	var found struct {
		PartnerID string `json:"partnerId"`
	}
	_ = json.Unmarshal(f.Raw, &found)
	if found.PartnerID != waiting.SessionID() {
		return failAll(0, "partnerId = %s, want %s", found.PartnerID, waiting.SessionID())
	}
	if err := expectNone(ctx, waiting, 300*time.Millisecond, client.TypePartnerFound); err != nil {
		return failAll(0, "waiting side: %v", err)
	}

	// 2. Handshake relay.
	offer := map[string]interface{}{"type": "offer", "sdp": "v=0\r\no=- 1 2 IN IP4 0.0.0.0", "nested": []int{1, 2}}
	_ = caller.CallUser(waiting.SessionID(), offer)
	f, err = next(ctx, waiting, client.TypeCallMade)
	if err != nil {
		return failAll(1, "call_made: %v", err)
	}
	var call struct {
		Signal json.RawMessage `json:"signal"`
		From   string          `json:"from"`
	}
	_ = json.Unmarshal(f.Raw, &call)
	want, _ := json.Marshal(offer)
	if call.From != caller.SessionID() || string(call.Signal) != string(want) {
		return failAll(1, "call_made = %s", f.Raw)
	}
	_ = waiting.AnswerCall(caller.SessionID(), map[string]string{"type": "answer"})
	if _, err := next(ctx, caller, client.TypeCallAccepted); err != nil {
		return failAll(1, "call_accepted: %v", err)
	}

	// 3. Chat relay.
	_ = caller.SendMessage("  hello <b>there</b>  ")
	f, err = next(ctx, waiting, client.TypeMessageReceived)
	if err != nil {
		return failAll(2, "%v", err)
	}
	var msg struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(f.Raw, &msg)
	if msg.Text != "  hello <b>there</b>  " {
		return failAll(2, "text = %q", msg.Text)
	}

	// 4. Departure.
	waiting.Close()
	if _, err := next(ctx, caller, client.TypePartnerDisconnected); err != nil {
		return failAll(3, "%v", err)
	}
	if err := expectNone(ctx, caller, 300*time.Millisecond, client.TypePartnerDisconnected); err != nil {
		return failAll(3, "%v", err)
	}
	return failAll(len(names), "")
}

func scenarioUnpairedNoops(ctx context.Context, wsURL string) scenarioResult {
	const name = "unpaired send_message and report_user are no-ops"
	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer c.Close()

	_ = c.SendMessage("anyone?")
	_ = c.ReportUser("nobody")
	if err := expectNone(ctx, c, 500*time.Millisecond); err != nil {
		return fail(name, "%v", err)
	}
	return pass(name)
}

// scenarioBan reports a partner three times and checks that it is banned,
// disconnected and refused on reconnect.
func scenarioBan(ctx context.Context, wsURL string) scenarioResult {
	const name = "three reports ban the partner's address"
	reporter, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer reporter.Close()
	target, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer target.Close()

	_ = target.FindPartner()
	time.Sleep(100 * time.Millisecond)
	_ = reporter.FindPartner()
	if _, err := next(ctx, reporter, client.TypePartnerFound); err != nil {
		return fail(name, "pairing: %v", err)
	}

	for i := 1; i <= 3; i++ {
		_ = reporter.ReportUser("spam")
		if _, err := next(ctx, reporter, client.TypeReportSubmitted); err != nil {
			return fail(name, "report %d ack: %v", i, err)
		}
	}
	if _, err := next(ctx, target, client.TypeBanned); err != nil {
		return fail(name, "banned notice: %v", err)
	}
	select {
	case <-target.Closed():
	case <-ctx.Done():
		return fail(name, "banned connection not closed")
	}

	// Bans are keyed by address and every client here shares one, so a
	// fresh connection from this machine is refused.
	again, err := client.New(ctx, wsURL)
	if err != nil {
		return fail(name, "redial: %v", err)
	}
	defer again.Close()
	if _, err := next(ctx, again, client.TypeBanned); err != nil {
		return fail(name, "reconnect not refused: %v", err)
	}
	return pass(name)
}

func dial(ctx context.Context, wsURL string) (*client.Client, error) {
	c, err := client.New(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForSession(waitCtx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func next(ctx context.Context, c *client.Client, msgType string) (client.Frame, error) {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Next(waitCtx, msgType)
}

// expectNone fails if a frame of one of types (any type when empty) arrives
// within d.
func expectNone(ctx context.Context, c *client.Client, d time.Duration, types ...string) error {
	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	f, err := c.Next(waitCtx, types...)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected %s: %s", f.Type, f.Raw)
}
