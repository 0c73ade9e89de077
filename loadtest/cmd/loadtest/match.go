package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/signaling/loadtest/client"
	"github.com/whisper/signaling/loadtest/stats"
)

var (
	genders   = []string{"", "any", "male", "female", "other"}
	interests = []string{"music", "sports", "movies", "games", "travel", "books"}
)

// runMatch connects 2*pairs clients and has each one look for a partner. The
// side told partner_found sends the offer, the other side answers, and then
// the offering side sends chat lines that carry their send time so the
// receiver can measure relay latency.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3001/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of client pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for the matching and relay phase")
	messages := fs.Int("messages", 5, "Chat lines sent per pair")
	withPrefs := fs.Bool("prefs", true, "Declare random gender and interest preferences")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, timeout=%s, messages=%d, prefs=%v)\n",
		*pairs, total, *url, *rampUp, *timeout, *messages, *withPrefs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Phase 1: Connect ---")
	clients := connectAll(ctx, *url, total, *rampUp, *concurrency, collector)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	fmt.Printf("Connected %d/%d clients (%d errors)\n", len(clients), total, collector.ErrorCount())

	fmt.Println("\n--- Phase 2: Match, handshake, chat ---")
	phaseCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			if err := runParticipant(phaseCtx, c, *messages, *withPrefs, collector); err != nil {
				collector.AddError()
			}
		}(c)
	}
	wg.Wait()

	if h, err := stats.FetchHealth(healthURL(*url)); err == nil {
		fmt.Printf("Server: online=%d waiting=%d connections=%d\n", h.Online, h.Waiting, h.Connections)
	}
	collector.Report()
}

type chatLine struct {
	Seq    int   `json:"seq"`
	SentAt int64 `json:"sentAt"`
}

// runParticipant drives one client until it has completed its role in a
// pairing: the offering side until call_accepted and all lines are sent, the
// answering side until all lines are received.
func runParticipant(ctx context.Context, c *client.Client, messages int, withPrefs bool, collector *stats.Collector) error {
	if withPrefs {
		picked := []string{interests[rand.Intn(len(interests))]}
		if err := c.SetPreferences(genders[rand.Intn(len(genders))], picked); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := c.FindPartner(); err != nil {
		return err
	}

	f, err := c.Next(ctx, client.TypePartnerFound, client.TypeCallMade)
	if err != nil {
		return err
	}

	switch f.Type {
	case client.TypePartnerFound:
		collector.Add(stats.Pairing, time.Since(start))
		collector.Inc("pairs")

		var found struct {
			PartnerID string `json:"partnerId"`
		}
		if err := json.Unmarshal(f.Raw, &found); err != nil {
			return err
		}

		offered := time.Now()
		if err := c.CallUser(found.PartnerID, map[string]string{"type": "offer", "sdp": "v=0"}); err != nil {
			return err
		}
		if _, err := c.Next(ctx, client.TypeCallAccepted); err != nil {
			return err
		}
		collector.Add(stats.Handshake, time.Since(offered))

		for i := 0; i < messages; i++ {
			line, _ := json.Marshal(chatLine{Seq: i, SentAt: time.Now().UnixNano()})
			if err := c.SendMessage(string(line)); err != nil {
				return err
			}
		}
		return nil

	default: // call_made: this side was waiting in the queue
		var call struct {
			From string `json:"from"`
		}
		if err := json.Unmarshal(f.Raw, &call); err != nil {
			return err
		}
		if err := c.AnswerCall(call.From, map[string]string{"type": "answer", "sdp": "v=0"}); err != nil {
			return err
		}

		for received := 0; received < messages; received++ {
			f, err := c.Next(ctx, client.TypeMessageReceived)
			if err != nil {
				return err
			}
			var msg struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(f.Raw, &msg); err != nil {
				return err
			}
			var line chatLine
			if err := json.Unmarshal([]byte(msg.Text), &line); err != nil {
				return fmt.Errorf("line %s: %w", strconv.Quote(msg.Text), err)
			}
			collector.Add(stats.Relay, time.Since(time.Unix(0, line.SentAt)))
		}
		return nil
	}
}
