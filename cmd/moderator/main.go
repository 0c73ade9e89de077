package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/signaling/internal/messaging"
)

// offenderLog tallies feed events per address for the periodic summary.
type offenderLog struct {
	mu      sync.Mutex
	reports int
	bans    map[string]int // addr -> bans issued
}

func main() {
	log.Println("Starting signaling moderation feed consumer...")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "signaling-moderator"

	prefix := messaging.DefaultSubjectPrefix
	if v := os.Getenv("NATS_SUBJECT_PREFIX"); v != "" {
		prefix = v
	}

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	tally := &offenderLog{bans: make(map[string]int)}

	err = messaging.SubscribeReports(natsClient, prefix, func(ev messaging.ReportEvent) {
		tally.mu.Lock()
		tally.reports++
		tally.mu.Unlock()
		log.Printf("[moderator] REPORT session=%s by=%s count=%d reason=%q",
			ev.ReportedID, ev.ReporterID, ev.Count, ev.Reason)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to reports: %v", err)
	}

	err = messaging.SubscribeBans(natsClient, prefix, func(ev messaging.BanEvent) {
		tally.mu.Lock()
		tally.bans[ev.Addr]++
		repeat := tally.bans[ev.Addr]
		tally.mu.Unlock()
		log.Printf("[moderator] BAN session=%s addr=%s reports=%d until=%s (ban #%d for addr)",
			ev.SessionID, ev.Addr, ev.Reports, time.UnixMilli(ev.Until).UTC().Format(time.RFC3339), repeat)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to bans: %v", err)
	}

	log.Printf("Signaling moderation feed consumer running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  subjects: %s, %s", messaging.ReportSubject(prefix), messaging.BanSubject(prefix))

	summary := time.NewTicker(time.Minute)
	defer summary.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-summary.C:
			tally.mu.Lock()
			log.Printf("[moderator] summary: reports=%d banned_addrs=%d", tally.reports, len(tally.bans))
			tally.mu.Unlock()
		case sig := <-sigCh:
			log.Printf("received signal %v, shutting down...", sig)
			for _, subject := range []string{messaging.ReportSubject(prefix), messaging.BanSubject(prefix)} {
				if err := natsClient.Unsubscribe(subject); err != nil {
					log.Printf("[moderator] %v", err)
				}
			}
			natsClient.Close()
			return
		}
	}
}
