package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/signaling/loadtest/client"
	"github.com/whisper/signaling/loadtest/stats"
)

// runSaturate opens a number of idle connections, ramping up over a
// configurable duration, then holds them while checking that the server's
// online count matches.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3001/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	clients := connectAll(ctx, *url, *connections, *rampUp, *concurrency, collector)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	fmt.Printf("\nRamp-up complete: %d/%d connections (%d errors)\n",
		len(clients), *connections, collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					select {
					case <-c.Closed():
					default:
						alive++
					}
				}
				line := fmt.Sprintf("  [hold] alive: %d/%d", alive, len(clients))
				if h, err := stats.FetchHealth(healthURL(*url)); err == nil {
					line += fmt.Sprintf("  server online: %d  waiting: %d", h.Online, h.Waiting)
				}
				fmt.Println(line)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	collector.Report()
}

// connectAll dials n clients at an even rate over rampUp and returns those
// that received a session id.
func connectAll(ctx context.Context, url string, n int, rampUp time.Duration, concurrency int, collector *stats.Collector) []*client.Client {
	interval := rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			start := time.Now()
			c, err := client.New(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.Add(stats.Connect, time.Since(start))

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return clients
}
