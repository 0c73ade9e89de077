package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/signaling/internal/config"
	"github.com/whisper/signaling/internal/messaging"
	"github.com/whisper/signaling/internal/protocol"
	"github.com/whisper/signaling/internal/session"
	"github.com/whisper/signaling/internal/signaling"
	"github.com/whisper/signaling/internal/ws"
)

var _ signaling.Transport = (*ws.Server)(nil)

func main() {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:        cfg.ListenAddr,
		WorkerPoolSize:    cfg.WorkerPoolSize,
		MaxConnections:    cfg.MaxConnections,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		SendQueueSize:     cfg.SendQueueSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}

	svcConfig := signaling.DefaultConfig()
	svcConfig.ReportThreshold = cfg.ReportThreshold
	svcConfig.BanDuration = cfg.BanDuration

	// --- NATS (optional moderation feed) ---
	var natsClient *messaging.NATSClient
	if cfg.FeedEnabled() {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		svcConfig.Feed = messaging.NewModerationFeed(natsClient, cfg.NATSSubjectPrefix)
	}

	log.Printf("Signaling server starting")
	log.Printf("  listen_addr:      %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:      %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections:  %d", serverConfig.MaxConnections)
	log.Printf("  send_queue:       %d", serverConfig.SendQueueSize)
	log.Printf("  max_message:      %d", serverConfig.MaxMessageSize)
	log.Printf("  heartbeat:        %s (+%s)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  trust_proxy:      %v", cfg.TrustProxyHeaders)
	log.Printf("  report_threshold: %d", svcConfig.ReportThreshold)
	log.Printf("  ban_duration:     %s", svcConfig.BanDuration)
	if cfg.FeedEnabled() {
		log.Printf("  nats_url:         %s (subjects %s.*)", cfg.NATSURL, cfg.NATSSubjectPrefix)
	} else {
		log.Printf("  nats_url:         (moderation feed disabled)")
	}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	svc := signaling.NewService(server, svcConfig)

	registerHandlers(dispatcher, svc)

	server.SetOnConnect(func(conn *ws.Connection) bool {
		return svc.Connect(conn.ID, conn.Addr)
	})
	server.SetOnDisconnect(svc.Disconnect)
	server.SetPresence(func() (int, int) {
		p := svc.Presence()
		return p.Online, p.Waiting
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// registerHandlers binds every client event to its state store operation.
// The session id is always the connection's own; ids inside payloads only
// address relay targets.
func registerHandlers(d *ws.MessageDispatcher, svc *signaling.Service) {
	d.Register(protocol.TypeSetPreferences, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SetPreferencesMsg)
		if !ok {
			return
		}
		prefs, err := session.NewPreferences(m.Gender, m.Interests)
		if err != nil {
			log.Printf("set_preferences from session=%s ignored: %v", conn.ID, err)
			return
		}
		svc.SetPreferences(conn.ID, prefs)
	})

	d.Register(protocol.TypeFindPartner, func(conn *ws.Connection, msg interface{}) {
		svc.FindPartner(conn.ID)
	})

	d.Register(protocol.TypeCallUser, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CallUserMsg)
		if !ok {
			return
		}
		svc.CallUser(conn.ID, m.UserToCall, m.SignalData, m.From)
	})

	d.Register(protocol.TypeAnswerCall, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.AnswerCallMsg)
		if !ok {
			return
		}
		svc.AnswerCall(conn.ID, m.To, m.Signal)
	})

	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		svc.SendMessage(conn.ID, m.Text)
	})

	d.Register(protocol.TypeReportUser, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ReportUserMsg)
		if !ok {
			return
		}
		svc.ReportUser(conn.ID, m.Reason)
	})
}
