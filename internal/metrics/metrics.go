// Package metrics provides Prometheus instrumentation for the signaling
// server. It exposes gauges for presence and pairing counts, and counters for
// matches, relays, reports, and bans.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks open WebSocket connections, including ones
	// still passing the ban gate.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	// SendQueueOverflowTotal counts outbound frames dropped because a
	// connection's send queue was full.
	SendQueueOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_send_queue_overflow_total",
		Help: "Total number of outbound frames dropped on a full send queue",
	})

	// OversizedFramesTotal counts connections dropped for declaring a frame
	// larger than the configured limit.
	OversizedFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_oversized_frames_total",
		Help: "Total number of connections closed for an oversized inbound frame",
	})

	// SessionsOnline tracks the number of admitted, live sessions.
	SessionsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_sessions_online",
		Help: "Current number of live sessions",
	})

	// WaitingQueueSize tracks the number of sessions seeking a partner.
	WaitingQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_waiting_queue_size",
		Help: "Current number of sessions in the waiting queue",
	})

	// ActivePairs tracks the number of active pairings.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_pairs",
		Help: "Current number of paired sessions divided by two",
	})

	// MatchesTotal counts successful pairings by the rule that chose the
	// partner.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_matches_total",
		Help: "Total number of pairings",
	}, []string{"mode"}) // mode = "head", "compatible", "fallback"

	// WaitDuration records how long a partner waited in the queue before
	// being selected.
	WaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signaling_wait_duration_seconds",
		Help:    "Time a session spent in the waiting queue before pairing",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})

	// RelayedTotal counts relayed events by outbound type.
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relayed_total",
		Help: "Total number of relayed events",
	}, []string{"type"}) // type = "call_made", "call_accepted", "message_received"

	// DroppedTotal counts relays and reports absorbed because no target
	// existed.
	DroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_dropped_total",
		Help: "Total number of events dropped for lack of a target",
	}, []string{"type"})

	// ReportsTotal counts accepted abuse reports.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_reports_total",
		Help: "Total number of abuse reports recorded",
	})

	// BansTotal counts bans issued by the report threshold.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_bans_total",
		Help: "Total number of temporary bans issued",
	})

	// BanRejectionsTotal counts connections refused by the ban gate.
	BanRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_ban_rejections_total",
		Help: "Total number of connections rejected because of an active ban",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		SendQueueOverflowTotal,
		OversizedFramesTotal,
		SessionsOnline,
		WaitingQueueSize,
		ActivePairs,
		MatchesTotal,
		WaitDuration,
		RelayedTotal,
		DroppedTotal,
		ReportsTotal,
		BansTotal,
		BanRejectionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
