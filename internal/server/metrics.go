package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	MessagesAppended  prometheus.Counter
	SendsDeduplicated prometheus.Counter
	BackfillPages     prometheus.Counter
	ActiveConnections prometheus.Gauge
	FramesDropped     prometheus.Counter
	SendsRateLimited  prometheus.Counter
	AuthFailures      prometheus.Counter
	ReadPositionMoved prometheus.Counter
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_appended_total",
			Help: "Messages appended to conversation logs.",
		}),
		SendsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_sends_deduplicated_total",
			Help: "Send frames answered from the idempotency index instead of appended.",
		}),
		BackfillPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_backfill_pages_total",
			Help: "Pages served by the message history endpoint.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_active_connections",
			Help: "Currently open sync WebSocket connections.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Inbound frames dropped as malformed or unknown.",
		}),
		SendsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_sends_rate_limited_total",
			Help: "Send frames rejected by the per-connection rate limiter.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_auth_failures_total",
			Help: "Handshakes rejected for bad credentials or protocol version.",
		}),
		ReadPositionMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_read_position_updates_total",
			Help: "Accepted read.update frames.",
		}),
	}

	reg.MustRegister(
		m.MessagesAppended,
		m.SendsDeduplicated,
		m.BackfillPages,
		m.ActiveConnections,
		m.FramesDropped,
		m.SendsRateLimited,
		m.AuthFailures,
		m.ReadPositionMoved,
	)

	return m
}
