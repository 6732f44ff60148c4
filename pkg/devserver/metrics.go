package devserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on their own registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	MessagesStored  *prometheus.CounterVec
	RepliesStreamed prometheus.Counter
	ChunksPublished prometheus.Counter
	WSConnections   prometheus.Gauge
	JoinedChannels  prometheus.Gauge
	SendsLimited    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_stored_total",
			Help:      "Messages persisted, by sender type.",
		}, []string{"sender"}),
		RepliesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "replies_streamed_total",
			Help:      "Assistant replies streamed to a conversation channel.",
		}),
		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "chunks_published_total",
			Help:      "streaming_chunk events published.",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		JoinedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "channel_readers",
			Help:      "Channels with an active pub/sub reader.",
		}),
		SendsLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_rate_limited_total",
			Help:      "POST message requests rejected by the rate limiter.",
		}),
	}
	m.registry.MustRegister(m.MessagesStored, m.RepliesStreamed, m.ChunksPublished, m.WSConnections, m.JoinedChannels, m.SendsLimited)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
