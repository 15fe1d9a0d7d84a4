package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the P2P subsystem.
type Metrics struct {
	PeersConnected   prometheus.Gauge
	PeersBanned      prometheus.Gauge
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	BlocksServed     prometheus.Counter
}

// NewMetrics creates registered Prometheus metrics for the P2P subsystem.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletd",
			Subsystem: "p2p",
			Name:      "peers_connected",
			Help:      "Number of currently connected peers.",
		}),
		PeersBanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletd",
			Subsystem: "p2p",
			Name:      "peers_banned",
			Help:      "Number of currently banned peers.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "p2p",
			Name:      "messages_received_total",
			Help:      "Total number of messages received by type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "p2p",
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent by type.",
		}, []string{"type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "p2p",
			Name:      "messages_rejected_total",
			Help:      "Total number of messages rejected by reason.",
		}, []string{"reason"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "walletd",
			Subsystem: "p2p",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of sync protocol requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"type"}),
		BlocksServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "p2p",
			Name:      "blocks_served_total",
			Help:      "Blocks returned to peers from the relay cache.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.PeersConnected,
			m.PeersBanned,
			m.MessagesReceived,
			m.MessagesSent,
			m.MessagesRejected,
			m.RequestDuration,
			m.BlocksServed,
		)
	}

	return m
}

// NopMetrics returns no-op metrics for use in tests.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
