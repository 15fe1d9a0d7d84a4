package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Sync status values reported by the SyncStatus gauge.
const (
	SyncStatusCaughtUp    = 0
	SyncStatusSyncing     = 1
	SyncStatusNoConsensus = 2
)

// Metrics tracks the observable state of the wallet daemon.
type Metrics struct {
	// Wallet.
	Balance            prometheus.Gauge
	ConfirmedBalance   prometheus.Gauge
	PendingBlocks      prometheus.Gauge
	LastSyncEpoch      prometheus.Gauge
	LastConfirmedEpoch prometheus.Gauge
	BlocksApplied      prometheus.Counter
	BlocksCommitted    prometheus.Counter
	BlocksDiscarded    prometheus.Counter
	UnknownKeys        prometheus.Counter
	PersistLatency     prometheus.Histogram
	PersistFailures    prometheus.Counter

	// Quorum and sync.
	QuorumRounds   prometheus.Counter
	QuorumFailures prometheus.Counter
	TipReports     prometheus.Histogram
	BlocksFetched  prometheus.Counter
	SyncStatus     prometheus.Gauge // see SyncStatus* constants

	// Finality.
	SuperblocksReceived prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}

	m := &Metrics{
		registry: reg,

		Balance:            gauge("wallet", "balance", "Effective balance: confirmed plus pending movements."),
		ConfirmedBalance:   gauge("wallet", "confirmed_balance", "Balance merged by finality."),
		PendingBlocks:      gauge("wallet", "pending_blocks", "Blocks applied but not yet confirmed."),
		LastSyncEpoch:      gauge("wallet", "last_sync_epoch", "Highest optimistically applied epoch."),
		LastConfirmedEpoch: gauge("wallet", "last_confirmed_epoch", "Highest confirmed epoch."),
		BlocksApplied:      counter("wallet", "blocks_applied_total", "Blocks applied to the pending overlay."),
		BlocksCommitted:    counter("wallet", "blocks_committed_total", "Pending blocks committed by finality."),
		BlocksDiscarded:    counter("wallet", "blocks_discarded_total", "Pending blocks discarded as orphans."),
		UnknownKeys:        counter("wallet", "unknown_canonical_keys_total", "Canonical block keys that matched no pending block."),
		PersistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "persist_seconds",
			Help:      "Time spent writing the confirmed ledger.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		PersistFailures: counter("wallet", "persist_failures_total", "Failed ledger writes."),

		QuorumRounds:   counter("sync", "quorum_rounds_total", "Tip resolution rounds."),
		QuorumFailures: counter("sync", "quorum_failures_total", "Rounds that ended without consensus."),
		TipReports: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tip_reports",
			Help:      "Peer reports collected per round.",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),
		BlocksFetched: counter("sync", "blocks_fetched_total", "Blocks fetched from peers."),
		SyncStatus:    gauge("sync", "status", "Sync status: 0=caught up, 1=syncing, 2=no consensus."),

		SuperblocksReceived: counter("finality", "superblocks_received_total", "Superblock notifications received."),
	}

	reg.MustRegister(
		m.Balance, m.ConfirmedBalance, m.PendingBlocks,
		m.LastSyncEpoch, m.LastConfirmedEpoch,
		m.BlocksApplied, m.BlocksCommitted, m.BlocksDiscarded, m.UnknownKeys,
		m.PersistLatency, m.PersistFailures,
		m.QuorumRounds, m.QuorumFailures, m.TipReports, m.BlocksFetched, m.SyncStatus,
		m.SuperblocksReceived,
	)

	return m
}

// NopMetrics returns a Metrics instance that is never exported.
func NopMetrics() *Metrics {
	return &Metrics{
		Balance:             prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_b"}),
		ConfirmedBalance:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_cb"}),
		PendingBlocks:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_pb"}),
		LastSyncEpoch:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_lse"}),
		LastConfirmedEpoch:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_lce"}),
		BlocksApplied:       prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_ba"}),
		BlocksCommitted:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_bc"}),
		BlocksDiscarded:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_bd"}),
		UnknownKeys:         prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_uk"}),
		PersistLatency:      prometheus.NewHistogram(prometheus.HistogramOpts{Name: "nop_pl"}),
		PersistFailures:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_pf"}),
		QuorumRounds:        prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_qr"}),
		QuorumFailures:      prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_qf"}),
		TipReports:          prometheus.NewHistogram(prometheus.HistogramOpts{Name: "nop_tr"}),
		BlocksFetched:       prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_bf"}),
		SyncStatus:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_ss"}),
		SuperblocksReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_sr"}),
		registry:            prometheus.NewRegistry(),
	}
}

// Registry returns the Prometheus registry for this metrics instance. Other
// subsystems (p2p) register their collectors here so that one endpoint
// serves everything.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsServer serves Prometheus metrics via HTTP.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a metrics HTTP server.
func NewMetricsServer(addr string, metrics *Metrics, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start begins serving metrics. It blocks until the server stops.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("metrics server starting", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts down the metrics server.
func (ms *MetricsServer) Stop() error {
	return ms.server.Close()
}
