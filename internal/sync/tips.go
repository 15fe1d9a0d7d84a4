package sync

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/echenim/Bedrock/walletd/internal/quorum"
	"github.com/echenim/Bedrock/walletd/internal/telemetry"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// Scorer receives feedback about peers observed during sync.
type Scorer interface {
	RecordValidMessage(pid peer.ID)
	RecordInvalidMessage(pid peer.ID, reason string)
}

type nopScorer struct{}

func (nopScorer) RecordValidMessage(peer.ID)           {}
func (nopScorer) RecordInvalidMessage(peer.ID, string) {}

// TipConfig configures tip resolution.
type TipConfig struct {
	// Threshold is the quorum percentage in [0, 100].
	Threshold int
	TieBreak  quorum.TieBreak
	// Window bounds how long a round waits for peer reports.
	Window time.Duration
	// MaxConcurrent caps in-flight tip queries. Zero means unlimited.
	MaxConcurrent int
}

// Tip is the outcome of one resolution round.
type Tip struct {
	Beacon types.CheckpointBeacon
	// Agreeing are the peers that reported Beacon, in arrival order.
	Agreeing []peer.ID
	Reports  int
	Forced   bool
}

// TipResolver collects chain-tip reports from peers and decides which one
// to trust.
type TipResolver struct {
	provider BlockProvider
	scorer   Scorer
	cfg      TipConfig
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	mu     gosync.Mutex
	target types.Force[types.CheckpointBeacon]
}

// NewTipResolver creates a tip resolver. scorer may be nil.
func NewTipResolver(provider BlockProvider, scorer Scorer, cfg TipConfig, metrics *telemetry.Metrics, logger *zap.Logger) *TipResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if scorer == nil {
		scorer = nopScorer{}
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	return &TipResolver{
		provider: provider,
		scorer:   scorer,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetTarget installs a one-shot target for the next round. A forced target
// is used without asking peers. A plain value is only used when no peer
// answers at all.
func (r *TipResolver) SetTarget(target types.Force[types.CheckpointBeacon]) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
}

func (r *TipResolver) takeTarget() types.Force[types.CheckpointBeacon] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target.Take()
}

// Collect queries every known peer concurrently and returns the reports
// that arrived inside the window, sorted by arrival time. Peers that fail
// or time out are left out.
func (r *TipResolver) Collect(ctx context.Context) []quorum.PeerReport {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Window)
	defer cancel()

	var (
		mu      gosync.Mutex
		reports []quorum.PeerReport
	)
	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.MaxConcurrent > 0 {
		g.SetLimit(r.cfg.MaxConcurrent)
	}
	for _, p := range r.provider.Peers() {
		p := p
		g.Go(func() error {
			beacon, err := r.provider.GetTip(gctx, p)
			if err != nil {
				r.logger.Debug("tip query failed", zap.Stringer("peer", p), zap.Error(err))
				return nil
			}
			mu.Lock()
			reports = append(reports, quorum.PeerReport{Peer: p, Beacon: beacon, ReceivedAt: time.Now()})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].ReceivedAt.Before(reports[j].ReceivedAt)
	})
	return reports
}

// Resolve runs one round and reports whether a tip was agreed. Absence of
// consensus is not an error; the caller retries on its next round.
func (r *TipResolver) Resolve(ctx context.Context) (Tip, bool) {
	target := r.takeTarget()
	if target.IsForced() {
		beacon, _ := target.Get()
		r.logger.Info("using forced sync target", zap.Stringer("beacon", beacon))
		return Tip{Beacon: beacon, Agreeing: r.provider.Peers(), Forced: true}, true
	}

	r.metrics.QuorumRounds.Inc()
	reports := r.Collect(ctx)
	r.metrics.TipReports.Observe(float64(len(reports)))

	if len(reports) == 0 {
		if beacon, ok := target.Get(); ok {
			r.logger.Info("no tip reports, using configured target", zap.Stringer("beacon", beacon))
			return Tip{Beacon: beacon, Agreeing: r.provider.Peers()}, true
		}
	}

	agreed, ok := quorum.ResolveBeacons(reports, r.cfg.Threshold, r.cfg.TieBreak)
	if !ok {
		r.metrics.QuorumFailures.Inc()
		if len(reports) > 0 {
			ranked := quorum.Tally(quorum.Beacons(reports))
			r.logger.Warn("no tip consensus",
				zap.Int("reports", len(reports)),
				zap.Int("candidates", len(ranked)),
				zap.Stringer("leader", ranked[0].Value),
				zap.Int("leader_votes", ranked[0].Votes),
				zap.Int("threshold", r.cfg.Threshold),
			)
		}
		return Tip{Reports: len(reports)}, false
	}

	for _, p := range quorum.Conflicting(reports, agreed) {
		r.scorer.RecordInvalidMessage(p, "tip conflicts with quorum")
	}
	agreeing := quorum.Agreeing(reports, agreed)
	for _, p := range agreeing {
		r.scorer.RecordValidMessage(p)
	}
	r.logger.Debug("tip agreed",
		zap.Stringer("beacon", agreed),
		zap.Int("agreeing", len(agreeing)),
		zap.Int("reports", len(reports)),
	)
	return Tip{Beacon: agreed, Agreeing: agreeing, Reports: len(reports)}, true
}
