// Package sync keeps the wallet's pending view close to the network tip. Each
// round agrees on a tip with a quorum of peers, downloads the missing block
// updates from peers that reported it, and applies them in epoch order.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/telemetry"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// SyncState represents the current state of the syncer.
type SyncState int32

const (
	SyncIdle        SyncState = iota // no round has finished yet
	SyncSyncing                      // downloading and applying blocks
	SyncCaughtUp                     // local tip matches the agreed tip
	SyncNoConsensus                  // peers did not agree on a tip
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "Idle"
	case SyncSyncing:
		return "Syncing"
	case SyncCaughtUp:
		return "CaughtUp"
	case SyncNoConsensus:
		return "NoConsensus"
	default:
		return "Unknown"
	}
}

// Applier receives verified blocks. The wallet worker implements it.
type Applier interface {
	ApplyBlock(ctx context.Context, update types.BlockUpdate) error
	LastSync() types.CheckpointBeacon
	Rewind(ctx context.Context) (int, error)
}

// Config configures a Syncer.
type Config struct {
	Interval  time.Duration
	BatchSize int
	Tip       TipConfig
}

// Status is a point-in-time summary for operators.
type Status struct {
	State     SyncState              `json:"-"`
	StateName string                 `json:"state"`
	Target    types.CheckpointBeacon `json:"target"`
	Session   string                 `json:"session"`
	LastRound time.Time              `json:"last_round"`
}

// Syncer drives block synchronisation rounds.
type Syncer struct {
	resolver *TipResolver
	fetcher  *Fetcher
	verifier *Verifier
	applier  Applier
	scorer   Scorer
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	interval time.Duration

	state atomic.Int32
	wake  chan struct{}

	mu        gosync.Mutex
	target    types.CheckpointBeacon
	session   string
	lastRound time.Time

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewSyncer creates a syncer. scorer and metrics may be nil.
func NewSyncer(
	provider BlockProvider,
	applier Applier,
	scorer Scorer,
	cfg Config,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if scorer == nil {
		scorer = nopScorer{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Syncer{
		resolver: NewTipResolver(provider, scorer, cfg.Tip, metrics, logger.Named("tips")),
		fetcher:  NewFetcher(provider, cfg.BatchSize, logger),
		verifier: NewVerifier(),
		applier:  applier,
		scorer:   scorer,
		metrics:  metrics,
		logger:   logger,
		interval: cfg.Interval,
		wake:     make(chan struct{}, 1),
	}
}

// Name implements node.Service.
func (s *Syncer) Name() string { return "sync" }

// Start runs a round immediately and then on every interval tick or
// RequestResync call, until ctx is cancelled or Stop is called.
func (s *Syncer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop ends the sync loop and waits for the current round.
func (s *Syncer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sync round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// RequestResync schedules a round without waiting for the next tick.
func (s *Syncer) RequestResync() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetTarget installs a one-shot target for the next round and wakes the
// loop. See TipResolver.SetTarget.
func (s *Syncer) SetTarget(target types.Force[types.CheckpointBeacon]) {
	s.resolver.SetTarget(target)
	if !target.IsAbsent() {
		s.RequestResync()
	}
}

// RunOnce performs a single sync round. Absence of consensus is not an
// error; the round simply records it.
func (s *Syncer) RunOnce(ctx context.Context) error {
	session := uuid.NewString()
	logger := s.logger.With(zap.String("session", session))
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.lastRound = time.Now()
		s.mu.Unlock()
	}()

	tip, ok := s.resolver.Resolve(ctx)
	if !ok {
		s.setState(SyncNoConsensus)
		return nil
	}
	s.mu.Lock()
	s.target = tip.Beacon
	s.mu.Unlock()

	local := s.applier.LastSync()
	if tip.Beacon.Epoch < local.Epoch || tip.Beacon == local {
		s.setState(SyncCaughtUp)
		return nil
	}

	rewound := false
	if tip.Beacon.ForksFrom(local) {
		if err := s.rewind(ctx, logger, local, tip.Beacon); err != nil {
			return err
		}
		rewound = true
		local = s.applier.LastSync()
	}

	s.setState(SyncSyncing)
	logger.Info("sync starting",
		zap.Stringer("local", local),
		zap.Stringer("target", tip.Beacon),
		zap.Bool("forced", tip.Forced),
	)

	applied := 0
	for local.Epoch < tip.Beacon.Epoch {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		blocks, from, err := s.fetcher.FetchBatch(ctx, tip.Agreeing, local.Epoch+1, tip.Beacon.Epoch)
		if err != nil {
			return err
		}
		s.metrics.BlocksFetched.Add(float64(len(blocks)))

		if err := s.verifier.VerifyBlock(blocks[0], local); errors.Is(err, ErrForkedTip) && !rewound {
			if err := s.rewind(ctx, logger, local, blocks[0].Beacon); err != nil {
				return err
			}
			rewound = true
			local = s.applier.LastSync()
			continue
		}
		if err := s.verifier.VerifyBatch(blocks, local, tip.Beacon); err != nil {
			s.scorer.RecordInvalidMessage(from, err.Error())
			return err
		}

		for _, b := range blocks {
			if err := s.applier.ApplyBlock(ctx, b); err != nil {
				return fmt.Errorf("sync: apply block %d: %w", b.Beacon.Epoch, err)
			}
			local = b.Beacon
			applied++
			logger.Debug("synced block",
				zap.Uint32("epoch", b.Beacon.Epoch),
				zap.String("hash", b.Beacon.BlockHash.Short()),
				zap.Int("movements", len(b.Movements)),
			)
		}
		s.scorer.RecordValidMessage(from)
	}

	s.setState(SyncCaughtUp)
	logger.Info("sync complete",
		zap.Stringer("tip", local),
		zap.Int("applied", applied),
	)
	return nil
}

// rewind drops the pending blocks so the next fetch starts from the last
// confirmed beacon.
func (s *Syncer) rewind(ctx context.Context, logger *zap.Logger, local, seen types.CheckpointBeacon) error {
	dropped, err := s.applier.Rewind(ctx)
	if err != nil {
		return fmt.Errorf("sync: rewind: %w", err)
	}
	logger.Warn("local tip forked, rewinding to last confirmed",
		zap.Stringer("local", local),
		zap.Stringer("network", seen),
		zap.Int("dropped", dropped),
	)
	return nil
}

// IsSynced returns true if the last round ended caught up.
func (s *Syncer) IsSynced() bool {
	return s.State() == SyncCaughtUp
}

// State returns the current sync state.
func (s *Syncer) State() SyncState {
	return SyncState(s.state.Load())
}

func (s *Syncer) setState(st SyncState) {
	s.state.Store(int32(st))
	switch st {
	case SyncCaughtUp:
		s.metrics.SyncStatus.Set(telemetry.SyncStatusCaughtUp)
	case SyncSyncing:
		s.metrics.SyncStatus.Set(telemetry.SyncStatusSyncing)
	case SyncNoConsensus:
		s.metrics.SyncStatus.Set(telemetry.SyncStatusNoConsensus)
	}
}

// Status returns the latest round summary.
func (s *Syncer) Status() Status {
	st := s.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:     st,
		StateName: st.String(),
		Target:    s.target,
		Session:   s.session,
		LastRound: s.lastRound,
	}
}
