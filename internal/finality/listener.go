package finality

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/reconcile"
	"github.com/echenim/Bedrock/walletd/internal/telemetry"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// Confirmer applies a finality signal. The wallet worker implements it.
type Confirmer interface {
	Confirm(ctx context.Context, beacon types.CheckpointBeacon, canonical []types.BlockKey) (*reconcile.Result, error)
}

// Resyncer is asked to restart block sync when a confirmation shows the
// local view is behind or incomplete.
type Resyncer interface {
	RequestResync()
}

// Listener drains superblocks from a source channel into a Confirmer.
type Listener struct {
	source    <-chan Superblock
	confirmer Confirmer
	resync    Resyncer
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	fatal     chan error
	fatalOnce sync.Once

	handled   bool
	lastIndex uint32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener. resync and metrics may be nil.
func NewListener(source <-chan Superblock, confirmer Confirmer, resync Resyncer, metrics *telemetry.Metrics, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Listener{
		source:    source,
		confirmer: confirmer,
		resync:    resync,
		metrics:   metrics,
		logger:    logger,
		fatal:     make(chan error, 1),
	}
}

// Name implements node.Service.
func (l *Listener) Name() string { return "finality" }

// Start consumes the source until it closes, ctx is cancelled, Stop is
// called, or a fatal error occurs.
func (l *Listener) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sb, ok := <-l.source:
				if !ok {
					l.logger.Info("superblock source closed")
					return
				}
				if err := l.Handle(ctx, sb); reconcile.IsFatal(err) {
					return
				}
			}
		}
	}()
	return nil
}

// Stop ends the listener and waits for it.
func (l *Listener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return nil
}

// Fatal delivers the error that stopped the listener, at most once.
func (l *Listener) Fatal() <-chan error { return l.fatal }

// Handle confirms one superblock. Superblocks older than the last handled
// index are stale duplicates and are skipped. Non-fatal errors are logged
// and returned; a fatal one is also published on Fatal. Handle is not
// safe for concurrent use.
func (l *Listener) Handle(ctx context.Context, sb Superblock) error {
	l.metrics.SuperblocksReceived.Inc()
	if l.handled && sb.Index < l.lastIndex {
		l.logger.Debug("skipping stale superblock",
			zap.Uint32("index", sb.Index),
			zap.Uint32("last_index", l.lastIndex),
		)
		return nil
	}

	res, err := l.confirmer.Confirm(ctx, sb.Confirmed, sb.BlockKeys)
	if err != nil {
		if reconcile.IsFatal(err) {
			l.logger.Error("finality stopped", zap.Uint32("index", sb.Index), zap.Error(err))
			l.fatalOnce.Do(func() { l.fatal <- err })
			return err
		}
		l.logger.Warn("superblock confirmation failed",
			zap.Uint32("index", sb.Index),
			zap.Stringer("beacon", sb.Confirmed),
			zap.Error(err),
		)
		if res == nil {
			return err
		}
	}
	l.handled = true
	l.lastIndex = sb.Index

	l.logger.Info("superblock confirmed",
		zap.Uint32("index", sb.Index),
		zap.Stringer("beacon", sb.Confirmed),
		zap.Int("committed", len(res.Committed)),
		zap.Int("discarded", len(res.Discarded)+res.Dropped),
		zap.Stringer("last_confirmed", res.LastConfirmed),
	)
	if len(res.UnknownKeys) > 0 {
		l.logger.Warn("superblock lists blocks not applied locally",
			zap.Uint32("index", sb.Index),
			zap.Int("unknown", len(res.UnknownKeys)),
		)
	}
	if res.Resync && l.resync != nil {
		l.resync.RequestResync()
	}
	return err
}
