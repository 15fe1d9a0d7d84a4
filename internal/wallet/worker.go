// Package wallet runs one account's reconciliation engine behind a single
// writer goroutine and persists the confirmed ledger after every successful
// finality pass.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/reconcile"
	"github.com/echenim/Bedrock/walletd/internal/storage"
	"github.com/echenim/Bedrock/walletd/internal/telemetry"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// ErrStopped is returned for commands sent to a worker that is not running.
var ErrStopped = errors.New("wallet: worker stopped")

// Config configures a Worker.
type Config struct {
	Params    ledger.Params
	Reconcile reconcile.Config
	// QueueSize is the command buffer length.
	QueueSize int
}

// Worker serialises every mutation of one account.
type Worker struct {
	engine  *reconcile.Engine
	store   storage.LedgerStore
	metrics *telemetry.Metrics
	logger  *zap.Logger

	cmds    chan func()
	fatal   chan error
	stopped chan struct{}

	// dirty is set while the confirmed ledger in memory is ahead of the
	// store; unsaved holds the committed beacons not yet written. Both are
	// owned by the worker goroutine.
	dirty   bool
	unsaved []types.CheckpointBeacon

	fatalOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Open loads the account ledger from store, or creates and persists a new
// one, and prepares a worker for it. The pending overlay always starts
// empty; blocks above the last confirmed beacon are re-synced.
func Open(cfg Config, store storage.LedgerStore, metrics *telemetry.Metrics, logger *zap.Logger) (*Worker, error) {
	if store == nil {
		return nil, errors.New("wallet: store required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	state, err := store.LoadLedger(cfg.Params.Account)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		state, err = ledger.New(cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("wallet: new ledger: %w", err)
		}
		if err := storage.SaveLedger(store, state, nil); err != nil {
			return nil, fmt.Errorf("wallet: persist new ledger: %w", err)
		}
		logger.Info("created account ledger",
			zap.Uint32("account", state.Account),
			zap.Stringer("genesis", state.LastConfirmed),
		)
	case err != nil:
		return nil, fmt.Errorf("wallet: load ledger: %w", err)
	default:
		logger.Info("loaded account ledger",
			zap.Uint32("account", state.Account),
			zap.Uint64("balance", state.Balance),
			zap.Uint32("last_confirmed", state.LastConfirmed.Epoch),
		)
	}

	engine, err := reconcile.New(state, cfg.Reconcile, logger.Named("reconcile"))
	if err != nil {
		return nil, err
	}
	w := &Worker{
		engine:  engine,
		store:   store,
		metrics: metrics,
		logger:  logger,
		cmds:    make(chan func(), cfg.QueueSize),
		fatal:   make(chan error, 1),
		stopped: make(chan struct{}),
	}
	w.observe(engine.View())
	return w, nil
}

// Name implements node.Service.
func (w *Worker) Name() string { return "wallet" }

// Start runs the command loop until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.stopOnce.Do(func() { close(w.stopped) })
		w.loop(ctx)
	}()
	return nil
}

// Stop ends the command loop and waits for it.
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	return nil
}

// Fatal delivers at most one error that requires the account to stop, such
// as a finality regression. The owner of the worker decides how to shut down.
func (w *Worker) Fatal() <-chan error { return w.fatal }

// View returns the latest consistent snapshot. It never blocks on the
// writer.
func (w *Worker) View() *reconcile.View { return w.engine.View() }

// LastSync returns the highest optimistically applied beacon.
func (w *Worker) LastSync() types.CheckpointBeacon { return w.engine.View().LastSync }

// LastConfirmed returns the highest confirmed beacon.
func (w *Worker) LastConfirmed() types.CheckpointBeacon { return w.engine.View().LastConfirmed() }

// ConfirmedBlock returns the confirmed beacon the store recorded for an
// epoch, or storage.ErrNotFound. It reads the store directly.
func (w *Worker) ConfirmedBlock(epoch uint32) (types.CheckpointBeacon, error) {
	return w.store.ConfirmedBlock(w.engine.View().Confirmed.Account, epoch)
}

// ApplyBlock adds a validated block to the pending overlay. A block that an
// earlier finality signal already named canonical is committed and
// persisted at once; a persistence failure there is logged and retried with
// the next write, since the block itself was applied.
func (w *Worker) ApplyBlock(ctx context.Context, update types.BlockUpdate) error {
	return w.do(ctx, func() error {
		before := w.engine.Ledger()
		if err := w.engine.ApplyBlock(update); err != nil {
			w.checkFatal(err)
			return err
		}
		w.metrics.BlocksApplied.Inc()
		w.observe(w.engine.View())
		if w.engine.Ledger() != before {
			w.metrics.BlocksCommitted.Inc()
			w.markDirty(update.Beacon)
			_ = w.flush()
		}
		return nil
	})
}

// Confirm applies a finality signal and persists the ledger if it changed
// or an earlier write failed. A persistence failure is returned together
// with the result; the in-memory state is kept and written again by the
// next command that persists.
func (w *Worker) Confirm(ctx context.Context, beacon types.CheckpointBeacon, canonical []types.BlockKey) (*reconcile.Result, error) {
	var res *reconcile.Result
	err := w.do(ctx, func() error {
		var err error
		res, err = w.engine.Confirm(beacon, canonical)
		if err != nil {
			w.checkFatal(err)
			return err
		}
		w.metrics.BlocksCommitted.Add(float64(len(res.Committed)))
		w.metrics.BlocksDiscarded.Add(float64(len(res.Discarded) + res.Dropped))
		w.metrics.UnknownKeys.Add(float64(len(res.UnknownKeys)))
		w.observe(w.engine.View())
		if res.Changed {
			w.markDirty(res.Committed...)
		}
		return w.flush()
	})
	return res, err
}

// AllocateAddress hands out a fresh address slot and persists the advanced
// index so that it is never handed out again, even after a crash.
func (w *Worker) AllocateAddress(ctx context.Context, kind types.KeychainKind) (types.AddressInfo, error) {
	var info types.AddressInfo
	err := w.do(ctx, func() error {
		var err error
		info, err = w.engine.AllocateAddress(kind)
		if err != nil {
			return err
		}
		w.markDirty()
		return w.flush()
	})
	return info, err
}

// Rewind drops all pending blocks so that sync resumes from the last
// confirmed beacon.
func (w *Worker) Rewind(ctx context.Context) (int, error) {
	var dropped int
	err := w.do(ctx, func() error {
		var err error
		dropped, err = w.engine.Rewind()
		if err == nil {
			w.metrics.BlocksDiscarded.Add(float64(dropped))
			w.observe(w.engine.View())
		}
		return err
	})
	return dropped, err
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmds:
			cmd()
		}
	}
}

// do runs fn on the worker goroutine and waits for its result. Once fn has
// been queued it runs to completion even if ctx is cancelled.
func (w *Worker) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case w.cmds <- func() { done <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		select {
		case err := <-done:
			return err
		default:
			return ErrStopped
		}
	}
}

func (w *Worker) markDirty(committed ...types.CheckpointBeacon) {
	w.dirty = true
	w.unsaved = append(w.unsaved, committed...)
}

// flush writes the ledger while it is dirty.
func (w *Worker) flush() error {
	if !w.dirty {
		return nil
	}
	if err := w.persist(w.unsaved); err != nil {
		return err
	}
	w.dirty = false
	w.unsaved = nil
	return nil
}

func (w *Worker) persist(committed []types.CheckpointBeacon) error {
	start := time.Now()
	err := storage.SaveLedger(w.store, w.engine.Ledger(), committed)
	w.metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.PersistFailures.Inc()
		w.logger.Error("failed to persist ledger", zap.Error(err))
		return fmt.Errorf("wallet: persist ledger: %w", err)
	}
	return nil
}

func (w *Worker) checkFatal(err error) {
	if !reconcile.IsFatal(err) {
		return
	}
	w.fatalOnce.Do(func() {
		w.logger.Error("account halted", zap.Error(err))
		w.fatal <- err
	})
}

func (w *Worker) observe(v *reconcile.View) {
	w.metrics.Balance.Set(float64(v.Balance()))
	w.metrics.ConfirmedBalance.Set(float64(v.ConfirmedBalance()))
	w.metrics.PendingBlocks.Set(float64(len(v.Pending)))
	w.metrics.LastSyncEpoch.Set(float64(v.LastSync.Epoch))
	w.metrics.LastConfirmedEpoch.Set(float64(v.LastConfirmed().Epoch))
}
