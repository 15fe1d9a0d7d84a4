// Package reconcile merges optimistically applied blocks into the confirmed
// ledger when a finality signal arrives, and discards the ones a reorg
// orphaned.
//
// The Engine has a single writer. ApplyBlock, Confirm, AllocateAddress and
// Rewind must be called from one goroutine; View may be called from any.
// Every mutation is computed on copies and swapped in whole, so a failed
// call leaves the engine exactly as it was.
package reconcile

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/overlay"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// Config bounds the engine's memory.
type Config struct {
	// MaxPendingSpan is the largest number of epochs allowed between the
	// last confirmed beacon and a pending block. Zero means unbounded.
	MaxPendingSpan uint32
	// HistoryLimit caps the confirmed block history kept in the ledger.
	HistoryLimit int
}

// Result describes one Confirm pass.
type Result struct {
	Beacon        types.CheckpointBeacon
	Committed     []types.CheckpointBeacon
	Discarded     []types.CheckpointBeacon
	Dropped       int
	UnknownKeys   []types.BlockKey
	LastConfirmed types.CheckpointBeacon
	LastSync      types.CheckpointBeacon
	// Changed is set when the confirmed ledger differs from before the pass
	// and should be persisted.
	Changed bool
	// Resync is set when the node is behind the finality signal and the
	// block-sync pipeline should restart from LastConfirmed.
	Resync bool
}

// Engine owns the confirmed ledger and the pending overlay of one account.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	ledger    *ledger.LedgerState
	overlay   *overlay.Overlay
	effective *ledger.LedgerState
	halted    error

	// finalized holds canonical keys named by a finality signal before the
	// block was applied locally, mapped to the signal's epoch. Such a block
	// is committed as soon as it arrives at the confirmed tip.
	finalized map[types.BlockKey]uint32

	view atomic.Pointer[View]
}

// New creates an engine over a confirmed ledger. The overlay starts empty at
// the ledger's last confirmed beacon. The engine takes ownership of state.
func New(state *ledger.LedgerState, cfg Config, logger *zap.Logger) (*Engine, error) {
	if state == nil {
		return nil, errors.New("reconcile: ledger state required")
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("reconcile: invalid ledger: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		ledger:    state,
		overlay:   overlay.New(state.LastConfirmed, cfg.MaxPendingSpan),
		effective: state.Clone(),
		finalized: make(map[types.BlockKey]uint32),
	}
	e.publish()
	return e, nil
}

// View returns the latest immutable snapshot. Safe for concurrent use.
func (e *Engine) View() *View { return e.view.Load() }

// Ledger returns the confirmed ledger. It is replaced, never modified, by
// later calls, so callers may persist it without copying.
func (e *Engine) Ledger() *ledger.LedgerState { return e.ledger }

// LastSync returns the highest optimistically applied beacon.
func (e *Engine) LastSync() types.CheckpointBeacon { return e.overlay.LastSync() }

// Halted returns the fatal error that stopped the engine, if any.
func (e *Engine) Halted() error { return e.halted }

// ApplyBlock adds a validated block to the pending overlay. The block must
// be the direct successor of LastSync and its movements must be consistent
// with the effective view.
func (e *Engine) ApplyBlock(update types.BlockUpdate) error {
	if err := e.checkHalted(); err != nil {
		return err
	}
	if update.Key != update.Beacon.BlockHash {
		return fmt.Errorf("reconcile: block key %s does not match beacon hash %s",
			update.Key.Short(), update.Beacon.BlockHash.Short())
	}

	lc := e.ledger.LastConfirmed
	if err := e.overlay.CanApply(update, lc); err != nil {
		return err
	}
	if bound, ok := e.finalized[update.Key]; ok &&
		update.Beacon.Epoch == lc.Epoch+1 && update.Beacon.Epoch <= bound {
		return e.commitFinalized(update)
	}

	effective := e.effective.Clone()
	entry := overlay.Entry{
		Key:          update.Key,
		Beacon:       update.Beacon,
		Movements:    update.Movements,
		AddressInfos: update.AddressInfos,
	}
	if err := entry.ApplyTo(effective); err != nil {
		return fmt.Errorf("reconcile: apply block at epoch %d: %w", update.Beacon.Epoch, err)
	}
	if err := e.overlay.Apply(update, lc); err != nil {
		return err
	}
	e.effective = effective
	e.publish()

	e.logger.Debug("block applied",
		zap.Uint32("epoch", update.Beacon.Epoch),
		zap.String("hash", update.Beacon.BlockHash.Short()),
		zap.Int("movements", len(update.Movements)),
		zap.Int("pending", e.overlay.Len()),
	)
	return nil
}

// commitFinalized merges a block that an earlier finality signal already
// named canonical straight into the confirmed ledger. The overlay is empty
// at this point: the block follows both LastSync and LastConfirmed.
func (e *Engine) commitFinalized(update types.BlockUpdate) error {
	next := e.ledger.Clone()
	entry := overlay.Entry{
		Key:          update.Key,
		Beacon:       update.Beacon,
		Movements:    update.Movements,
		AddressInfos: update.AddressInfos,
	}
	if err := entry.ApplyTo(next); err != nil {
		return fmt.Errorf("reconcile: commit finalized epoch %d: %w", update.Beacon.Epoch, err)
	}
	next.AppendBlock(update.Beacon, e.cfg.HistoryLimit)
	next.LastConfirmed = update.Beacon

	finalized := e.pruneFinalized(next.LastConfirmed.Epoch, update.Key)
	e.overlay.Rewind(update.Beacon)
	e.ledger = next
	e.effective = next.Clone()
	e.finalized = finalized
	e.publish()

	e.logger.Info("finalized block committed on arrival",
		zap.Uint32("epoch", update.Beacon.Epoch),
		zap.String("hash", update.Beacon.BlockHash.Short()),
		zap.Int("awaiting", len(finalized)),
	)
	return nil
}

// pruneFinalized returns a copy of the finalized set without drop and
// without entries whose signal epoch is already confirmed.
func (e *Engine) pruneFinalized(confirmed uint32, drop ...types.BlockKey) map[types.BlockKey]uint32 {
	out := make(map[types.BlockKey]uint32, len(e.finalized))
	for k, bound := range e.finalized {
		if bound > confirmed {
			out[k] = bound
		}
	}
	for _, k := range drop {
		delete(out, k)
	}
	return out
}

// Confirm applies a finality signal. Pending blocks with epoch in
// (LastConfirmed, beacon] are committed when canonical and discarded
// otherwise. Committing stops at the first gap or orphan; everything after
// it in the range is discarded and the overlay rewinds to the new
// LastConfirmed.
func (e *Engine) Confirm(beacon types.CheckpointBeacon, canonical []types.BlockKey) (*Result, error) {
	if err := e.checkHalted(); err != nil {
		return nil, err
	}

	lc := e.ledger.LastConfirmed
	adopt := false
	switch {
	case beacon.Epoch < lc.Epoch:
		return nil, e.halt(&FinalityRegressionError{LastConfirmed: lc, Got: beacon})
	case beacon.Epoch == lc.Epoch && beacon.BlockHash == lc.BlockHash:
		return &Result{
			Beacon:        beacon,
			LastConfirmed: lc,
			LastSync:      e.overlay.LastSync(),
		}, nil
	case beacon.Epoch == lc.Epoch:
		// A zero hash marks a starting point whose block was never known.
		if !lc.BlockHash.IsZero() {
			return nil, e.halt(&FinalityRegressionError{LastConfirmed: lc, Got: beacon})
		}
		adopt = true
	}

	keys := make(map[types.BlockKey]struct{}, len(canonical))
	for _, k := range canonical {
		keys[k] = struct{}{}
	}

	next := e.ledger.Clone()
	ov := e.overlay.Clone()
	res := &Result{Beacon: beacon}

	var inRange []overlay.Entry
	ov.Range(lc.Epoch, beacon.Epoch, func(en overlay.Entry) bool {
		inRange = append(inRange, en)
		return true
	})

	expected := uint64(lc.Epoch) + 1
	broken := false
	var settled, missed []types.BlockKey
	for _, en := range inRange {
		_, isCanonical := keys[en.Key]
		if _, ok := e.finalized[en.Key]; ok {
			isCanonical = true
		}
		delete(keys, en.Key)
		if isCanonical && en.Beacon.Epoch == beacon.Epoch && en.Beacon != beacon {
			e.logger.Warn("canonical block does not match confirmed beacon",
				zap.Uint32("epoch", beacon.Epoch),
				zap.String("local", en.Beacon.BlockHash.Short()),
				zap.String("confirmed", beacon.BlockHash.Short()),
			)
			isCanonical = false
		}

		if !broken && isCanonical && uint64(en.Beacon.Epoch) == expected {
			if err := en.ApplyTo(next); err != nil {
				return nil, fmt.Errorf("reconcile: commit epoch %d: %w", en.Beacon.Epoch, err)
			}
			next.AppendBlock(en.Beacon, e.cfg.HistoryLimit)
			next.LastConfirmed = en.Beacon
			res.Committed = append(res.Committed, en.Beacon)
			settled = append(settled, en.Key)
			expected++
		} else {
			if isCanonical {
				missed = append(missed, en.Key)
				e.logger.Warn("canonical block follows an orphan, discarding",
					zap.Uint32("epoch", en.Beacon.Epoch),
					zap.String("hash", en.Beacon.BlockHash.Short()),
				)
			}
			broken = true
			res.Discarded = append(res.Discarded, en.Beacon)
		}
		ov.Remove(en.Key)
	}
	if adopt {
		next.LastConfirmed = beacon
	}

	for _, k := range canonical {
		if _, ok := keys[k]; !ok {
			continue
		}
		delete(keys, k)
		if ov.Has(k) {
			continue
		}
		res.UnknownKeys = append(res.UnknownKeys, k)
	}

	behind := next.LastConfirmed.Epoch < beacon.Epoch

	finalized := e.pruneFinalized(next.LastConfirmed.Epoch, settled...)
	if behind {
		for _, k := range append(missed, res.UnknownKeys...) {
			finalized[k] = beacon.Epoch
		}
		if !ov.Has(beacon.BlockHash) && !beacon.BlockHash.IsZero() {
			finalized[beacon.BlockHash] = beacon.Epoch
		}
	}
	if len(res.Discarded) > 0 || behind || ov.LastSync().Epoch == next.LastConfirmed.Epoch {
		res.Dropped = ov.Rewind(next.LastConfirmed)
	}

	effective := next.Clone()
	if err := ov.ApplyTo(effective); err != nil {
		return nil, fmt.Errorf("reconcile: rebuild effective view: %w", err)
	}

	res.LastConfirmed = next.LastConfirmed
	res.LastSync = ov.LastSync()
	res.Changed = len(res.Committed) > 0 || next.LastConfirmed != lc
	res.Resync = behind || len(res.UnknownKeys) > 0

	e.ledger = next
	e.overlay = ov
	e.effective = effective
	e.finalized = finalized
	e.publish()

	if len(res.UnknownKeys) > 0 {
		e.logger.Warn("finality references unknown blocks, node may be behind",
			zap.Int("unknown", len(res.UnknownKeys)),
			zap.Uint32("confirmed_epoch", beacon.Epoch),
		)
	}
	e.logger.Info("finality applied",
		zap.Uint32("epoch", beacon.Epoch),
		zap.Int("committed", len(res.Committed)),
		zap.Int("discarded", len(res.Discarded)),
		zap.Int("dropped", res.Dropped),
		zap.Uint32("last_confirmed", res.LastConfirmed.Epoch),
		zap.Uint32("last_sync", res.LastSync.Epoch),
	)
	return res, nil
}

// AllocateAddress hands out a fresh derivation slot. The index is taken past
// any index already observed in confirmed or pending blocks.
func (e *Engine) AllocateAddress(kind types.KeychainKind) (types.AddressInfo, error) {
	if err := e.checkHalted(); err != nil {
		return types.AddressInfo{}, err
	}
	next := e.ledger.Clone()
	if seen := e.effective.NextIndex(kind); seen > 0 {
		next.ObserveIndex(kind, seen-1)
	}
	info, err := next.NewAddress(kind)
	if err != nil {
		return types.AddressInfo{}, err
	}
	effective := next.Clone()
	if err := e.overlay.ApplyTo(effective); err != nil {
		return types.AddressInfo{}, fmt.Errorf("reconcile: rebuild effective view: %w", err)
	}
	e.ledger = next
	e.effective = effective
	e.publish()
	return info, nil
}

// Rewind drops every pending block and resets LastSync to LastConfirmed.
// The sync pipeline calls it when it detects a fork above the confirmed
// point.
func (e *Engine) Rewind() (int, error) {
	if err := e.checkHalted(); err != nil {
		return 0, err
	}
	dropped := e.overlay.Rewind(e.ledger.LastConfirmed)
	e.effective = e.ledger.Clone()
	e.publish()
	if dropped > 0 {
		e.logger.Info("pending blocks rewound",
			zap.Int("dropped", dropped),
			zap.Uint32("last_confirmed", e.ledger.LastConfirmed.Epoch),
		)
	}
	return dropped, nil
}

func (e *Engine) checkHalted() error {
	if e.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}
	return nil
}

func (e *Engine) halt(err error) error {
	e.halted = err
	e.logger.Error("reconciliation halted", zap.Error(err))
	e.publish()
	return err
}

func (e *Engine) publish() {
	e.view.Store(&View{
		Confirmed: e.ledger,
		Effective: e.effective,
		LastSync:  e.overlay.LastSync(),
		Pending:   summarize(e.overlay.Entries()),
		Halted:    e.halted != nil,
	})
}
