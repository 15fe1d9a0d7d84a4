// Package overlay holds provisional wallet state produced by blocks that
// have been applied optimistically but not yet confirmed by a superblock.
//
// Entries are keyed by block hash and indexed by epoch. An Overlay is not
// safe for concurrent use; the reconciliation engine owns it and publishes
// immutable snapshots to readers.
package overlay

import (
	"fmt"
	"math"

	"github.com/google/btree"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

const treeDegree = 8

// slot is one epoch index entry.
type slot struct {
	epoch uint32
	key   types.BlockKey
}

func slotLess(a, b slot) bool { return a.epoch < b.epoch }

// Entry is the pending data of one block.
type Entry struct {
	Key          types.BlockKey
	Beacon       types.CheckpointBeacon
	Movements    []types.BalanceMovement
	AddressInfos []types.AddressInfo
}

// Delta returns the signed balance change of the block.
func (e Entry) Delta() int64 {
	var d int64
	for _, m := range e.Movements {
		d += m.Delta()
	}
	return d
}

// ApplyTo folds the block's movements and address deltas into l. Address
// deltas without an epoch window get the block's epoch.
func (e Entry) ApplyTo(l *ledger.LedgerState) error {
	for i, m := range e.Movements {
		if err := l.ApplyMovement(m); err != nil {
			return fmt.Errorf("overlay: block %s movement %d: %w", e.Key.Short(), i, err)
		}
	}
	for _, info := range e.AddressInfos {
		if info.LastEpoch == 0 {
			info.FirstEpoch = e.Beacon.Epoch
			info.LastEpoch = e.Beacon.Epoch
		}
		l.MergeAddressInfo(info)
	}
	return nil
}

// Overlay is the set of pending blocks above the last confirmed beacon.
type Overlay struct {
	lastSync types.CheckpointBeacon
	maxSpan  uint32

	blocks       map[types.BlockKey]types.CheckpointBeacon
	movements    map[types.BlockKey][]types.BalanceMovement
	addressInfos map[types.BlockKey][]types.AddressInfo
	index        *btree.BTreeG[slot]
}

// New creates an empty overlay that continues from lastSync. maxSpan bounds
// how many epochs may stay pending above the last confirmed beacon; zero
// disables the bound.
func New(lastSync types.CheckpointBeacon, maxSpan uint32) *Overlay {
	return &Overlay{
		lastSync:     lastSync,
		maxSpan:      maxSpan,
		blocks:       make(map[types.BlockKey]types.CheckpointBeacon),
		movements:    make(map[types.BlockKey][]types.BalanceMovement),
		addressInfos: make(map[types.BlockKey][]types.AddressInfo),
		index:        btree.NewG(treeDegree, slotLess),
	}
}

// LastSync returns the highest optimistically applied beacon.
func (o *Overlay) LastSync() types.CheckpointBeacon { return o.lastSync }

// Len returns the number of pending blocks.
func (o *Overlay) Len() int { return len(o.blocks) }

// Has reports whether a block key is pending.
func (o *Overlay) Has(key types.BlockKey) bool {
	_, ok := o.blocks[key]
	return ok
}

// Get returns the pending entry for a block key.
func (o *Overlay) Get(key types.BlockKey) (Entry, bool) {
	beacon, ok := o.blocks[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Key:          key,
		Beacon:       beacon,
		Movements:    o.movements[key],
		AddressInfos: o.addressInfos[key],
	}, true
}

// CanApply checks that update may be applied next: its epoch must follow
// LastSync directly, its key must not be pending, and it must stay within
// the retention span measured from lastConfirmed.
func (o *Overlay) CanApply(update types.BlockUpdate, lastConfirmed types.CheckpointBeacon) error {
	if o.lastSync.Epoch == math.MaxUint32 || update.Beacon.Epoch != o.lastSync.Epoch+1 {
		return &SequenceError{
			LastSync: o.lastSync,
			Got:      update.Beacon,
			Key:      update.Key,
			Reason:   fmt.Sprintf("expected epoch %d", uint64(o.lastSync.Epoch)+1),
		}
	}
	if o.Has(update.Key) {
		return &SequenceError{
			LastSync: o.lastSync,
			Got:      update.Beacon,
			Key:      update.Key,
			Reason:   "block already pending",
		}
	}
	if o.maxSpan > 0 && update.Beacon.Epoch > lastConfirmed.Epoch {
		if span := update.Beacon.Epoch - lastConfirmed.Epoch; span > o.maxSpan {
			return fmt.Errorf("%w: epoch %d is %d epochs past last confirmed %d (max %d)",
				ErrRetentionExceeded, update.Beacon.Epoch, span, lastConfirmed.Epoch, o.maxSpan)
		}
	}
	return nil
}

// Apply inserts the block into all pending maps and advances LastSync.
func (o *Overlay) Apply(update types.BlockUpdate, lastConfirmed types.CheckpointBeacon) error {
	if err := o.CanApply(update, lastConfirmed); err != nil {
		return err
	}
	o.blocks[update.Key] = update.Beacon
	o.movements[update.Key] = update.Movements
	o.addressInfos[update.Key] = update.AddressInfos
	o.index.ReplaceOrInsert(slot{epoch: update.Beacon.Epoch, key: update.Key})
	o.lastSync = update.Beacon
	return nil
}

// Range calls fn in epoch order for every entry with epoch in
// (after, upTo]. Iteration stops when fn returns false.
func (o *Overlay) Range(after, upTo uint32, fn func(Entry) bool) {
	if upTo <= after {
		return
	}
	o.index.AscendGreaterOrEqual(slot{epoch: after + 1}, func(s slot) bool {
		if s.epoch > upTo {
			return false
		}
		e, _ := o.Get(s.key)
		return fn(e)
	})
}

// Entries returns all pending entries in epoch order.
func (o *Overlay) Entries() []Entry {
	out := make([]Entry, 0, o.index.Len())
	o.index.Ascend(func(s slot) bool {
		e, _ := o.Get(s.key)
		out = append(out, e)
		return true
	})
	return out
}

// Remove drops one block from all pending maps.
func (o *Overlay) Remove(key types.BlockKey) bool {
	beacon, ok := o.blocks[key]
	if !ok {
		return false
	}
	delete(o.blocks, key)
	delete(o.movements, key)
	delete(o.addressInfos, key)
	o.index.Delete(slot{epoch: beacon.Epoch})
	return true
}

// Rewind drops every entry above to and resets LastSync to it. It returns
// the number of dropped entries.
func (o *Overlay) Rewind(to types.CheckpointBeacon) int {
	var drop []types.BlockKey
	if to.Epoch < math.MaxUint32 {
		o.index.AscendGreaterOrEqual(slot{epoch: to.Epoch + 1}, func(s slot) bool {
			drop = append(drop, s.key)
			return true
		})
	}
	for _, key := range drop {
		o.Remove(key)
	}
	o.lastSync = to
	return len(drop)
}

// ApplyTo folds every pending entry, in epoch order, into l.
func (o *Overlay) ApplyTo(l *ledger.LedgerState) error {
	var err error
	o.index.Ascend(func(s slot) bool {
		e, _ := o.Get(s.key)
		err = e.ApplyTo(l)
		return err == nil
	})
	return err
}

// Clone returns an independent copy. Movement and address slices are
// shared; they are never modified after Apply.
func (o *Overlay) Clone() *Overlay {
	c := &Overlay{
		lastSync:     o.lastSync,
		maxSpan:      o.maxSpan,
		blocks:       make(map[types.BlockKey]types.CheckpointBeacon, len(o.blocks)),
		movements:    make(map[types.BlockKey][]types.BalanceMovement, len(o.movements)),
		addressInfos: make(map[types.BlockKey][]types.AddressInfo, len(o.addressInfos)),
		index:        o.index.Clone(),
	}
	for k, v := range o.blocks {
		c.blocks[k] = v
	}
	for k, v := range o.movements {
		c.movements[k] = v
	}
	for k, v := range o.addressInfos {
		c.addressInfos[k] = v
	}
	return c
}
