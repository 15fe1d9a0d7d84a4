package reconcile

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/overlay"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// --- fixtures ---

func genesisLedger(t *testing.T, epoch uint32) *ledger.LedgerState {
	t.Helper()
	l, err := ledger.New(ledger.Params{
		Name:         "test",
		Account:      0,
		ExternalRoot: "ext-root",
		InternalRoot: "int-root",
		Genesis:      types.CheckpointBeacon{Epoch: epoch, BlockHash: types.Hash{0xee}},
	})
	require.NoError(t, err)
	return l
}

func newEngine(t *testing.T, genesisEpoch uint32, cfg Config) *Engine {
	t.Helper()
	e, err := New(genesisLedger(t, genesisEpoch), cfg, nil)
	require.NoError(t, err)
	return e
}

func blockHash(epoch uint32, fork byte) types.Hash {
	return types.Hash{fork, byte(epoch), byte(epoch >> 8), 0x42}
}

func block(epoch uint32, fork byte, movements ...types.BalanceMovement) types.BlockUpdate {
	h := blockHash(epoch, fork)
	return types.BlockUpdate{
		Key:       h,
		Beacon:    types.CheckpointBeacon{Epoch: epoch, BlockHash: h},
		Movements: movements,
	}
}

func out(tx byte) types.OutputPointer { return types.OutputPointer{TxHash: types.Hash{tx}} }

func receive(tx byte, amount uint64) types.BalanceMovement {
	return types.BalanceMovement{
		TxHash:  types.Hash{tx},
		Kind:    types.Credit,
		Amount:  amount,
		Created: []types.Utxo{{Pointer: out(tx), Output: types.Output{Amount: amount, Address: "recv"}}},
	}
}

// pay spends output `from` worth `have`, sends `amount` away and keeps the
// change in a new output of tx.
func pay(tx, from byte, have, amount uint64) types.BalanceMovement {
	return types.BalanceMovement{
		TxHash:  types.Hash{tx},
		Kind:    types.Debit,
		Amount:  amount,
		Spent:   []types.OutputPointer{out(from)},
		Created: []types.Utxo{{Pointer: out(tx), Output: types.Output{Amount: have - amount, Address: "change"}}},
	}
}

func keys(updates ...types.BlockUpdate) []types.BlockKey {
	out := make([]types.BlockKey, len(updates))
	for i, u := range updates {
		out[i] = u.Key
	}
	return out
}

func requireNoPendingAtOrBelow(t *testing.T, e *Engine, epoch uint32) {
	t.Helper()
	for _, p := range e.View().Pending {
		require.Greater(t, p.Beacon.Epoch, epoch, "pending entry leaked at epoch %d", p.Beacon.Epoch)
	}
	for _, en := range e.overlay.Entries() {
		require.Greater(t, en.Beacon.Epoch, epoch)
	}
}

// --- tests ---

func TestApplyBlockUpdatesEffectiveViewOnly(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1, receive(1, 100))))
	require.NoError(t, e.ApplyBlock(block(2, 1, pay(2, 1, 100, 30))))

	v := e.View()
	require.Equal(t, uint64(70), v.Balance())
	require.Zero(t, v.ConfirmedBalance())
	require.Len(t, v.Effective.UtxoSet, 1)
	require.Empty(t, v.Confirmed.UtxoSet)
	require.Len(t, v.Pending, 2)
	require.Equal(t, int64(-30), v.Pending[1].Delta)
	require.Equal(t, uint32(2), v.LastSync.Epoch)
}

func TestApplyBlockOutOfOrder(t *testing.T) {
	e := newEngine(t, 0, Config{})
	err := e.ApplyBlock(block(2, 1))
	var seqErr *overlay.SequenceError
	require.ErrorAs(t, err, &seqErr)
	require.Empty(t, e.View().Pending)
}

func TestApplyBlockRejectsKeyMismatch(t *testing.T) {
	e := newEngine(t, 0, Config{})
	u := block(1, 1)
	u.Key = types.Hash{0x99}
	require.Error(t, e.ApplyBlock(u))
}

func TestApplyBlockRejectsInconsistentMovements(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1, receive(1, 10))))

	err := e.ApplyBlock(block(2, 1, pay(2, 1, 10, 50)))
	require.ErrorIs(t, err, ledger.ErrBalanceUnderflow)

	err = e.ApplyBlock(block(2, 1, pay(2, 7, 10, 5)))
	require.ErrorIs(t, err, ledger.ErrUnknownOutput)

	require.Equal(t, uint32(1), e.LastSync().Epoch, "rejected blocks leave no trace")
	require.Equal(t, uint64(10), e.View().Balance())
}

func TestRetentionExceeded(t *testing.T) {
	e := newEngine(t, 0, Config{MaxPendingSpan: 2})
	require.NoError(t, e.ApplyBlock(block(1, 1)))
	require.NoError(t, e.ApplyBlock(block(2, 1)))
	require.ErrorIs(t, e.ApplyBlock(block(3, 1)), overlay.ErrRetentionExceeded)

	_, err := e.Confirm(block(2, 1).Beacon, keys(block(1, 1), block(2, 1)))
	require.NoError(t, err)
	require.NoError(t, e.ApplyBlock(block(3, 1)))
}

func TestCommitMatchesDirectApply(t *testing.T) {
	blocks := []types.BlockUpdate{
		block(1, 1, receive(1, 100)),
		block(2, 1),
		block(3, 1, pay(3, 1, 100, 40), receive(4, 5)),
		block(4, 1, pay(5, 3, 60, 60)),
		block(5, 1, receive(6, 1_000)),
	}
	blocks[1].AddressInfos = []types.AddressInfo{{Keychain: types.External, Index: 2, Address: "recv", ReceivedPayments: 1, ReceivedAmount: 100}}
	blocks[4].AddressInfos = []types.AddressInfo{{Keychain: types.Internal, Index: 0, Address: "change", ReceivedPayments: 1}}

	e := newEngine(t, 0, Config{HistoryLimit: 100})
	for _, b := range blocks {
		require.NoError(t, e.ApplyBlock(b))
	}
	last := blocks[len(blocks)-1].Beacon
	res, err := e.Confirm(last, keys(blocks...))
	require.NoError(t, err)
	require.Len(t, res.Committed, len(blocks))
	require.Empty(t, res.Discarded)
	require.True(t, res.Changed)
	require.False(t, res.Resync)

	direct := genesisLedger(t, 0)
	for _, b := range blocks {
		en := overlay.Entry{Key: b.Key, Beacon: b.Beacon, Movements: b.Movements, AddressInfos: b.AddressInfos}
		require.NoError(t, en.ApplyTo(direct))
		direct.AppendBlock(b.Beacon, 100)
	}
	direct.LastConfirmed = last

	require.Equal(t, direct, e.Ledger())
	require.Equal(t, e.View().Confirmed, e.View().Effective)
	require.Empty(t, e.View().Pending)
	require.Equal(t, last, e.LastSync())
}

func TestReorgDiscardsOrphanedBlock(t *testing.T) {
	e := newEngine(t, 9, Config{})
	b1 := block(10, 1, receive(1, 50))
	b2 := block(11, 1, receive(2, 70))
	require.NoError(t, e.ApplyBlock(b1))
	require.NoError(t, e.ApplyBlock(b2))

	canonical11 := types.CheckpointBeacon{Epoch: 11, BlockHash: blockHash(11, 2)}
	res, err := e.Confirm(canonical11, keys(b1))
	require.NoError(t, err)

	l := e.Ledger()
	require.Equal(t, uint64(50), l.Balance, "only B1's effects are merged")
	require.Len(t, l.UtxoSet, 1)
	require.Contains(t, l.UtxoSet, out(1))
	require.Equal(t, uint32(10), l.LastConfirmed.Epoch)
	require.Equal(t, b1.Beacon, l.LastConfirmed)
	require.Equal(t, uint32(10), e.LastSync().Epoch)
	requireNoPendingAtOrBelow(t, e, 11)

	require.Equal(t, []types.CheckpointBeacon{b1.Beacon}, res.Committed)
	require.Equal(t, []types.CheckpointBeacon{b2.Beacon}, res.Discarded)
	require.True(t, res.Resync)

	// The canonical replacement resumes from the rewound point.
	replacement := block(11, 2, receive(3, 5))
	require.NoError(t, e.ApplyBlock(replacement))
	res, err = e.Confirm(canonical11, keys(replacement))
	require.NoError(t, err)
	require.Equal(t, canonical11, e.Ledger().LastConfirmed)
	require.Equal(t, uint64(55), e.Ledger().Balance)
	require.False(t, res.Resync)
}

func TestOrphanDropsDescendantsAboveRange(t *testing.T) {
	e := newEngine(t, 0, Config{})
	for epoch := uint32(1); epoch <= 6; epoch++ {
		require.NoError(t, e.ApplyBlock(block(epoch, 1, receive(byte(epoch), 1))))
	}
	// Epoch 3 is orphaned; 4..6 descend from it and must go too.
	res, err := e.Confirm(types.CheckpointBeacon{Epoch: 4, BlockHash: blockHash(4, 9)},
		keys(block(1, 1), block(2, 1)))
	require.NoError(t, err)

	require.Equal(t, uint32(2), e.Ledger().LastConfirmed.Epoch)
	require.Equal(t, uint64(2), e.Ledger().Balance)
	require.Len(t, res.Discarded, 2)
	require.Equal(t, 2, res.Dropped)
	require.Empty(t, e.View().Pending)
	require.Equal(t, uint32(2), e.LastSync().Epoch)
	require.Equal(t, uint64(2), e.View().Balance())
}

func TestConfirmPartialRangeKeepsLaterPending(t *testing.T) {
	e := newEngine(t, 0, Config{})
	for epoch := uint32(1); epoch <= 5; epoch++ {
		require.NoError(t, e.ApplyBlock(block(epoch, 1, receive(byte(epoch), 10))))
	}
	res, err := e.Confirm(block(3, 1).Beacon, keys(block(1, 1), block(2, 1), block(3, 1)))
	require.NoError(t, err)
	require.Zero(t, res.Dropped)

	require.Equal(t, uint64(30), e.View().ConfirmedBalance())
	require.Equal(t, uint64(50), e.View().Balance())
	require.Len(t, e.View().Pending, 2)
	require.Equal(t, uint32(5), e.LastSync().Epoch)
	requireNoPendingAtOrBelow(t, e, 3)
}

func TestUnknownCanonicalKeysAreReported(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1)))
	require.NoError(t, e.ApplyBlock(block(2, 1)))

	stranger := types.Hash{0xab}
	res, err := e.Confirm(block(1, 1).Beacon, []types.BlockKey{block(1, 1).Key, stranger, block(2, 1).Key})
	require.NoError(t, err)
	require.Equal(t, []types.BlockKey{stranger}, res.UnknownKeys, "keys of later pending blocks are not unknown")
	require.True(t, res.Resync)
	require.Equal(t, uint32(1), res.LastConfirmed.Epoch)
}

func TestConfirmWhileBehind(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1, receive(1, 4))))

	res, err := e.Confirm(block(5, 1).Beacon, keys(block(1, 1), block(2, 1), block(5, 1)))
	require.NoError(t, err)
	require.Equal(t, uint32(1), res.LastConfirmed.Epoch)
	require.True(t, res.Resync)
	require.Len(t, res.UnknownKeys, 2)
	require.Equal(t, uint32(1), e.LastSync().Epoch)
	requireNoPendingAtOrBelow(t, e, 5)

	// The node catches up from its last confirmed point.
	require.NoError(t, e.ApplyBlock(block(2, 1)))
}

func TestResyncedFinalizedBlockIsCommittedOnArrival(t *testing.T) {
	e := newEngine(t, 9, Config{})
	b10 := block(10, 1, receive(1, 5))
	b11 := block(11, 1, receive(2, 7))
	b12 := block(12, 1, receive(3, 11))
	require.NoError(t, e.ApplyBlock(b10))

	res, err := e.Confirm(b11.Beacon, keys(b10, b11))
	require.NoError(t, err)
	require.Equal(t, b10.Beacon, res.LastConfirmed)
	require.True(t, res.Resync)
	require.Equal(t, []types.BlockKey{b11.Key}, res.UnknownKeys)

	// Re-sync delivers B11, which the signal above already finalized.
	require.NoError(t, e.ApplyBlock(b11))
	require.Equal(t, b11.Beacon, e.Ledger().LastConfirmed)
	require.Equal(t, uint64(12), e.View().ConfirmedBalance())
	require.Empty(t, e.View().Pending)

	// The next signal lists only its own range.
	require.NoError(t, e.ApplyBlock(b12))
	res, err = e.Confirm(b12.Beacon, keys(b12))
	require.NoError(t, err)
	require.Equal(t, []types.CheckpointBeacon{b12.Beacon}, res.Committed)
	require.Empty(t, res.Discarded)
	require.Equal(t, b12.Beacon, e.Ledger().LastConfirmed)
	require.Equal(t, b12.Beacon, e.LastSync())
	require.Equal(t, uint64(23), e.View().Balance())
	require.Empty(t, e.finalized)
}

func TestFinalizedKeyOnlyCommitsAtConfirmedTip(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1, receive(1, 4))))
	_, err := e.Confirm(block(3, 1).Beacon, keys(block(1, 1), block(2, 1), block(3, 1)))
	require.NoError(t, err)
	require.Equal(t, uint32(1), e.Ledger().LastConfirmed.Epoch)

	// A competing block at epoch 2 stays pending; the finalized one cannot
	// follow it.
	require.NoError(t, e.ApplyBlock(block(2, 9)))
	require.Equal(t, uint32(1), e.Ledger().LastConfirmed.Epoch)
	require.Len(t, e.View().Pending, 1)

	_, err = e.Rewind()
	require.NoError(t, err)
	require.NoError(t, e.ApplyBlock(block(2, 1)))
	require.NoError(t, e.ApplyBlock(block(3, 1)))
	require.Equal(t, block(3, 1).Beacon, e.Ledger().LastConfirmed)
	require.Empty(t, e.View().Pending)
	require.Empty(t, e.finalized)
}

func TestFinalityRegressionHalts(t *testing.T) {
	e := newEngine(t, 0, Config{})
	for epoch := uint32(1); epoch <= 3; epoch++ {
		require.NoError(t, e.ApplyBlock(block(epoch, 1, receive(byte(epoch), 1))))
	}
	_, err := e.Confirm(block(3, 1).Beacon, keys(block(1, 1), block(2, 1), block(3, 1)))
	require.NoError(t, err)
	before := e.Ledger()

	_, err = e.Confirm(block(2, 1).Beacon, nil)
	var regression *FinalityRegressionError
	require.ErrorAs(t, err, &regression)
	require.True(t, IsFatal(err))
	require.Same(t, before, e.Ledger(), "state is unchanged")
	require.True(t, e.View().Halted)

	require.ErrorIs(t, e.ApplyBlock(block(4, 1)), ErrHalted)
	_, err = e.Confirm(block(4, 1).Beacon, nil)
	require.ErrorIs(t, err, ErrHalted)
	_, err = e.AllocateAddress(types.External)
	require.ErrorIs(t, err, ErrHalted)
	require.Error(t, e.Halted())
}

func TestConflictingFinalityAtSameEpochHalts(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1)))
	_, err := e.Confirm(block(1, 1).Beacon, keys(block(1, 1)))
	require.NoError(t, err)

	_, err = e.Confirm(block(1, 2).Beacon, nil)
	var regression *FinalityRegressionError
	require.ErrorAs(t, err, &regression)
	require.Contains(t, err.Error(), "conflicting")
}

func TestRepeatedConfirmIsNoop(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1, receive(1, 3))))
	_, err := e.Confirm(block(1, 1).Beacon, keys(block(1, 1)))
	require.NoError(t, err)
	before := e.Ledger()

	res, err := e.Confirm(block(1, 1).Beacon, keys(block(1, 1)))
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Same(t, before, e.Ledger())
}

func TestZeroHashStartAdoptsFirstFinality(t *testing.T) {
	l, err := ledger.New(ledger.Params{Account: 0})
	require.NoError(t, err)
	e, err := New(l, Config{}, nil)
	require.NoError(t, err)

	genesis := types.CheckpointBeacon{Epoch: 0, BlockHash: types.Hash{0x01}}
	res, err := e.Confirm(genesis, nil)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, genesis, e.Ledger().LastConfirmed)
	require.Equal(t, genesis, e.LastSync())
}

func TestMonotonicFinality(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		e := newEngine(t, 0, Config{})
		tip := uint32(0)
		prev := uint32(0)
		for step := 0; step < 30; step++ {
			if rng.Intn(3) > 0 {
				tip = e.LastSync().Epoch + 1
				require.NoError(t, e.ApplyBlock(block(tip, 1)))
				continue
			}
			target := e.Ledger().LastConfirmed.Epoch + uint32(rng.Intn(3))
			if target > tip {
				target = tip
			}
			if target == e.Ledger().LastConfirmed.Epoch {
				continue
			}
			var ks []types.BlockKey
			for ep := e.Ledger().LastConfirmed.Epoch + 1; ep <= target; ep++ {
				ks = append(ks, block(ep, 1).Key)
			}
			_, err := e.Confirm(block(target, 1).Beacon, ks)
			require.NoError(t, err)
			now := e.Ledger().LastConfirmed.Epoch
			require.GreaterOrEqual(t, now, prev)
			prev = now
			requireNoPendingAtOrBelow(t, e, target)
		}
	}
}

func TestNoPendingLeakage(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 50; round++ {
		e := newEngine(t, 0, Config{})
		n := uint32(rng.Intn(8) + 1)
		var applied []types.BlockUpdate
		for ep := uint32(1); ep <= n; ep++ {
			b := block(ep, 1, receive(byte(ep), uint64(ep)))
			require.NoError(t, e.ApplyBlock(b))
			applied = append(applied, b)
		}

		target := uint32(rng.Intn(int(n)+3) + 1)
		var ks []types.BlockKey
		for _, b := range applied {
			if rng.Intn(4) > 0 {
				ks = append(ks, b.Key)
			}
		}
		res, err := e.Confirm(types.CheckpointBeacon{Epoch: target, BlockHash: blockHash(target, 1)}, ks)
		require.NoError(t, err)
		requireNoPendingAtOrBelow(t, e, target)
		require.GreaterOrEqual(t, e.LastSync().Epoch, res.LastConfirmed.Epoch)
		require.Equal(t, e.Ledger().Balance, e.Ledger().UtxoSet.Total())
	}
}

func TestAllocateAddressSkipsPendingIndices(t *testing.T) {
	e := newEngine(t, 0, Config{})
	u := block(1, 1)
	u.AddressInfos = []types.AddressInfo{{Keychain: types.External, Index: 5, Address: "seen", ReceivedPayments: 1}}
	require.NoError(t, e.ApplyBlock(u))

	info, err := e.AllocateAddress(types.External)
	require.NoError(t, err)
	require.Equal(t, uint32(6), info.Index)
	require.Equal(t, uint32(7), e.Ledger().NextExternalIndex)
	require.Contains(t, e.View().Effective.Addresses, info.Address)

	internal, err := e.AllocateAddress(types.Internal)
	require.NoError(t, err)
	require.Zero(t, internal.Index)

	// Discarding the pending block must not give index 5 or 6 back.
	_, err = e.Rewind()
	require.NoError(t, err)
	again, err := e.AllocateAddress(types.External)
	require.NoError(t, err)
	require.Equal(t, uint32(7), again.Index)
}

func TestRewindDropsAllPending(t *testing.T) {
	e := newEngine(t, 0, Config{})
	require.NoError(t, e.ApplyBlock(block(1, 1, receive(1, 9))))
	require.NoError(t, e.ApplyBlock(block(2, 1)))

	dropped, err := e.Rewind()
	require.NoError(t, err)
	require.Equal(t, 2, dropped)
	require.Zero(t, e.View().Balance())
	require.Equal(t, e.Ledger().LastConfirmed, e.LastSync())
}

func TestViewIsSafeForConcurrentReaders(t *testing.T) {
	e := newEngine(t, 0, Config{})
	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-done:
					return
				default:
				}
				v := e.View()
				if v.Balance() < last {
					t.Errorf("balance went backwards: %d < %d", v.Balance(), last)
					return
				}
				last = v.Balance()
				if v.Effective.UtxoSet.Total() != v.Balance() {
					t.Errorf("torn snapshot")
					return
				}
			}
		}()
	}
	for ep := uint32(1); ep <= 200; ep++ {
		require.NoError(t, e.ApplyBlock(block(ep, 1, receive(byte(ep), 1))))
	}
	close(done)
	wg.Wait()
}
