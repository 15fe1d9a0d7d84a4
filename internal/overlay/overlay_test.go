package overlay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

func beacon(epoch uint32, tag byte) types.CheckpointBeacon {
	return types.CheckpointBeacon{Epoch: epoch, BlockHash: types.Hash{tag, byte(epoch)}}
}

func credit(tag byte, amount uint64) types.BalanceMovement {
	return types.BalanceMovement{
		TxHash:  types.Hash{tag},
		Kind:    types.Credit,
		Amount:  amount,
		Created: []types.Utxo{{Pointer: types.OutputPointer{TxHash: types.Hash{tag}}, Output: types.Output{Amount: amount, Address: "a"}}},
	}
}

func update(b types.CheckpointBeacon, movements ...types.BalanceMovement) types.BlockUpdate {
	return types.BlockUpdate{Key: b.BlockHash, Beacon: b, Movements: movements}
}

func TestApplyStrictOrder(t *testing.T) {
	genesis := beacon(9, 0)
	o := New(genesis, 0)

	require.NoError(t, o.Apply(update(beacon(10, 1)), genesis))
	require.Equal(t, beacon(10, 1), o.LastSync())

	err := o.Apply(update(beacon(12, 1)), genesis)
	var seqErr *SequenceError
	require.True(t, errors.As(err, &seqErr))
	require.Equal(t, uint32(12), seqErr.Got.Epoch)

	err = o.Apply(update(beacon(10, 2)), genesis)
	require.True(t, errors.As(err, &seqErr), "re-applying an old epoch is out of order")

	require.Equal(t, 1, o.Len())
	require.Equal(t, beacon(10, 1), o.LastSync())
}

func TestApplyDuplicateKey(t *testing.T) {
	o := New(beacon(0, 0), 0)
	b1 := beacon(1, 1)
	require.NoError(t, o.Apply(update(b1), beacon(0, 0)))

	dup := types.BlockUpdate{Key: b1.BlockHash, Beacon: beacon(2, 2)}
	var seqErr *SequenceError
	require.ErrorAs(t, o.Apply(dup, beacon(0, 0)), &seqErr)
	require.Equal(t, "block already pending", seqErr.Reason)
}

func TestRetentionLimit(t *testing.T) {
	confirmed := beacon(0, 0)
	o := New(confirmed, 3)
	for e := uint32(1); e <= 3; e++ {
		require.NoError(t, o.Apply(update(beacon(e, 1)), confirmed))
	}
	err := o.Apply(update(beacon(4, 1)), confirmed)
	require.ErrorIs(t, err, ErrRetentionExceeded)
	require.Equal(t, 3, o.Len(), "nothing is truncated")
	require.Equal(t, uint32(3), o.LastSync().Epoch)
}

func TestRangeAndRewind(t *testing.T) {
	o := New(beacon(0, 0), 0)
	for e := uint32(1); e <= 5; e++ {
		require.NoError(t, o.Apply(update(beacon(e, 1)), beacon(0, 0)))
	}

	var epochs []uint32
	o.Range(1, 3, func(e Entry) bool {
		epochs = append(epochs, e.Beacon.Epoch)
		return true
	})
	require.Equal(t, []uint32{2, 3}, epochs)

	dropped := o.Rewind(beacon(2, 1))
	require.Equal(t, 3, dropped)
	require.Equal(t, 2, o.Len())
	require.Equal(t, beacon(2, 1), o.LastSync())
	require.False(t, o.Has(beacon(3, 1).BlockHash))

	require.NoError(t, o.Apply(update(beacon(3, 7)), beacon(0, 0)))
}

func TestRemoveClearsAllMaps(t *testing.T) {
	o := New(beacon(0, 0), 0)
	b := beacon(1, 1)
	require.NoError(t, o.Apply(types.BlockUpdate{
		Key:          b.BlockHash,
		Beacon:       b,
		Movements:    []types.BalanceMovement{credit(1, 5)},
		AddressInfos: []types.AddressInfo{{Address: "a", ReceivedPayments: 1}},
	}, beacon(0, 0)))

	require.True(t, o.Remove(b.BlockHash))
	require.False(t, o.Remove(b.BlockHash))
	require.Zero(t, o.Len())
	require.Empty(t, o.movements)
	require.Empty(t, o.addressInfos)
	require.Zero(t, o.index.Len())
}

func TestCloneIsIndependent(t *testing.T) {
	o := New(beacon(0, 0), 0)
	require.NoError(t, o.Apply(update(beacon(1, 1)), beacon(0, 0)))

	c := o.Clone()
	require.NoError(t, c.Apply(update(beacon(2, 1)), beacon(0, 0)))
	c.Remove(beacon(1, 1).BlockHash)

	require.Equal(t, 1, o.Len())
	require.True(t, o.Has(beacon(1, 1).BlockHash))
	require.Equal(t, uint32(1), o.LastSync().Epoch)
}

func TestApplyToBuildsEffectiveView(t *testing.T) {
	l, err := ledger.New(ledger.Params{Account: 0})
	require.NoError(t, err)
	l.Balance = 10
	require.NoError(t, l.UtxoSet.Create(types.Utxo{Pointer: types.OutputPointer{TxHash: types.Hash{0xff}}, Output: types.Output{Amount: 10}}))

	o := New(beacon(0, 0), 0)
	require.NoError(t, o.Apply(update(beacon(1, 1), credit(1, 5)), beacon(0, 0)))
	spend := types.BalanceMovement{
		Kind:   types.Debit,
		Amount: 10,
		Spent:  []types.OutputPointer{{TxHash: types.Hash{0xff}}},
	}
	require.NoError(t, o.Apply(types.BlockUpdate{
		Key:          beacon(2, 1).BlockHash,
		Beacon:       beacon(2, 1),
		Movements:    []types.BalanceMovement{spend},
		AddressInfos: []types.AddressInfo{{Keychain: types.External, Index: 3, Address: "a", ReceivedPayments: 1}},
	}, beacon(0, 0)))

	eff := l.Clone()
	require.NoError(t, o.ApplyTo(eff))
	require.Equal(t, uint64(5), eff.Balance)
	require.Len(t, eff.UtxoSet, 1)
	require.Equal(t, uint32(2), eff.Addresses["a"].LastEpoch)
	require.Equal(t, uint32(4), eff.NextExternalIndex)

	require.Equal(t, uint64(10), l.Balance, "the confirmed ledger is untouched")
	require.Len(t, l.UtxoSet, 1)
}

func TestEntryDelta(t *testing.T) {
	e := Entry{Movements: []types.BalanceMovement{
		{Kind: types.Credit, Amount: 7},
		{Kind: types.Debit, Amount: 3},
	}}
	require.Equal(t, int64(4), e.Delta())
}
