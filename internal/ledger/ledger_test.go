package ledger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

func newTestLedger(t *testing.T) *LedgerState {
	t.Helper()
	s, err := New(Params{
		Name:              "test",
		Account:           0,
		AvailableAccounts: []uint32{0, 1},
		ExternalRoot:      "xpub-external",
		InternalRoot:      "xpub-internal",
	})
	require.NoError(t, err)
	return s
}

func ptr(b byte, idx uint32) types.OutputPointer {
	return types.OutputPointer{TxHash: types.Hash{b}, Index: idx}
}

func TestNewRejectsAccountOutsideAvailable(t *testing.T) {
	_, err := New(Params{Account: 3, AvailableAccounts: []uint32{0, 1}})
	require.Error(t, err)

	s, err := New(Params{Account: 7})
	require.NoError(t, err)
	require.Equal(t, []uint32{7}, s.AvailableAccounts)
}

func TestApplyMovementCreditAndDebit(t *testing.T) {
	s := newTestLedger(t)

	credit := types.BalanceMovement{
		TxHash:  types.Hash{1},
		Kind:    types.Credit,
		Amount:  100,
		Created: []types.Utxo{{Pointer: ptr(1, 0), Output: types.Output{Amount: 100, Address: "a"}}},
	}
	require.NoError(t, s.ApplyMovement(credit))
	require.Equal(t, uint64(100), s.Balance)
	require.Len(t, s.UtxoSet, 1)

	debit := types.BalanceMovement{
		TxHash:  types.Hash{2},
		Kind:    types.Debit,
		Amount:  60,
		Spent:   []types.OutputPointer{ptr(1, 0)},
		Created: []types.Utxo{{Pointer: ptr(2, 1), Output: types.Output{Amount: 40, Address: "change"}}},
	}
	require.NoError(t, s.ApplyMovement(debit))
	require.Equal(t, uint64(40), s.Balance)
	require.Equal(t, s.Balance, s.UtxoSet.Total())
	require.Equal(t, uint32(2), s.TransactionNextID)
}

func TestApplyMovementUnderflow(t *testing.T) {
	s := newTestLedger(t)
	err := s.ApplyMovement(types.BalanceMovement{Kind: types.Debit, Amount: 1})
	require.ErrorIs(t, err, ErrBalanceUnderflow)
	require.Zero(t, s.Balance)
}

func TestApplyMovementUnknownAndDuplicateOutputs(t *testing.T) {
	s := newTestLedger(t)
	s.Balance = 10

	err := s.ApplyMovement(types.BalanceMovement{Kind: types.Debit, Amount: 5, Spent: []types.OutputPointer{ptr(9, 0)}})
	require.ErrorIs(t, err, ErrUnknownOutput)

	u := types.Utxo{Pointer: ptr(3, 0), Output: types.Output{Amount: 1}}
	require.NoError(t, s.UtxoSet.Create(u))
	require.ErrorIs(t, s.UtxoSet.Create(u), ErrDuplicateOutput)
}

func TestCloneIsDeep(t *testing.T) {
	s := newTestLedger(t)
	require.NoError(t, s.UtxoSet.Create(types.Utxo{Pointer: ptr(1, 0), Output: types.Output{Amount: 5}}))
	s.Addresses["a"] = types.AddressInfo{Address: "a", ReceivedPayments: 1}
	s.AppendBlock(types.CheckpointBeacon{Epoch: 1}, 0)

	c := s.Clone()
	c.UtxoSet[ptr(2, 0)] = types.Output{Amount: 7}
	c.Addresses["b"] = types.AddressInfo{Address: "b"}
	c.Blocks[0].Epoch = 99
	c.AvailableAccounts[0] = 42

	require.Len(t, s.UtxoSet, 1)
	require.Len(t, s.Addresses, 1)
	require.Equal(t, uint32(1), s.Blocks[0].Epoch)
	require.Equal(t, uint32(0), s.AvailableAccounts[0])
}

func TestAllocateIndexIsMonotonic(t *testing.T) {
	s := newTestLedger(t)
	seen := map[uint32]bool{}
	prev := s.NextExternalIndex
	for i := 0; i < 100; i++ {
		idx, err := s.AllocateIndex(types.External)
		require.NoError(t, err)
		require.False(t, seen[idx], "index %d issued twice", idx)
		seen[idx] = true
		require.GreaterOrEqual(t, s.NextExternalIndex, prev)
		prev = s.NextExternalIndex

		// Observing an old index must never move the counter back.
		s.ObserveIndex(types.External, idx/2)
		require.Equal(t, prev, s.NextExternalIndex)
	}
	require.Zero(t, s.NextInternalIndex)
}

func TestObserveIndexJumpsAhead(t *testing.T) {
	s := newTestLedger(t)
	s.ObserveIndex(types.Internal, 9)
	require.Equal(t, uint32(10), s.NextInternalIndex)

	idx, err := s.AllocateIndex(types.Internal)
	require.NoError(t, err)
	require.Equal(t, uint32(10), idx)
}

func TestAllocateIndexExhausted(t *testing.T) {
	s := newTestLedger(t)
	s.ObserveIndex(types.External, math.MaxUint32)
	_, err := s.AllocateIndex(types.External)
	require.ErrorIs(t, err, ErrIndexExhausted)
}

func TestMergeAddressInfo(t *testing.T) {
	s := newTestLedger(t)
	s.MergeAddressInfo(types.AddressInfo{Keychain: types.External, Index: 4, Address: "a", ReceivedPayments: 1, ReceivedAmount: 10, FirstEpoch: 5, LastEpoch: 5})
	s.MergeAddressInfo(types.AddressInfo{Keychain: types.External, Index: 4, Address: "a", ReceivedPayments: 2, ReceivedAmount: 5, FirstEpoch: 7, LastEpoch: 7})

	got := s.Addresses["a"]
	require.Equal(t, uint32(3), got.ReceivedPayments)
	require.Equal(t, uint64(15), got.ReceivedAmount)
	require.Equal(t, uint32(5), got.FirstEpoch)
	require.Equal(t, uint32(7), got.LastEpoch)
	require.Equal(t, uint32(5), s.NextExternalIndex)
}

func TestAppendBlockBounded(t *testing.T) {
	s := newTestLedger(t)
	for e := uint32(1); e <= 10; e++ {
		s.AppendBlock(types.CheckpointBeacon{Epoch: e}, 3)
	}
	require.Len(t, s.Blocks, 3)
	require.Equal(t, uint32(8), s.Blocks[0].Epoch)
	require.Equal(t, uint32(10), s.Blocks[2].Epoch)
}

func TestAddressLabels(t *testing.T) {
	s := newTestLedger(t)
	a, err := s.NewAddress(types.External)
	require.NoError(t, err)
	b, err := s.NewAddress(types.External)
	require.NoError(t, err)
	c, err := s.NewAddress(types.Internal)
	require.NoError(t, err)

	require.NotEqual(t, a.Address, b.Address)
	require.NotEqual(t, a.Address, c.Address)
	require.True(t, ValidAddressLabel(a.Address))
	require.Equal(t, AddressLabel(s.Keychains[types.External], 0), a.Address)
	require.Len(t, s.Addresses, 3)

	require.False(t, ValidAddressLabel("notalabel"))
}

func TestUtxoSorted(t *testing.T) {
	set := UtxoSet{
		ptr(2, 0): {Amount: 1},
		ptr(1, 3): {Amount: 2},
		ptr(1, 1): {Amount: 3},
	}
	sorted := set.Sorted()
	require.Equal(t, ptr(1, 1), sorted[0].Pointer)
	require.Equal(t, ptr(1, 3), sorted[1].Pointer)
	require.Equal(t, ptr(2, 0), sorted[2].Pointer)
}
