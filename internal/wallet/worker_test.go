package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/reconcile"
	"github.com/echenim/Bedrock/walletd/internal/storage"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// flakyStore fails every batch commit while failing is set.
type flakyStore struct {
	storage.LedgerStore
	mu      sync.Mutex
	failing bool
	commits int
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *flakyStore) NewBatch() (storage.Batch, error) {
	b, err := s.LedgerStore.NewBatch()
	if err != nil {
		return nil, err
	}
	return &flakyBatch{Batch: b, store: s}, nil
}

type flakyBatch struct {
	storage.Batch
	store *flakyStore
}

func (b *flakyBatch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.failing {
		return errors.New("disk full")
	}
	b.store.commits++
	return b.Batch.Commit()
}

func testConfig() Config {
	return Config{
		Params: ledger.Params{
			Account:      0,
			ExternalRoot: "ext",
			InternalRoot: "int",
			Genesis:      types.CheckpointBeacon{Epoch: 0, BlockHash: types.Hash{0xee}},
		},
		Reconcile: reconcile.Config{HistoryLimit: 16},
	}
}

func startWorker(t *testing.T, store storage.LedgerStore) *Worker {
	t.Helper()
	w, err := Open(testConfig(), store, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Stop() })
	return w
}

func block(epoch uint32, fork byte, credit uint64) types.BlockUpdate {
	h := types.Hash{fork, byte(epoch), 0x77}
	u := types.BlockUpdate{Key: h, Beacon: types.CheckpointBeacon{Epoch: epoch, BlockHash: h}}
	if credit > 0 {
		u.Movements = []types.BalanceMovement{{
			TxHash:  types.Hash{fork, byte(epoch), 0x01},
			Kind:    types.Credit,
			Amount:  credit,
			Created: []types.Utxo{{Pointer: types.OutputPointer{TxHash: types.Hash{fork, byte(epoch), 0x01}}, Output: types.Output{Amount: credit}}},
		}}
	}
	return u
}

func TestOpenCreatesAndPersistsLedger(t *testing.T) {
	store := storage.NewMemoryStore()
	w := startWorker(t, store)
	require.Zero(t, w.View().Balance())

	saved, err := store.LoadLedger(0)
	require.NoError(t, err)
	require.Equal(t, testConfig().Params.Genesis, saved.LastConfirmed)
}

func TestConfirmPersistsAndRestartKeepsConfirmedOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	w := startWorker(t, store)

	require.NoError(t, w.ApplyBlock(ctx, block(1, 1, 10)))
	require.NoError(t, w.ApplyBlock(ctx, block(2, 1, 20)))
	require.NoError(t, w.ApplyBlock(ctx, block(3, 1, 30)))

	res, err := w.Confirm(ctx, block(2, 1, 0).Beacon, []types.BlockKey{block(1, 1, 0).Key, block(2, 1, 0).Key})
	require.NoError(t, err)
	require.Len(t, res.Committed, 2)
	require.Equal(t, uint64(60), w.View().Balance())

	confirmed, err := store.ConfirmedBlock(0, 2)
	require.NoError(t, err)
	require.Equal(t, block(2, 1, 0).Beacon, confirmed)
	require.NoError(t, w.Stop())

	// Restart: the pending block at epoch 3 is gone and must be re-synced.
	restarted := startWorker(t, store)
	v := restarted.View()
	require.Equal(t, uint64(30), v.Balance())
	require.Empty(t, v.Pending)
	require.Equal(t, uint32(2), restarted.LastSync().Epoch)
	require.NoError(t, restarted.ApplyBlock(ctx, block(3, 1, 30)))
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	store := &flakyStore{LedgerStore: storage.NewMemoryStore()}
	ctx := context.Background()
	w := startWorker(t, store)

	require.NoError(t, w.ApplyBlock(ctx, block(1, 1, 5)))
	store.setFailing(true)
	res, err := w.Confirm(ctx, block(1, 1, 0).Beacon, []types.BlockKey{block(1, 1, 0).Key})
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, uint64(5), w.View().ConfirmedBalance())

	saved, err := store.LoadLedger(0)
	require.NoError(t, err)
	require.Zero(t, saved.Balance, "failed batch must not be partially written")

	store.setFailing(false)
	require.NoError(t, w.ApplyBlock(ctx, block(2, 1, 1)))
	_, err = w.Confirm(ctx, block(2, 1, 0).Beacon, []types.BlockKey{block(2, 1, 0).Key})
	require.NoError(t, err)
	saved, err = store.LoadLedger(0)
	require.NoError(t, err)
	require.Equal(t, uint64(6), saved.Balance)
}

func TestRegressionIsPublishedOnFatal(t *testing.T) {
	ctx := context.Background()
	w := startWorker(t, storage.NewMemoryStore())
	require.NoError(t, w.ApplyBlock(ctx, block(1, 1, 0)))
	require.NoError(t, w.ApplyBlock(ctx, block(2, 1, 0)))
	_, err := w.Confirm(ctx, block(2, 1, 0).Beacon, []types.BlockKey{block(1, 1, 0).Key, block(2, 1, 0).Key})
	require.NoError(t, err)

	_, err = w.Confirm(ctx, block(1, 1, 0).Beacon, nil)
	var regression *reconcile.FinalityRegressionError
	require.ErrorAs(t, err, &regression)

	select {
	case fatal := <-w.Fatal():
		require.ErrorAs(t, fatal, &regression)
	case <-time.After(time.Second):
		t.Fatal("expected fatal error")
	}
	require.ErrorIs(t, w.ApplyBlock(ctx, block(3, 1, 0)), reconcile.ErrHalted)
	require.True(t, w.View().Halted)
}

func TestAllocateAddressConcurrentCallersGetUniqueIndices(t *testing.T) {
	store := storage.NewMemoryStore()
	w := startWorker(t, store)

	var mu sync.Mutex
	seen := map[uint32]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := w.AllocateAddress(context.Background(), types.External)
			if err != nil {
				t.Errorf("AllocateAddress: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[info.Index] {
				t.Errorf("index %d issued twice", info.Index)
			}
			seen[info.Index] = true
		}()
	}
	wg.Wait()
	require.Len(t, seen, 20)

	saved, err := store.LoadLedger(0)
	require.NoError(t, err)
	require.Equal(t, uint32(20), saved.NextExternalIndex, "allocated indices survive a restart")
}

func TestCommandsAfterStop(t *testing.T) {
	w, err := Open(testConfig(), storage.NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())

	err = w.ApplyBlock(context.Background(), block(1, 1, 0))
	require.ErrorIs(t, err, ErrStopped)
}

func TestCommandHonoursContext(t *testing.T) {
	w, err := Open(testConfig(), storage.NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	// Not started: the command is queued but never runs.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = w.ApplyBlock(ctx, block(1, 1, 0))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoopConfirmRetriesFailedPersist(t *testing.T) {
	store := &flakyStore{LedgerStore: storage.NewMemoryStore()}
	ctx := context.Background()
	w := startWorker(t, store)

	require.NoError(t, w.ApplyBlock(ctx, block(1, 1, 5)))
	store.setFailing(true)
	_, err := w.Confirm(ctx, block(1, 1, 0).Beacon, []types.BlockKey{block(1, 1, 0).Key})
	require.Error(t, err)

	// Repeating the same signal changes nothing in memory but must still
	// bring the store up to date.
	store.setFailing(false)
	res, err := w.Confirm(ctx, block(1, 1, 0).Beacon, []types.BlockKey{block(1, 1, 0).Key})
	require.NoError(t, err)
	require.False(t, res.Changed)

	saved, err := store.LoadLedger(0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), saved.Balance)
	confirmed, err := store.ConfirmedBlock(0, 1)
	require.NoError(t, err)
	require.Equal(t, block(1, 1, 0).Beacon, confirmed)
}

func TestFinalizedBlockPersistedOnArrival(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	w := startWorker(t, store)

	require.NoError(t, w.ApplyBlock(ctx, block(1, 1, 5)))
	res, err := w.Confirm(ctx, block(2, 1, 0).Beacon, []types.BlockKey{block(1, 1, 0).Key, block(2, 1, 0).Key})
	require.NoError(t, err)
	require.True(t, res.Resync)
	require.Equal(t, uint32(1), w.LastConfirmed().Epoch)

	require.NoError(t, w.ApplyBlock(ctx, block(2, 1, 7)))
	require.Equal(t, block(2, 1, 0).Beacon, w.LastConfirmed())
	require.Empty(t, w.View().Pending)

	saved, err := store.LoadLedger(0)
	require.NoError(t, err)
	require.Equal(t, uint64(12), saved.Balance)
	require.Equal(t, uint32(2), saved.LastConfirmed.Epoch)
}
