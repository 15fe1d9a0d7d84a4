package storage

import (
	"sync"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// MemoryStore keeps ledgers in memory. Values are stored encoded so that
// callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) LoadLedger(account uint32) (*ledger.LedgerState, error) {
	data, err := s.get(ledgerKey(account))
	if err != nil {
		return nil, err
	}
	return decodeLedger(data)
}

func (s *MemoryStore) ConfirmedBlock(account, epoch uint32) (types.CheckpointBeacon, error) {
	data, err := s.get(blockKey(account, epoch))
	if err != nil {
		return types.CheckpointBeacon{}, err
	}
	return decodeBeacon(data)
}

func (s *MemoryStore) NewBatch() (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &memoryBatch{store: s, writes: make(map[string][]byte)}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryBatch struct {
	store  *MemoryStore
	writes map[string][]byte
	done   bool
}

func (b *memoryBatch) PutLedger(state *ledger.LedgerState) error {
	if b.done {
		return ErrClosed
	}
	data, err := encodeLedger(state)
	if err != nil {
		return err
	}
	b.writes[string(ledgerKey(state.Account))] = data
	return nil
}

func (b *memoryBatch) PutBlock(account uint32, beacon types.CheckpointBeacon) error {
	if b.done {
		return ErrClosed
	}
	data, err := encodeBeacon(beacon)
	if err != nil {
		return err
	}
	b.writes[string(blockKey(account, beacon.Epoch))] = data
	return nil
}

func (b *memoryBatch) Commit() error {
	if b.done {
		return ErrClosed
	}
	b.done = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.closed {
		return ErrClosed
	}
	for k, v := range b.writes {
		b.store.data[k] = v
	}
	return nil
}

func (b *memoryBatch) Close() error {
	b.done = true
	b.writes = nil
	return nil
}
