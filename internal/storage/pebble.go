package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// PebbleStore is the default LedgerStore, backed by a pebble database.
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
}

// OpenPebble opens or creates a pebble database in dir.
func OpenPebble(dir string, logger *zap.Logger) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("storage: pebble needs a directory")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("ledger store opened", zap.String("backend", BackendPebble), zap.String("dir", dir))
	return &PebbleStore{db: db, logger: logger}, nil
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: pebble get: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *PebbleStore) LoadLedger(account uint32) (*ledger.LedgerState, error) {
	data, err := s.get(ledgerKey(account))
	if err != nil {
		return nil, err
	}
	return decodeLedger(data)
}

func (s *PebbleStore) ConfirmedBlock(account, epoch uint32) (types.CheckpointBeacon, error) {
	data, err := s.get(blockKey(account, epoch))
	if err != nil {
		return types.CheckpointBeacon{}, err
	}
	return decodeBeacon(data)
}

func (s *PebbleStore) NewBatch() (Batch, error) {
	return &pebbleBatch{batch: s.db.NewBatch()}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pebbleBatch struct {
	batch  *pebble.Batch
	closed bool
}

func (b *pebbleBatch) PutLedger(state *ledger.LedgerState) error {
	if b.closed {
		return ErrClosed
	}
	data, err := encodeLedger(state)
	if err != nil {
		return err
	}
	return b.batch.Set(ledgerKey(state.Account), data, nil)
}

func (b *pebbleBatch) PutBlock(account uint32, beacon types.CheckpointBeacon) error {
	if b.closed {
		return ErrClosed
	}
	data, err := encodeBeacon(beacon)
	if err != nil {
		return err
	}
	return b.batch.Set(blockKey(account, beacon.Epoch), data, nil)
}

func (b *pebbleBatch) Commit() error {
	if b.closed {
		return ErrClosed
	}
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("storage: pebble commit: %w", err)
	}
	return nil
}

func (b *pebbleBatch) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.batch.Close()
}
