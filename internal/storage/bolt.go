package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// BoltDBFilename is the database file created inside the data directory.
const BoltDBFilename = "ledger.db"

var bucketWallet = []byte("wallet")

// BoltStore is a LedgerStore backed by a single bbolt file.
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBolt opens or creates the bolt database in dir.
func OpenBolt(dir string, logger *zap.Logger) (*BoltStore, error) {
	if dir == "" {
		return nil, errors.New("storage: bolt needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data directory: %w", err)
	}
	path := filepath.Join(dir, BoltDBFilename)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWallet)
		return err
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("storage: create bucket: %w (additionally failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("storage: create bucket: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("ledger store opened", zap.String("backend", BackendBolt), zap.String("path", path))
	return &BoltStore{db: db, logger: logger}, nil
}

func (s *BoltStore) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWallet).Get(key)
		if data == nil {
			return ErrNotFound
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	return out, err
}

func (s *BoltStore) LoadLedger(account uint32) (*ledger.LedgerState, error) {
	data, err := s.get(ledgerKey(account))
	if err != nil {
		return nil, err
	}
	return decodeLedger(data)
}

func (s *BoltStore) ConfirmedBlock(account, epoch uint32) (types.CheckpointBeacon, error) {
	data, err := s.get(blockKey(account, epoch))
	if err != nil {
		return types.CheckpointBeacon{}, err
	}
	return decodeBeacon(data)
}

// NewBatch opens a write transaction. bbolt allows one writer at a time, so
// the batch must be closed promptly.
func (s *BoltStore) NewBatch() (Batch, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("storage: begin bolt tx: %w", err)
	}
	return &boltBatch{tx: tx}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltBatch struct {
	tx   *bolt.Tx
	done bool
}

func (b *boltBatch) PutLedger(state *ledger.LedgerState) error {
	if b.done {
		return ErrClosed
	}
	data, err := encodeLedger(state)
	if err != nil {
		return err
	}
	return b.tx.Bucket(bucketWallet).Put(ledgerKey(state.Account), data)
}

func (b *boltBatch) PutBlock(account uint32, beacon types.CheckpointBeacon) error {
	if b.done {
		return ErrClosed
	}
	data, err := encodeBeacon(beacon)
	if err != nil {
		return err
	}
	return b.tx.Bucket(bucketWallet).Put(blockKey(account, beacon.Epoch), data)
}

func (b *boltBatch) Commit() error {
	if b.done {
		return ErrClosed
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("storage: bolt commit: %w", err)
	}
	return nil
}

func (b *boltBatch) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.tx.Rollback()
}
