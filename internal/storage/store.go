// Package storage persists confirmed wallet ledgers. Pending state is never
// written: after a restart the overlay is rebuilt by re-syncing blocks above
// the last confirmed beacon.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("storage: not found")
	// ErrClosed is returned when a store or batch is used after Close.
	ErrClosed = errors.New("storage: closed")
)

// Backend names accepted by Open.
const (
	BackendPebble = "pebble"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// LedgerStore reads and writes confirmed ledgers.
type LedgerStore interface {
	// LoadLedger returns the last saved ledger of an account, or
	// ErrNotFound.
	LoadLedger(account uint32) (*ledger.LedgerState, error)
	// ConfirmedBlock returns the confirmed beacon recorded for an epoch.
	ConfirmedBlock(account, epoch uint32) (types.CheckpointBeacon, error)
	// NewBatch starts an atomic write. The caller must Close it.
	NewBatch() (Batch, error)
	Close() error
}

// Batch is a scoped, atomic write. Close releases it and discards anything
// not committed; it is safe to call after Commit.
type Batch interface {
	PutLedger(state *ledger.LedgerState) error
	PutBlock(account uint32, beacon types.CheckpointBeacon) error
	Commit() error
	Close() error
}

// Open opens a store of the named backend. dir is ignored by the memory
// backend.
func Open(backend, dir string, logger *zap.Logger) (LedgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch backend {
	case BackendPebble, "":
		s, err := OpenPebble(dir, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBolt:
		s, err := OpenBolt(dir, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// SaveLedger writes a ledger and the beacons it just confirmed in one
// batch. The batch is released on every path.
func SaveLedger(store LedgerStore, state *ledger.LedgerState, committed []types.CheckpointBeacon) (err error) {
	b, err := store.NewBatch()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := b.PutLedger(state); err != nil {
		return err
	}
	for _, beacon := range committed {
		if err := b.PutBlock(state.Account, beacon); err != nil {
			return err
		}
	}
	return b.Commit()
}

var (
	prefixLedger = []byte("ledger/")
	prefixBlock  = []byte("block/")
)

func ledgerKey(account uint32) []byte {
	key := make([]byte, 0, len(prefixLedger)+4)
	key = append(key, prefixLedger...)
	return binary.BigEndian.AppendUint32(key, account)
}

func blockKey(account, epoch uint32) []byte {
	key := make([]byte, 0, len(prefixBlock)+8)
	key = append(key, prefixBlock...)
	key = binary.BigEndian.AppendUint32(key, account)
	return binary.BigEndian.AppendUint32(key, epoch)
}
