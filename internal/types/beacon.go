package types

import (
	"fmt"
	"strconv"
	"strings"
)

// CheckpointBeacon identifies a unique point in the chain.
//
// Beacons are ordered by epoch. Two beacons with the same epoch but
// different hashes describe a fork at that epoch.
type CheckpointBeacon struct {
	Epoch     uint32 `json:"epoch"`
	BlockHash Hash   `json:"block_hash"`
}

// String renders the beacon as "epoch:hash".
func (b CheckpointBeacon) String() string {
	return strconv.FormatUint(uint64(b.Epoch), 10) + ":" + b.BlockHash.String()
}

// Less reports whether b is strictly before other. Equal epochs fall back
// to hash order so that sorting is total.
func (b CheckpointBeacon) Less(other CheckpointBeacon) bool {
	if b.Epoch != other.Epoch {
		return b.Epoch < other.Epoch
	}
	return b.BlockHash.Compare(other.BlockHash) < 0
}

// ForksFrom reports whether b and other claim different blocks for the
// same epoch.
func (b CheckpointBeacon) ForksFrom(other CheckpointBeacon) bool {
	return b.Epoch == other.Epoch && b.BlockHash != other.BlockHash
}

// ParseBeacon parses the "epoch:hash" form produced by String.
func ParseBeacon(s string) (CheckpointBeacon, error) {
	epochPart, hashPart, ok := strings.Cut(s, ":")
	if !ok {
		return CheckpointBeacon{}, fmt.Errorf("invalid beacon %q: want epoch:hash", s)
	}
	epoch, err := strconv.ParseUint(epochPart, 10, 32)
	if err != nil {
		return CheckpointBeacon{}, fmt.Errorf("invalid beacon epoch %q: %w", epochPart, err)
	}
	hash, err := HashFromHex(hashPart)
	if err != nil {
		return CheckpointBeacon{}, fmt.Errorf("invalid beacon hash: %w", err)
	}
	return CheckpointBeacon{Epoch: uint32(epoch), BlockHash: hash}, nil
}
