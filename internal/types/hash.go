package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a Hash in bytes.
const HashSize = 32

// Hash is a 32-byte block or transaction hash.
type Hash [HashSize]byte

// BlockKey identifies the block that produced a set of pending wallet
// updates. It is the block hash.
type BlockKey = Hash

// ZeroHash is the zero-value hash.
var ZeroHash Hash

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool { return h == ZeroHash }

// String returns the hex-encoded hash.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// Compare orders hashes lexicographically by byte value.
func (h Hash) Compare(other Hash) int { return bytes.Compare(h[:], other[:]) }

// MarshalText implements encoding.TextMarshaler so hashes encode as hex in
// JSON and TOML, including as map keys.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromBytes creates a Hash from a byte slice, returning an error if
// the slice is not exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return ZeroHash, fmt.Errorf("invalid hash length: got %d, want %d", len(b), HashSize)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// HashFromHex decodes a hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("invalid hex: %w", err)
	}
	return HashFromBytes(b)
}
