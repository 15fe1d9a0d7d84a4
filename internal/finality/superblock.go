// Package finality turns superblock notifications into wallet confirmations.
package finality

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/echenim/Bedrock/walletd/internal/crypto"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

var (
	// ErrUnsigned is returned when authorities are configured and a
	// superblock carries no signature.
	ErrUnsigned = errors.New("finality: superblock is not signed")
	// ErrBadSignature is returned for a signature that does not verify
	// against any configured authority.
	ErrBadSignature = errors.New("finality: invalid superblock signature")
)

// Superblock is a finality signal: every block up to Confirmed whose key is
// listed in BlockKeys is canonical.
type Superblock struct {
	Index     uint32                 `json:"index"`
	Confirmed types.CheckpointBeacon `json:"confirmed"`
	BlockKeys []types.BlockKey       `json:"block_keys"`

	Signer    []byte `json:"signer,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// SigningHash commits to the index, the confirmed beacon and the Merkle
// root of the block keys.
func (s Superblock) SigningHash() types.Hash {
	buf := make([]byte, 0, 8+2*types.HashSize)
	buf = binary.BigEndian.AppendUint32(buf, s.Index)
	buf = binary.BigEndian.AppendUint32(buf, s.Confirmed.Epoch)
	buf = append(buf, s.Confirmed.BlockHash[:]...)
	root := crypto.ComputeMerkleRoot(s.BlockKeys)
	buf = append(buf, root[:]...)
	return crypto.Hash(buf)
}

// Sign sets Signer and Signature using privKey.
func (s *Superblock) Sign(privKey crypto.PrivateKey) {
	h := s.SigningHash()
	s.Signer = []byte(privKey.Public().(crypto.PublicKey))
	s.Signature = crypto.Sign(privKey, h[:])
}

// VerifySignature checks that the superblock was signed by one of
// authorities. With no authorities configured every superblock passes.
func (s Superblock) VerifySignature(authorities []crypto.PublicKey) error {
	if len(authorities) == 0 {
		return nil
	}
	if len(s.Signature) == 0 {
		return ErrUnsigned
	}
	h := s.SigningHash()
	for _, a := range authorities {
		if bytes.Equal(a, s.Signer) && crypto.Verify(a, h[:], s.Signature) {
			return nil
		}
	}
	return fmt.Errorf("%w: superblock %d", ErrBadSignature, s.Index)
}

// Encode serialises the superblock for gossip.
func (s Superblock) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses and sanity-checks a gossiped superblock.
func Decode(data []byte) (Superblock, error) {
	var s Superblock
	if err := json.Unmarshal(data, &s); err != nil {
		return Superblock{}, fmt.Errorf("finality: decode superblock: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Superblock{}, err
	}
	return s, nil
}

// Validate checks the fields that decoding alone cannot.
func (s Superblock) Validate() error {
	if s.Confirmed.BlockHash.IsZero() {
		return errors.New("finality: superblock confirms an empty hash")
	}
	seen := make(map[types.BlockKey]struct{}, len(s.BlockKeys))
	for _, k := range s.BlockKeys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("finality: superblock %d lists block %s twice", s.Index, k.Short())
		}
		seen[k] = struct{}{}
	}
	return nil
}
