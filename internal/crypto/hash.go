package crypto

import (
	"golang.org/x/crypto/sha3"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// Hash computes the SHA3-256 hash of data.
func Hash(data []byte) types.Hash {
	return sha3.Sum256(data)
}

// ComputeMerkleRoot computes a binary Merkle tree root from a list of hashes.
// Uses a simple iterative pairing approach. If the number of hashes at any
// level is odd, the last hash is duplicated. The input is not modified.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.ZeroHash
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := append([]types.Hash(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			var combined [64]byte
			copy(combined[:32], level[i][:])
			copy(combined[32:], level[i+1][:])
			next = append(next, Hash(combined[:]))
		}
		level = next
	}
	return level[0]
}
