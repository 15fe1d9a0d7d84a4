package ledger

import (
	"fmt"
	"math"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// AllocateIndex hands out the next derivation index of a keychain. Indices
// are never reused: the counter only moves forward, and it is persisted with
// the rest of the ledger.
func (s *LedgerState) AllocateIndex(kind types.KeychainKind) (uint32, error) {
	next, err := s.nextIndex(kind)
	if err != nil {
		return 0, err
	}
	if *next == math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s keychain", ErrIndexExhausted, kind)
	}
	idx := *next
	*next++
	return idx, nil
}

// ObserveIndex moves the counter past an index seen on chain, so that an
// address used by another instance of the same wallet is not handed out
// again. Lower indices leave the counter untouched.
func (s *LedgerState) ObserveIndex(kind types.KeychainKind, index uint32) {
	next, err := s.nextIndex(kind)
	if err != nil {
		return
	}
	if index >= *next {
		if index == math.MaxUint32 {
			*next = math.MaxUint32
			return
		}
		*next = index + 1
	}
}

// NextIndex reports the next index a keychain would hand out.
func (s *LedgerState) NextIndex(kind types.KeychainKind) uint32 {
	if kind == types.Internal {
		return s.NextInternalIndex
	}
	return s.NextExternalIndex
}

func (s *LedgerState) nextIndex(kind types.KeychainKind) (*uint32, error) {
	switch kind {
	case types.External:
		return &s.NextExternalIndex, nil
	case types.Internal:
		return &s.NextInternalIndex, nil
	default:
		return nil, fmt.Errorf("ledger: unknown keychain %d", kind)
	}
}
