package ledger

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/sha3"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

const addressTag = "walletd_address_label"

// AddressLabel returns the bookkeeping label for a derivation slot:
// base58(payload20 || checksum4), where payload is a SHA3-256 digest of the
// keychain root, the chain and the index. It identifies the slot in the
// ledger; it is not a spendable chain address.
func AddressLabel(kc Keychain, index uint32) string {
	buf := make([]byte, 0, len(addressTag)+len(kc.Root)+5)
	buf = append(buf, addressTag...)
	buf = append(buf, kc.Root...)
	buf = append(buf, byte(kc.Kind))
	buf = binary.BigEndian.AppendUint32(buf, index)
	digest := sha3.Sum256(buf)

	payload := digest[:20]
	sum := sha3.Sum256(payload)
	combined := make([]byte, 0, 24)
	combined = append(combined, payload...)
	combined = append(combined, sum[:4]...)
	return base58.Encode(combined)
}

// ValidAddressLabel checks the checksum of a label produced by AddressLabel.
func ValidAddressLabel(label string) bool {
	decoded := base58.Decode(label)
	if len(decoded) != 24 {
		return false
	}
	sum := sha3.Sum256(decoded[:20])
	for i := 0; i < 4; i++ {
		if decoded[20+i] != sum[i] {
			return false
		}
	}
	return true
}

// NewAddress allocates the next index of a keychain and records an unused
// address entry for it.
func (s *LedgerState) NewAddress(kind types.KeychainKind) (types.AddressInfo, error) {
	idx, err := s.AllocateIndex(kind)
	if err != nil {
		return types.AddressInfo{}, err
	}
	info := types.AddressInfo{
		Keychain: kind,
		Index:    idx,
		Address:  AddressLabel(s.Keychains[kind], idx),
	}
	if _, ok := s.Addresses[info.Address]; !ok {
		s.Addresses[info.Address] = info
	}
	return info, nil
}
