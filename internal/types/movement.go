package types

import (
	"fmt"
	"strconv"
	"strings"
)

// OutputPointer references a transaction output.
type OutputPointer struct {
	TxHash Hash   `json:"tx_hash"`
	Index  uint32 `json:"index"`
}

// String renders the pointer as "txhash:index".
func (p OutputPointer) String() string {
	return p.TxHash.String() + ":" + strconv.FormatUint(uint64(p.Index), 10)
}

// MarshalText lets OutputPointer be used as a JSON map key.
func (p OutputPointer) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OutputPointer) UnmarshalText(text []byte) error {
	hashPart, indexPart, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("invalid output pointer %q", text)
	}
	hash, err := HashFromHex(hashPart)
	if err != nil {
		return fmt.Errorf("invalid output pointer hash: %w", err)
	}
	index, err := strconv.ParseUint(indexPart, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid output pointer index: %w", err)
	}
	p.TxHash = hash
	p.Index = uint32(index)
	return nil
}

// Output is the wallet-relevant data of an unspent output.
type Output struct {
	Amount   uint64 `json:"amount"`
	Address  string `json:"address"`
	TimeLock uint64 `json:"time_lock,omitempty"`
}

// Utxo pairs an output with its pointer.
type Utxo struct {
	Pointer OutputPointer `json:"pointer"`
	Output  Output        `json:"output"`
}

// MovementKind tells whether a movement adds to or removes from the balance.
type MovementKind uint8

const (
	Credit MovementKind = iota
	Debit
)

func (k MovementKind) String() string {
	switch k {
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	default:
		return "unknown"
	}
}

// BalanceMovement is one credit or debit produced by a block, together with
// the UTXO creations and spends that back it.
type BalanceMovement struct {
	TxHash    Hash            `json:"tx_hash"`
	Kind      MovementKind    `json:"kind"`
	Amount    uint64          `json:"amount"`
	Created   []Utxo          `json:"created,omitempty"`
	Spent     []OutputPointer `json:"spent,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Delta returns the signed balance change of the movement.
func (m BalanceMovement) Delta() int64 {
	if m.Kind == Debit {
		return -int64(m.Amount)
	}
	return int64(m.Amount)
}

// KeychainKind selects the external (receive) or internal (change) chain.
type KeychainKind uint8

const (
	External KeychainKind = iota
	Internal
)

func (k KeychainKind) String() string {
	switch k {
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// AddressInfo describes usage of a derived address. In a block update it is
// a delta; in the ledger it is the accumulated record.
type AddressInfo struct {
	Keychain         KeychainKind `json:"keychain"`
	Index            uint32       `json:"index"`
	Address          string       `json:"address"`
	ReceivedPayments uint32       `json:"received_payments"`
	ReceivedAmount   uint64       `json:"received_amount"`
	FirstEpoch       uint32       `json:"first_epoch,omitempty"`
	LastEpoch        uint32       `json:"last_epoch,omitempty"`
}

// Merge folds a delta into the accumulated record: counters add up and the
// epoch window widens.
func (a AddressInfo) Merge(delta AddressInfo) AddressInfo {
	out := a
	if out.Address == "" {
		out.Address = delta.Address
		out.Keychain = delta.Keychain
		out.Index = delta.Index
	}
	out.ReceivedPayments += delta.ReceivedPayments
	out.ReceivedAmount += delta.ReceivedAmount
	if delta.FirstEpoch != 0 && (out.FirstEpoch == 0 || delta.FirstEpoch < out.FirstEpoch) {
		out.FirstEpoch = delta.FirstEpoch
	}
	if delta.LastEpoch > out.LastEpoch {
		out.LastEpoch = delta.LastEpoch
	}
	return out
}

// BlockUpdate carries everything one validated block contributes to a
// wallet account.
type BlockUpdate struct {
	Key          BlockKey          `json:"key"`
	Beacon       CheckpointBeacon  `json:"beacon"`
	PrevHash     Hash              `json:"prev_hash"`
	Movements    []BalanceMovement `json:"movements,omitempty"`
	AddressInfos []AddressInfo     `json:"address_infos,omitempty"`
}
