// Package ledger holds the confirmed, durable state of one wallet account.
// It is only mutated by the reconciliation engine when a finality signal
// commits pending blocks.
package ledger

import (
	"errors"
	"fmt"
	"slices"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

var (
	// ErrBalanceUnderflow is returned when a debit exceeds the confirmed balance.
	ErrBalanceUnderflow = errors.New("ledger: balance underflow")
	// ErrIndexExhausted is returned when a keychain has no indices left.
	ErrIndexExhausted = errors.New("ledger: derivation index exhausted")
	// ErrUnknownOutput is returned when a movement spends an output that is
	// not in the UTXO set.
	ErrUnknownOutput = errors.New("ledger: unknown output")
	// ErrDuplicateOutput is returned when a movement creates an output that
	// already exists.
	ErrDuplicateOutput = errors.New("ledger: duplicate output")
)

// Keychain is one derivation root of the account. Root holds the serialized
// extended key; derivation arithmetic happens outside this service.
type Keychain struct {
	Kind types.KeychainKind `json:"kind"`
	Root string             `json:"root"`
}

// LedgerState is the confirmed wallet state of one account.
type LedgerState struct {
	Name              string                       `json:"name,omitempty"`
	Caption           string                       `json:"caption,omitempty"`
	Account           uint32                       `json:"account"`
	AvailableAccounts []uint32                     `json:"available_accounts"`
	Keychains         [2]Keychain                  `json:"keychains"`
	NextExternalIndex uint32                       `json:"next_external_index"`
	NextInternalIndex uint32                       `json:"next_internal_index"`
	Balance           uint64                       `json:"balance"`
	TransactionNextID uint32                       `json:"transaction_next_id"`
	UtxoSet           UtxoSet                      `json:"utxo_set"`
	Addresses         map[string]types.AddressInfo `json:"addresses"`
	Blocks            []types.CheckpointBeacon     `json:"blocks,omitempty"`
	LastConfirmed     types.CheckpointBeacon       `json:"last_confirmed"`
}

// Params describes a new account ledger.
type Params struct {
	Name              string
	Caption           string
	Account           uint32
	AvailableAccounts []uint32
	ExternalRoot      string
	InternalRoot      string
	Genesis           types.CheckpointBeacon
}

// New creates an empty ledger for an account. The account must be one of
// the available accounts; when none are listed the account alone is used.
func New(p Params) (*LedgerState, error) {
	available := slices.Clone(p.AvailableAccounts)
	if len(available) == 0 {
		available = []uint32{p.Account}
	}
	s := &LedgerState{
		Name:              p.Name,
		Caption:           p.Caption,
		Account:           p.Account,
		AvailableAccounts: available,
		Keychains: [2]Keychain{
			{Kind: types.External, Root: p.ExternalRoot},
			{Kind: types.Internal, Root: p.InternalRoot},
		},
		UtxoSet:       make(UtxoSet),
		Addresses:     make(map[string]types.AddressInfo),
		LastConfirmed: p.Genesis,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks structural invariants of the ledger.
func (s *LedgerState) Validate() error {
	if !slices.Contains(s.AvailableAccounts, s.Account) {
		return fmt.Errorf("ledger: account %d not in available accounts %v", s.Account, s.AvailableAccounts)
	}
	if s.Keychains[0].Kind != types.External || s.Keychains[1].Kind != types.Internal {
		return errors.New("ledger: keychains must be ordered external, internal")
	}
	var total uint64
	for p, out := range s.UtxoSet {
		if total+out.Amount < total {
			return fmt.Errorf("ledger: utxo %s overflows balance", p)
		}
		total += out.Amount
	}
	return nil
}

// Clone returns a deep copy.
func (s *LedgerState) Clone() *LedgerState {
	c := *s
	c.AvailableAccounts = slices.Clone(s.AvailableAccounts)
	c.UtxoSet = s.UtxoSet.Clone()
	c.Addresses = make(map[string]types.AddressInfo, len(s.Addresses))
	for k, v := range s.Addresses {
		c.Addresses[k] = v
	}
	c.Blocks = slices.Clone(s.Blocks)
	return &c
}

// ApplyMovement merges one confirmed movement into balance and UTXO set.
func (s *LedgerState) ApplyMovement(m types.BalanceMovement) error {
	switch m.Kind {
	case types.Credit:
		if s.Balance+m.Amount < s.Balance {
			return fmt.Errorf("ledger: credit %d overflows balance %d", m.Amount, s.Balance)
		}
		s.Balance += m.Amount
	case types.Debit:
		if m.Amount > s.Balance {
			return fmt.Errorf("%w: debit %d, balance %d", ErrBalanceUnderflow, m.Amount, s.Balance)
		}
		s.Balance -= m.Amount
	default:
		return fmt.Errorf("ledger: unknown movement kind %d", m.Kind)
	}

	for _, p := range m.Spent {
		if err := s.UtxoSet.Spend(p); err != nil {
			return err
		}
	}
	for _, u := range m.Created {
		if err := s.UtxoSet.Create(u); err != nil {
			return err
		}
	}
	s.TransactionNextID++
	return nil
}

// MergeAddressInfo folds an address-usage delta into the ledger and keeps
// the derivation indices ahead of any index seen on chain.
func (s *LedgerState) MergeAddressInfo(delta types.AddressInfo) {
	s.Addresses[delta.Address] = s.Addresses[delta.Address].Merge(delta)
	s.ObserveIndex(delta.Keychain, delta.Index)
}

// AppendBlock records a committed block in the history, keeping at most
// limit entries (0 keeps everything).
func (s *LedgerState) AppendBlock(b types.CheckpointBeacon, limit int) {
	s.Blocks = append(s.Blocks, b)
	if limit > 0 && len(s.Blocks) > limit {
		s.Blocks = slices.Clone(s.Blocks[len(s.Blocks)-limit:])
	}
}
