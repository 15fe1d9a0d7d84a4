package reconcile

import (
	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/overlay"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// PendingBlock summarises one pending overlay entry.
type PendingBlock struct {
	Key       types.BlockKey         `json:"key"`
	Beacon    types.CheckpointBeacon `json:"beacon"`
	Movements int                    `json:"movements"`
	Delta     int64                  `json:"delta"`
}

// View is an immutable snapshot of an account. Confirmed and Effective must
// not be modified by readers.
type View struct {
	Confirmed *ledger.LedgerState
	Effective *ledger.LedgerState
	LastSync  types.CheckpointBeacon
	Pending   []PendingBlock
	Halted    bool
}

// Balance is the effective balance: confirmed plus all pending movements.
func (v *View) Balance() uint64 { return v.Effective.Balance }

// ConfirmedBalance is the balance that can no longer be reverted.
func (v *View) ConfirmedBalance() uint64 { return v.Confirmed.Balance }

// LastConfirmed returns the highest irreversibly merged beacon.
func (v *View) LastConfirmed() types.CheckpointBeacon { return v.Confirmed.LastConfirmed }

func summarize(entries []overlay.Entry) []PendingBlock {
	out := make([]PendingBlock, len(entries))
	for i, e := range entries {
		out[i] = PendingBlock{
			Key:       e.Key,
			Beacon:    e.Beacon,
			Movements: len(e.Movements),
			Delta:     e.Delta(),
		}
	}
	return out
}
