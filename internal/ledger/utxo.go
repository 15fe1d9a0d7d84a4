package ledger

import (
	"fmt"
	"sort"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// UtxoSet maps output pointers to the outputs the account can spend.
type UtxoSet map[types.OutputPointer]types.Output

// Clone returns a copy of the set.
func (u UtxoSet) Clone() UtxoSet {
	c := make(UtxoSet, len(u))
	for k, v := range u {
		c[k] = v
	}
	return c
}

// Create adds a new output.
func (u UtxoSet) Create(utxo types.Utxo) error {
	if _, ok := u[utxo.Pointer]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOutput, utxo.Pointer)
	}
	u[utxo.Pointer] = utxo.Output
	return nil
}

// Spend removes an output.
func (u UtxoSet) Spend(p types.OutputPointer) error {
	if _, ok := u[p]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutput, p)
	}
	delete(u, p)
	return nil
}

// Total sums the amounts of all outputs.
func (u UtxoSet) Total() uint64 {
	var total uint64
	for _, out := range u {
		total += out.Amount
	}
	return total
}

// Sorted returns the set as a slice ordered by pointer.
func (u UtxoSet) Sorted() []types.Utxo {
	out := make([]types.Utxo, 0, len(u))
	for p, o := range u {
		out = append(out, types.Utxo{Pointer: p, Output: o})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Pointer.TxHash.Compare(out[j].Pointer.TxHash); c != 0 {
			return c < 0
		}
		return out[i].Pointer.Index < out[j].Pointer.Index
	})
	return out
}
