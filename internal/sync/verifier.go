package sync

import (
	"errors"
	"fmt"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// ErrForkedTip means a fetched block does not extend the local tip: the
// locally applied chain has been reorganised away.
var ErrForkedTip = errors.New("sync: block does not extend local tip")

// Verifier validates fetched block updates before they reach the wallet.
type Verifier struct{}

// NewVerifier creates a block verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyBlock validates one block against the beacon it must follow:
//  1. Epoch is exactly prev.Epoch+1
//  2. Key is the block hash
//  3. PrevHash links to prev (skipped while prev carries no hash)
func (v *Verifier) VerifyBlock(update types.BlockUpdate, prev types.CheckpointBeacon) error {
	if update.Beacon.Epoch != prev.Epoch+1 {
		return fmt.Errorf("sync: epoch mismatch: got %d, want %d",
			update.Beacon.Epoch, prev.Epoch+1)
	}
	if update.Key != update.Beacon.BlockHash {
		return fmt.Errorf("sync: block %d: key %s is not the block hash %s",
			update.Beacon.Epoch, update.Key.Short(), update.Beacon.BlockHash.Short())
	}
	if update.Beacon.BlockHash.IsZero() {
		return fmt.Errorf("sync: block %d: empty hash", update.Beacon.Epoch)
	}
	if !prev.BlockHash.IsZero() && update.PrevHash != prev.BlockHash {
		return fmt.Errorf("%w: block %d links to %s, local tip is %s",
			ErrForkedTip, update.Beacon.Epoch, update.PrevHash.Short(), prev.BlockHash.Short())
	}
	return nil
}

// VerifyBatch validates a consecutive run of blocks starting after prev.
// When the batch reaches target.Epoch, the block there must be target.
func (v *Verifier) VerifyBatch(blocks []types.BlockUpdate, prev, target types.CheckpointBeacon) error {
	for _, b := range blocks {
		if err := v.VerifyBlock(b, prev); err != nil {
			return err
		}
		if b.Beacon.Epoch == target.Epoch && b.Beacon != target {
			return fmt.Errorf("sync: block %d is %s, agreed tip is %s",
				b.Beacon.Epoch, b.Beacon.BlockHash.Short(), target.BlockHash.Short())
		}
		prev = b.Beacon
	}
	return nil
}
