package overlay

import (
	"errors"
	"fmt"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// ErrRetentionExceeded is returned when a block would leave more epochs
// pending than the configured maximum span.
var ErrRetentionExceeded = errors.New("overlay: pending retention exceeded")

// SequenceError reports a block applied out of strict epoch order, or a
// block key that is already pending. It is a caller bug and is never
// retried.
type SequenceError struct {
	LastSync types.CheckpointBeacon
	Got      types.CheckpointBeacon
	Key      types.BlockKey
	Reason   string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("overlay: sequence error: %s (last_sync=%d, got epoch %d, key %s)",
		e.Reason, e.LastSync.Epoch, e.Got.Epoch, e.Key.Short())
}
