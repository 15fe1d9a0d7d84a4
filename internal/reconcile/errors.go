package reconcile

import (
	"errors"
	"fmt"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// ErrHalted is returned by every mutating call once the engine has seen a
// fatal inconsistency. Recovery needs an operator.
var ErrHalted = errors.New("reconcile: engine halted")

// FinalityRegressionError reports a finality signal that moves backwards or
// conflicts with the already confirmed beacon. It is fatal for the account.
type FinalityRegressionError struct {
	LastConfirmed types.CheckpointBeacon
	Got           types.CheckpointBeacon
}

func (e *FinalityRegressionError) Error() string {
	if e.Got.Epoch == e.LastConfirmed.Epoch {
		return fmt.Sprintf("reconcile: conflicting finality at epoch %d: confirmed %s, got %s",
			e.Got.Epoch, e.LastConfirmed.BlockHash.Short(), e.Got.BlockHash.Short())
	}
	return fmt.Sprintf("reconcile: finality regression: last confirmed epoch %d, got %d",
		e.LastConfirmed.Epoch, e.Got.Epoch)
}

// IsFatal reports whether err must stop reconciliation for the account.
func IsFatal(err error) bool {
	var regression *FinalityRegressionError
	return errors.As(err, &regression) || errors.Is(err, ErrHalted)
}
