package storage

import (
	"encoding/json"
	"fmt"

	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

func encodeLedger(state *ledger.LedgerState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("storage: encode ledger: %w", err)
	}
	return data, nil
}

func decodeLedger(data []byte) (*ledger.LedgerState, error) {
	state := &ledger.LedgerState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("storage: decode ledger: %w", err)
	}
	if state.UtxoSet == nil {
		state.UtxoSet = make(ledger.UtxoSet)
	}
	if state.Addresses == nil {
		state.Addresses = make(map[string]types.AddressInfo)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("storage: stored ledger: %w", err)
	}
	return state, nil
}

func encodeBeacon(b types.CheckpointBeacon) ([]byte, error) {
	return json.Marshal(b)
}

func decodeBeacon(data []byte) (types.CheckpointBeacon, error) {
	var b types.CheckpointBeacon
	if err := json.Unmarshal(data, &b); err != nil {
		return types.CheckpointBeacon{}, fmt.Errorf("storage: decode beacon: %w", err)
	}
	return b, nil
}
