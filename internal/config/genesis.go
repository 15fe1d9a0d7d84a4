package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/echenim/Bedrock/walletd/internal/crypto"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// GenesisDoc describes the network a wallet joins: where its ledger starts
// and who may sign superblocks.
type GenesisDoc struct {
	Network     string                 `json:"network"`
	GenesisTime time.Time              `json:"genesis_time"`
	Genesis     types.CheckpointBeacon `json:"genesis"`
	Authorities []GenesisAuthority     `json:"authorities"`
}

// GenesisAuthority is a key allowed to sign superblocks.
type GenesisAuthority struct {
	PubKey string `json:"pub_key"`
	Name   string `json:"name"`
}

// LoadGenesis reads and validates a genesis file from the given path.
func LoadGenesis(path string) (*GenesisDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read file: %w", err)
	}

	var gen GenesisDoc
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("genesis: parse JSON: %w", err)
	}

	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	return &gen, nil
}

// Save writes the genesis document as indented JSON.
func (g *GenesisDoc) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("genesis: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("genesis: write file: %w", err)
	}
	return nil
}

// Validate checks the genesis document for structural validity. An empty
// authority list is allowed and disables superblock signature checks.
func (g *GenesisDoc) Validate() error {
	if g.Network == "" {
		return errors.New("network must not be empty")
	}
	if g.GenesisTime.IsZero() {
		return errors.New("genesis_time must not be zero")
	}

	seen := make(map[string]bool, len(g.Authorities))
	for i, a := range g.Authorities {
		if _, err := crypto.ParsePublicKey(a.PubKey); err != nil {
			return fmt.Errorf("authority %d: %w", i, err)
		}
		if seen[a.PubKey] {
			return fmt.Errorf("authority %d: duplicate pub_key", i)
		}
		seen[a.PubKey] = true
	}

	return nil
}

// AuthorityKeys parses the authority public keys.
func (g *GenesisDoc) AuthorityKeys() ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, 0, len(g.Authorities))
	for i, a := range g.Authorities {
		pk, err := crypto.ParsePublicKey(a.PubKey)
		if err != nil {
			return nil, fmt.Errorf("authority %d: %w", i, err)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}
