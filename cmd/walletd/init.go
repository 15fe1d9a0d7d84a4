package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/echenim/Bedrock/walletd/internal/config"
	"github.com/echenim/Bedrock/walletd/internal/crypto"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a new wallet node home",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("network", "devnet", "network name")
	cmd.Flags().Uint32("account", 0, "account index to track")
	cmd.Flags().String("genesis-beacon", "", "beacon the ledger starts from, as epoch:hash (default: epoch 0, zero hash)")
	cmd.Flags().StringSlice("authority", nil, "hex Ed25519 public key allowed to sign superblocks (repeatable)")
	cmd.Flags().Bool("overwrite", false, "replace an existing home")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	moniker := args[0]
	homeDir, _ := cmd.Flags().GetString("home")
	network, _ := cmd.Flags().GetString("network")
	account, _ := cmd.Flags().GetUint32("account")
	beaconStr, _ := cmd.Flags().GetString("genesis-beacon")
	authorities, _ := cmd.Flags().GetStringSlice("authority")
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	keyPath := filepath.Join(homeDir, "node_key.json")
	configPath := filepath.Join(homeDir, "config.toml")
	genesisPath := filepath.Join(homeDir, "genesis.json")

	if !overwrite {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists (use --overwrite)", configPath)
		}
	}

	// Create home directory structure.
	for _, dir := range []string{homeDir, filepath.Join(homeDir, "data")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Genesis.
	gen := &config.GenesisDoc{
		Network:     network,
		GenesisTime: time.Now().UTC().Truncate(time.Second),
	}
	if beaconStr != "" {
		b, err := types.ParseBeacon(beaconStr)
		if err != nil {
			return fmt.Errorf("--genesis-beacon: %w", err)
		}
		gen.Genesis = b
	}
	for i, a := range authorities {
		gen.Authorities = append(gen.Authorities, config.GenesisAuthority{
			PubKey: a,
			Name:   fmt.Sprintf("authority-%d", i),
		})
	}
	if err := gen.Validate(); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	// Config.
	cfg := config.DefaultConfig()
	cfg.Moniker = moniker
	cfg.Network = network
	cfg.Wallet.Account = account
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Node key.
	_, privKey, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	pid, err := crypto.PeerID(privKey)
	if err != nil {
		return err
	}

	if err := crypto.SaveNodeKey(keyPath, privKey); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	if err := gen.Save(genesisPath); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized walletd node\n")
	fmt.Fprintf(out, "  Home:        %s\n", homeDir)
	fmt.Fprintf(out, "  Node ID:     %s\n", pid)
	fmt.Fprintf(out, "  Network:     %s\n", network)
	fmt.Fprintf(out, "  Moniker:     %s\n", moniker)
	fmt.Fprintf(out, "  Account:     %d\n", account)
	fmt.Fprintf(out, "  Authorities: %d\n", len(gen.Authorities))
	fmt.Fprintf(out, "\nStart with: walletd start --home %s\n", homeDir)

	return nil
}
