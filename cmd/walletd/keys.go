package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/echenim/Bedrock/walletd/internal/crypto"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Key management commands",
	}

	cmd.AddCommand(keysGenerateCmd())
	cmd.AddCommand(keysShowCmd())

	return cmd
}

func keysGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new Ed25519 keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			pubKey, privKey, err := crypto.GenerateKeypair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			if output != "" {
				if err := crypto.SaveNodeKey(output, privKey); err != nil {
					return fmt.Errorf("write key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key saved to %s\n", output)
			}

			return printKey(cmd, privKey, pubKey)
		},
	}

	cmd.Flags().String("output", "", "file path to save the key (JSON format)")

	return cmd
}

func keysShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show node key information",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")

			privKey, err := crypto.LoadNodeKey(filepath.Join(homeDir, "node_key.json"))
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}

			return printKey(cmd, privKey, privKey.Public().(crypto.PublicKey))
		},
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")

	return cmd
}

func printKey(cmd *cobra.Command, privKey crypto.PrivateKey, pubKey crypto.PublicKey) error {
	pid, err := crypto.PeerID(privKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Public Key:  %s\n", hex.EncodeToString(pubKey))
	fmt.Fprintf(cmd.OutOrStdout(), "Node ID:     %s\n", pid)
	return nil
}
