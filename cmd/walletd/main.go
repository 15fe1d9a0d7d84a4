package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet node",
		Long:          "Tracks one wallet account from peer-synced blocks and superblock finality",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newBalanceCmd())
	rootCmd.AddCommand(newUtxosCmd())
	rootCmd.AddCommand(newAddressCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "walletd v%s\n", version)
		},
	}
}

// defaultHome returns the default node home directory.
func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".walletd"
	}
	return filepath.Join(home, ".walletd")
}

// homePath resolves p against the home directory unless it is absolute.
func homePath(home, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(home, p)
}
