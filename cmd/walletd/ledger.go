package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/echenim/Bedrock/walletd/internal/config"
	"github.com/echenim/Bedrock/walletd/internal/ledger"
	"github.com/echenim/Bedrock/walletd/internal/rpc"
	"github.com/echenim/Bedrock/walletd/internal/storage"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the stored ledger",
	}
	cmd.AddCommand(ledgerShowCmd())
	cmd.AddCommand(ledgerVerifyCmd())
	cmd.AddCommand(ledgerBlockCmd())
	return cmd
}

func ledgerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the last persisted ledger of the configured account",
		Long:  "Reads the store directly; stop the node first when using the pebble or bolt backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, account, err := openLedgerStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := loadStoredLedger(store, account)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func ledgerVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the persisted ledger for structural damage",
		Long: "Validates the account ledger, compares the balance with the UTXO total " +
			"and checks every recorded address label.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, account, err := openLedgerStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := loadStoredLedger(store, account)
			if err != nil {
				return err
			}

			problems := verifyLedger(state)
			for _, p := range problems {
				fmt.Fprintln(cmd.OutOrStdout(), "problem:", p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("ledger of account %d has %d problem(s)", account, len(problems))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: account %d, balance %d, %d utxos, %d addresses, confirmed at epoch %d\n",
				state.Account, state.Balance, len(state.UtxoSet), len(state.Addresses), state.LastConfirmed.Epoch)
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func verifyLedger(state *ledger.LedgerState) []string {
	var problems []string
	if err := state.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if total := state.UtxoSet.Total(); total != state.Balance {
		problems = append(problems, fmt.Sprintf("balance %d does not match utxo total %d", state.Balance, total))
	}
	for _, label := range slices.Sorted(maps.Keys(state.Addresses)) {
		info := state.Addresses[label]
		switch {
		case !ledger.ValidAddressLabel(label):
			problems = append(problems, fmt.Sprintf("address %q has a bad checksum", label))
		case info.Address != label:
			problems = append(problems, fmt.Sprintf("address %q is recorded as %q", label, info.Address))
		}
	}
	return problems
}

func ledgerBlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block <epoch>",
		Short: "Print the confirmed block recorded for an epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid epoch %q: %w", args[0], err)
			}

			store, account, err := openLedgerStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			beacon, err := store.ConfirmedBlock(account, uint32(epoch))
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no confirmed block at epoch %d for account %d", epoch, account)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), beacon.String())
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().Uint32("account", 0, "account to read (default from config)")
}

// openLedgerStore opens the configured store and resolves the account the
// ledger commands operate on.
func openLedgerStore(cmd *cobra.Command) (storage.LedgerStore, uint32, error) {
	homeDir, _ := cmd.Flags().GetString("home")
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}

	cfg, err := config.Load(configPath, config.Overrides{})
	if err != nil {
		return nil, 0, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("account") {
		cfg.Wallet.Account, _ = cmd.Flags().GetUint32("account")
	}

	store, err := storage.Open(cfg.Storage.Backend, homePath(homeDir, cfg.Storage.DBPath), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("open store: %w", err)
	}
	return store, cfg.Wallet.Account, nil
}

func loadStoredLedger(store storage.LedgerStore, account uint32) (*ledger.LedgerState, error) {
	state, err := store.LoadLedger(account)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("no ledger stored for account %d", account)
	}
	return state, err
}

func newUtxosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "utxos",
		Short: "List the spendable outputs known to a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *rpc.WalletClient) error {
				resp, err := c.GetUtxos(ctx)
				if err != nil {
					return err
				}
				data, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
	addRPCFlag(cmd)
	return cmd
}

func newBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Query a running node for the account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *rpc.WalletClient) error {
				resp, err := c.GetBalance(ctx)
				if err != nil {
					return err
				}
				data, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
	addRPCFlag(cmd)
	return cmd
}

func newAddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Allocate a fresh receive or change address on a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			internal, _ := cmd.Flags().GetBool("internal")
			return withClient(cmd, func(ctx context.Context, c *rpc.WalletClient) error {
				addr, err := c.AllocateAddress(ctx, internal)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), addr)
				return nil
			})
		},
	}
	addRPCFlag(cmd)
	cmd.Flags().Bool("internal", false, "allocate from the internal (change) keychain")
	return cmd
}

func addRPCFlag(cmd *cobra.Command) {
	cmd.Flags().String("rpc", config.DefaultConfig().RPC.GRPCAddr, "gRPC address of the node")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
}

func withClient(cmd *cobra.Command, fn func(context.Context, *rpc.WalletClient) error) error {
	addr, _ := cmd.Flags().GetString("rpc")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, rpc.NewWalletClient(conn))
}
