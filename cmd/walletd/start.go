package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/config"
	"github.com/echenim/Bedrock/walletd/internal/crypto"
	"github.com/echenim/Bedrock/walletd/internal/node"
	"github.com/echenim/Bedrock/walletd/internal/telemetry"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the wallet node",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().String("genesis", "", "path to genesis file (default: <home>/genesis.json)")
	cmd.Flags().String("log-mode", "", "log mode: development or production (default from config)")

	// Overrides. A flag that is set always wins over file and environment.
	cmd.Flags().String("moniker", "", "node moniker")
	cmd.Flags().String("listen", "", "p2p listen multiaddr")
	cmd.Flags().StringSlice("seeds", nil, "comma-separated seed multiaddrs")
	cmd.Flags().String("backend", "", "storage backend: pebble, bolt or memory")
	cmd.Flags().String("db-path", "", "storage directory")
	cmd.Flags().Int("threshold", 0, "tip quorum threshold percentage")
	cmd.Flags().String("sync-target", "", "beacon to sync to, as epoch:hash")
	cmd.Flags().Bool("force-sync", false, "use --sync-target even when peers agree on another tip")

	return cmd
}

// overridesFromFlags turns set flags into forced overrides. Unset flags stay
// absent so file and environment values are kept.
func overridesFromFlags(cmd *cobra.Command) (config.Overrides, error) {
	var o config.Overrides
	fs := cmd.Flags()

	str := func(name string) types.Force[string] {
		if !fs.Changed(name) {
			return types.Absent[string]()
		}
		v, _ := fs.GetString(name)
		return types.Forced(v)
	}

	o.Moniker = str("moniker")
	o.ListenAddr = str("listen")
	o.Backend = str("backend")
	o.DBPath = str("db-path")

	if fs.Changed("seeds") {
		seeds, _ := fs.GetStringSlice("seeds")
		o.Seeds = types.Forced(seeds)
	}
	if fs.Changed("threshold") {
		n, _ := fs.GetInt("threshold")
		o.Threshold = types.Forced(n)
	}

	force, _ := fs.GetBool("force-sync")
	if fs.Changed("sync-target") {
		raw, _ := fs.GetString("sync-target")
		b, err := types.ParseBeacon(raw)
		if err != nil {
			return o, fmt.Errorf("--sync-target: %w", err)
		}
		o.SyncTarget = types.NewForce(b, force)
	} else if force {
		return o, fmt.Errorf("--force-sync requires --sync-target")
	}

	return o, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")

	overrides, err := overridesFromFlags(cmd)
	if err != nil {
		return err
	}

	// Load config.
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}
	cfg, err := config.Load(configPath, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Storage.DBPath = homePath(homeDir, cfg.Storage.DBPath)

	// Setup logger.
	logMode := cfg.Telemetry.LogMode
	if cmd.Flags().Changed("log-mode") {
		logMode, _ = cmd.Flags().GetString("log-mode")
	}
	logger, err := telemetry.NewLoggerWithLevel(logMode, cfg.Telemetry.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Load node key.
	privKey, err := crypto.LoadNodeKey(filepath.Join(homeDir, "node_key.json"))
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}

	// Load genesis.
	genesisPath, _ := cmd.Flags().GetString("genesis")
	if genesisPath == "" {
		genesisPath = filepath.Join(homeDir, "genesis.json")
	}
	genesis, err := config.LoadGenesis(genesisPath)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}

	// Handle OS signals for graceful shutdown.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.NewNode(ctx, cfg, genesis, privKey, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("start node: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "walletd %s started (node %s). Press Ctrl+C to stop.\n", cfg.Moniker, n.NodeID())

	var fatal error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case fatal = <-n.Fatal():
		logger.Error("stopping after fatal error", zap.Error(fatal))
	}

	if err := n.Stop(); err != nil {
		return err
	}
	if fatal != nil {
		return fmt.Errorf("account halted: %w", fatal)
	}
	return nil
}
