package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// LoadFile reads and parses a TOML config file, applies environment variable
// overrides, and validates the result.
// Config precedence: Defaults → File → Environment variables.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse TOML: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is LoadFile followed by command-line overrides. A missing file is
// not an error; defaults are used instead.
func Load(path string, o Overrides) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read file: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse TOML: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	o.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as TOML.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// Overrides carries command-line settings. A forced value always wins; a
// plain value only fills a field the file and environment left empty.
type Overrides struct {
	Moniker    types.Force[string]
	ListenAddr types.Force[string]
	Seeds      types.Force[[]string]
	Backend    types.Force[string]
	DBPath     types.Force[string]
	Threshold  types.Force[int]
	SyncTarget types.Force[types.CheckpointBeacon]
}

// Apply writes the overrides into cfg.
func (o Overrides) Apply(cfg *Config) {
	override(&cfg.Moniker, o.Moniker)
	override(&cfg.P2P.ListenAddr, o.ListenAddr)
	override(&cfg.Storage.Backend, o.Backend)
	override(&cfg.Storage.DBPath, o.DBPath)
	override(&cfg.Quorum.Threshold, o.Threshold)

	if seeds, ok := o.Seeds.Get(); ok && (o.Seeds.IsForced() || len(cfg.P2P.Seeds) == 0) {
		cfg.P2P.Seeds = seeds
	}

	if !o.SyncTarget.IsAbsent() {
		current, err := cfg.SyncTarget()
		if err != nil {
			current = types.Absent[types.CheckpointBeacon]()
		}
		chosen := types.Prefer(current, o.SyncTarget)
		cfg.Sync.Target = types.MapForce(chosen, types.CheckpointBeacon.String).Or("")
		cfg.Sync.ForceTarget = chosen.IsForced()
	}
}

func override[T comparable](dst *T, f types.Force[T]) {
	v, ok := f.Get()
	if !ok {
		return
	}
	var zero T
	if f.IsForced() || *dst == zero {
		*dst = v
	}
}

// applyEnvOverrides applies WALLETD_* environment variable overrides.
// Env var format: WALLETD_<SECTION>_<FIELD> (e.g., WALLETD_P2P_LISTEN_ADDR).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WALLETD_MONIKER"); v != "" {
		cfg.Moniker = v
	}
	if v := os.Getenv("WALLETD_NETWORK"); v != "" {
		cfg.Network = v
	}

	// Wallet.
	if v := os.Getenv("WALLETD_WALLET_ACCOUNT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Wallet.Account = uint32(n)
		}
	}

	// Quorum.
	if v := os.Getenv("WALLETD_QUORUM_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.Threshold = n
		}
	}
	if v := os.Getenv("WALLETD_QUORUM_TIE_BREAK"); v != "" {
		cfg.Quorum.TieBreak = v
	}

	// Sync.
	if v := os.Getenv("WALLETD_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration{d}
		}
	}
	if v := os.Getenv("WALLETD_SYNC_REPORT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ReportWindow = Duration{d}
		}
	}
	if v := os.Getenv("WALLETD_SYNC_TARGET"); v != "" {
		cfg.Sync.Target = v
	}

	// P2P.
	if v := os.Getenv("WALLETD_P2P_LISTEN_ADDR"); v != "" {
		cfg.P2P.ListenAddr = v
	}
	if v := os.Getenv("WALLETD_P2P_SEEDS"); v != "" {
		cfg.P2P.Seeds = strings.Split(v, ",")
	}
	if v := os.Getenv("WALLETD_P2P_MAX_PEERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.P2P.MaxPeers = n
		}
	}

	// Storage.
	if v := os.Getenv("WALLETD_STORAGE_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("WALLETD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}

	// RPC.
	if v := os.Getenv("WALLETD_RPC_GRPC_ADDR"); v != "" {
		cfg.RPC.GRPCAddr = v
	}
	if v := os.Getenv("WALLETD_RPC_HTTP_ADDR"); v != "" {
		cfg.RPC.HTTPAddr = v
	}

	// Admin.
	if v := os.Getenv("WALLETD_ADMIN_ENABLED"); v != "" {
		cfg.Admin.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WALLETD_ADMIN_ADDR"); v != "" {
		cfg.Admin.Addr = v
	}

	// Telemetry.
	if v := os.Getenv("WALLETD_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WALLETD_TELEMETRY_ADDR"); v != "" {
		cfg.Telemetry.Addr = v
	}
	if v := os.Getenv("WALLETD_LOG_LEVEL"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
}
