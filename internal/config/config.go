package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/echenim/Bedrock/walletd/internal/quorum"
	"github.com/echenim/Bedrock/walletd/internal/types"
)

// Duration wraps time.Duration to support TOML string unmarshaling (e.g. "3s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the full walletd configuration.
type Config struct {
	Moniker string `toml:"moniker"`
	Network string `toml:"network"`

	Wallet    WalletConfig    `toml:"wallet"`
	Quorum    QuorumConfig    `toml:"quorum"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Sync      SyncConfig      `toml:"sync"`
	P2P       P2PConfig       `toml:"p2p"`
	Storage   StorageConfig   `toml:"storage"`
	RPC       RPCConfig       `toml:"rpc"`
	Admin     AdminConfig     `toml:"admin"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// WalletConfig describes the account this node tracks.
type WalletConfig struct {
	Name              string   `toml:"name"`
	Caption           string   `toml:"caption"`
	Account           uint32   `toml:"account"`
	AvailableAccounts []uint32 `toml:"available_accounts"`
	ExternalRoot      string   `toml:"external_root"`
	InternalRoot      string   `toml:"internal_root"`
	QueueSize         int      `toml:"queue_size"`
}

// QuorumConfig holds tip agreement parameters.
type QuorumConfig struct {
	// Threshold is the percentage of reports the top tip must exceed.
	Threshold int    `toml:"threshold"`
	TieBreak  string `toml:"tie_break"`
}

// ReconcileConfig bounds the pending overlay and confirmed history.
type ReconcileConfig struct {
	MaxPendingSpan uint32 `toml:"max_pending_span"`
	HistoryLimit   int    `toml:"history_limit"`
}

// SyncConfig holds peer sync parameters.
type SyncConfig struct {
	Interval       Duration `toml:"interval"`
	ReportWindow   Duration `toml:"report_window"`
	RequestTimeout Duration `toml:"request_timeout"`
	BatchSize      int      `toml:"batch_size"`
	MaxConcurrent  int      `toml:"max_concurrent"`
	// Target is an optional "epoch:hash" beacon to sync to. With
	// ForceTarget it overrides the peer quorum for one round.
	Target      string `toml:"target"`
	ForceTarget bool   `toml:"force_target"`
	// RelayCacheSize is how many recent blocks are served to peers. Zero
	// disables serving.
	RelayCacheSize int `toml:"relay_cache_size"`
}

// P2PConfig holds peer-to-peer networking parameters.
type P2PConfig struct {
	ListenAddr string   `toml:"listen_addr"`
	Seeds      []string `toml:"seeds"`
	MaxPeers   int      `toml:"max_peers"`
	BanScore   float64  `toml:"ban_score"`
	BanTime    Duration `toml:"ban_time"`
}

// StorageConfig holds storage parameters.
type StorageConfig struct {
	DBPath  string `toml:"db_path"`
	Backend string `toml:"backend"`
}

// RPCConfig holds RPC server parameters.
type RPCConfig struct {
	GRPCAddr string `toml:"grpc_addr"`
	HTTPAddr string `toml:"http_addr"`
}

// AdminConfig holds the operator endpoint parameters.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// TelemetryConfig holds observability parameters.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	LogMode  string `toml:"log_mode"`
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Moniker: "walletd",
		Network: "devnet",
		Wallet: WalletConfig{
			Name:      "default",
			Account:   0,
			QueueSize: 64,
		},
		Quorum: QuorumConfig{
			Threshold: 60,
			TieBreak:  "earliest",
		},
		Reconcile: ReconcileConfig{
			MaxPendingSpan: 1000,
			HistoryLimit:   1000,
		},
		Sync: SyncConfig{
			Interval:       Duration{5 * time.Second},
			ReportWindow:   Duration{3 * time.Second},
			RequestTimeout: Duration{10 * time.Second},
			BatchSize:      64,
			MaxConcurrent:  16,
			RelayCacheSize: 4096,
		},
		P2P: P2PConfig{
			ListenAddr: "/ip4/0.0.0.0/tcp/21337",
			Seeds:      nil,
			MaxPeers:   50,
			BanScore:   -100,
			BanTime:    Duration{10 * time.Minute},
		},
		Storage: StorageConfig{
			DBPath:  "data/ledger",
			Backend: "pebble",
		},
		RPC: RPCConfig{
			GRPCAddr: "127.0.0.1:21338",
			HTTPAddr: "127.0.0.1:21339",
		},
		Admin: AdminConfig{
			Enabled: false,
			Addr:    "127.0.0.1:21340",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Addr:     "0.0.0.0:21341",
			LogMode:  "production",
			LogLevel: "info",
		},
	}
}

// Validate checks config for invalid values.
func (c *Config) Validate() error {
	if c.Moniker == "" {
		return errors.New("config: moniker must not be empty")
	}
	if c.Network == "" {
		return errors.New("config: network must not be empty")
	}

	// Wallet.
	if len(c.Wallet.AvailableAccounts) > 0 {
		found := false
		for _, a := range c.Wallet.AvailableAccounts {
			if a == c.Wallet.Account {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: wallet.account %d is not in wallet.available_accounts", c.Wallet.Account)
		}
	}

	// Quorum.
	if err := quorum.ValidateThreshold(c.Quorum.Threshold); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := quorum.ParseTieBreak(c.Quorum.TieBreak); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Reconcile.
	if c.Reconcile.HistoryLimit < 0 {
		return errors.New("config: reconcile.history_limit must be >= 0")
	}

	// Sync.
	if c.Sync.Interval.Duration <= 0 {
		return errors.New("config: sync.interval must be > 0")
	}
	if c.Sync.ReportWindow.Duration <= 0 {
		return errors.New("config: sync.report_window must be > 0")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("config: sync.batch_size must be > 0")
	}
	if c.Sync.Target != "" {
		if _, err := types.ParseBeacon(c.Sync.Target); err != nil {
			return fmt.Errorf("config: sync.target: %w", err)
		}
	} else if c.Sync.ForceTarget {
		return errors.New("config: sync.force_target requires sync.target")
	}

	// P2P.
	if c.P2P.ListenAddr == "" {
		return errors.New("config: p2p.listen_addr must not be empty")
	}
	if c.P2P.MaxPeers <= 0 {
		return errors.New("config: p2p.max_peers must be > 0")
	}
	if c.P2P.BanScore >= 0 {
		return errors.New("config: p2p.ban_score must be < 0")
	}

	// Storage.
	validBackends := map[string]bool{"pebble": true, "bolt": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("config: storage.backend must be 'pebble', 'bolt' or 'memory', got %q", c.Storage.Backend)
	}
	if c.Storage.Backend != "memory" && c.Storage.DBPath == "" {
		return errors.New("config: storage.db_path must not be empty")
	}

	// RPC.
	if c.RPC.GRPCAddr == "" {
		return errors.New("config: rpc.grpc_addr must not be empty")
	}

	// Admin.
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return errors.New("config: admin.addr must not be empty when enabled")
	}

	return nil
}

// TieBreak returns the parsed quorum tie-break policy.
func (c *Config) TieBreak() quorum.TieBreak {
	tb, _ := quorum.ParseTieBreak(c.Quorum.TieBreak)
	return tb
}

// SyncTarget returns the configured sync target: Forced when force_target
// is set, Value when only target is set, Absent otherwise.
func (c *Config) SyncTarget() (types.Force[types.CheckpointBeacon], error) {
	if c.Sync.Target == "" {
		return types.Absent[types.CheckpointBeacon](), nil
	}
	b, err := types.ParseBeacon(c.Sync.Target)
	if err != nil {
		return types.Absent[types.CheckpointBeacon](), fmt.Errorf("config: sync.target: %w", err)
	}
	return types.NewForce(b, c.Sync.ForceTarget), nil
}
