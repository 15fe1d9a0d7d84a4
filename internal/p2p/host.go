package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// HostConfig holds configuration for creating a P2P Host.
type HostConfig struct {
	// PrivateKey is the Ed25519 private key (64 bytes, standard Go crypto/ed25519 format).
	PrivateKey []byte
	// ListenAddr is a multiaddr string (e.g. "/ip4/0.0.0.0/udp/26656/quic-v1").
	ListenAddr string
	// MaxPeers is the maximum number of connections.
	MaxPeers int
	// Seeds are multiaddr strings for seed nodes.
	Seeds []string
	// RateLimit overrides DefaultRateLimitConfig when set.
	RateLimit *RateLimitConfig
	// Scoring overrides DefaultScoringConfig when set.
	Scoring *ScoringConfig
	// Logger for the host.
	Logger *zap.Logger
	// Metrics for the P2P subsystem.
	Metrics *Metrics
}

// maintenanceInterval is how often expired bans and idle rate-limit buckets
// are dropped.
const maintenanceInterval = time.Minute

// Host wraps a libp2p host with walletd peer management and gossip.
type Host struct {
	host        host.Host
	gossip      *GossipManager
	discovery   *Discovery
	peerMgr     *PeerManager
	scoring     *PeerScoring
	rateLimiter *RateLimiter
	metrics     *Metrics
	logger      *zap.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewHost creates a libp2p host with Ed25519 identity and integrated peer
// management.
func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	// Convert Ed25519 private key to libp2p format.
	privKey, err := libp2pcrypto.UnmarshalEd25519PrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("p2p: unmarshal private key: %w", err)
	}

	// Parse listen address.
	listenAddr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid listen address %q: %w", cfg.ListenAddr, err)
	}

	// Create libp2p host.
	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddr),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	// Scoring and rate limiting.
	scoring := NewPeerScoring()
	if cfg.Scoring != nil {
		scoring = NewPeerScoringWithConfig(*cfg.Scoring)
	}
	rlCfg := DefaultRateLimitConfig()
	if cfg.RateLimit != nil {
		rlCfg = *cfg.RateLimit
	}
	rateLimiter := NewRateLimiter(rlCfg)

	// Peer manager.
	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 50
	}
	peerMgr := NewPeerManager(maxPeers, scoring)

	// Parse seeds.
	seeds, err := ParseSeedAddrs(cfg.Seeds)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: parse seeds: %w", err)
	}

	// Discovery.
	disc := NewDiscovery(h, seeds, logger.Named("discovery"))

	// GossipSub.
	gossip, err := NewGossipManager(ctx, h, scoring, rateLimiter, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create gossip: %w", err)
	}

	bh := &Host{
		host:        h,
		gossip:      gossip,
		discovery:   disc,
		peerMgr:     peerMgr,
		scoring:     scoring,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		logger:      logger,
	}

	// Register connection notifier for peer tracking.
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			pid := conn.RemotePeer()
			if !peerMgr.ShouldAcceptConnection(pid, conn.Stat().Direction) {
				metrics.MessagesRejected.WithLabelValues("connection_refused").Inc()
				logger.Debug("refusing connection", zap.String("peer", pid.String()))
				go conn.Close()
				return
			}
			dir := Inbound
			if conn.Stat().Direction == network.DirOutbound {
				dir = Outbound
			}
			peerMgr.AddPeer(&PeerInfo{
				ID:        pid,
				Addrs:     []multiaddr.Multiaddr{conn.RemoteMultiaddr()},
				Direction: dir,
			})
			metrics.PeersConnected.Set(float64(peerMgr.PeerCount()))
			logger.Debug("peer connected",
				zap.String("peer", pid.String()),
			)
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			pid := conn.RemotePeer()
			peerMgr.RemovePeer(pid)
			metrics.PeersConnected.Set(float64(peerMgr.PeerCount()))
			logger.Debug("peer disconnected",
				zap.String("peer", pid.String()),
			)
		},
	})

	return bh, nil
}

// Start begins peer discovery and periodic maintenance. Topics are joined
// by their users.
func (bh *Host) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	bh.cancel = cancel

	bh.discovery.Start(ctx)

	bh.wg.Add(1)
	go bh.maintain(ctx)

	bh.logger.Info("p2p host started",
		zap.String("peer_id", bh.host.ID().String()),
		zap.Any("listen_addrs", bh.host.Addrs()),
	)

	return nil
}

// Stop shuts down the P2P host.
// Stop may be called more than once, and without Start.
func (bh *Host) Stop() error {
	bh.stopOnce.Do(func() {
		if bh.cancel != nil {
			bh.cancel()
		}
		bh.discovery.Wait()
		bh.wg.Wait()
		bh.gossip.Close()
		bh.stopErr = bh.host.Close()
	})
	return bh.stopErr
}

// Name implements node.Service.
func (bh *Host) Name() string { return "p2p" }

func (bh *Host) maintain(ctx context.Context) {
	defer bh.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := bh.scoring.CleanupExpiredBans()
			stale := bh.rateLimiter.Cleanup(10 * maintenanceInterval)
			bh.metrics.PeersBanned.Set(float64(bh.scoring.BannedCount()))
			if expired > 0 || stale > 0 {
				bh.logger.Debug("peer maintenance",
					zap.Int("expired_bans", expired),
					zap.Int("stale_limiters", stale),
				)
			}
		}
	}
}

// ID returns the host's peer ID.
func (bh *Host) ID() peer.ID {
	return bh.host.ID()
}

// Addrs returns the host's listen addresses.
func (bh *Host) Addrs() []multiaddr.Multiaddr {
	return bh.host.Addrs()
}

// LibP2PHost returns the underlying libp2p host.
func (bh *Host) LibP2PHost() host.Host {
	return bh.host
}

// Gossip returns the GossipManager.
func (bh *Host) Gossip() *GossipManager {
	return bh.gossip
}

// PeerMgr returns the PeerManager.
func (bh *Host) PeerMgr() *PeerManager {
	return bh.peerMgr
}

// Scoring returns the PeerScoring instance.
func (bh *Host) Scoring() *PeerScoring {
	return bh.scoring
}

// Metrics returns the P2P metrics.
func (bh *Host) Metrics() *Metrics {
	return bh.metrics
}
