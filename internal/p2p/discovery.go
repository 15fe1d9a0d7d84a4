package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	reconnectInterval = 30 * time.Second
	connectTimeout    = 10 * time.Second
)

// Discovery dials the configured seeds and redials the ones that drop.
// Wallet nodes only need a handful of well-known peers, so there is no DHT.
type Discovery struct {
	host   host.Host
	seeds  []peer.AddrInfo
	logger *zap.Logger

	wg sync.WaitGroup
}

// NewDiscovery creates a Discovery instance with the given seed addresses.
func NewDiscovery(h host.Host, seeds []peer.AddrInfo, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		host:   h,
		seeds:  seeds,
		logger: logger,
	}
}

// ParseSeedAddrs parses multiaddr strings into peer.AddrInfo structs.
// Each string must be a full multiaddr including the /p2p/<peer-id> component.
func ParseSeedAddrs(addrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("p2p: invalid seed addr %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("p2p: parse seed addr %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Start connects to the seeds in the background and keeps reconnecting
// until ctx is cancelled.
func (d *Discovery) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.connectToSeeds(ctx)
		d.reconnectLoop(ctx)
	}()
}

// Wait blocks until the discovery loop has exited.
func (d *Discovery) Wait() {
	d.wg.Wait()
}

// connectToSeeds dials every seed that is not connected and returns how
// many are connected afterwards.
func (d *Discovery) connectToSeeds(ctx context.Context) int {
	connected := 0
	for _, seed := range d.seeds {
		if seed.ID == d.host.ID() {
			continue
		}
		if d.host.Network().Connectedness(seed.ID) == network.Connected {
			connected++
			continue
		}

		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := d.host.Connect(connectCtx, seed); err != nil {
			d.logger.Warn("failed to connect to seed",
				zap.String("peer", seed.ID.String()),
				zap.Error(err),
			)
		} else {
			connected++
			d.logger.Info("connected to seed",
				zap.String("peer", seed.ID.String()),
			)
		}
		cancel()
	}
	return connected
}

func (d *Discovery) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.connectToSeeds(ctx); n == 0 && len(d.seeds) > 0 {
				d.logger.Warn("no seed reachable", zap.Int("seeds", len(d.seeds)))
			}
		}
	}
}
