package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// BlockProvider abstracts tip and block retrieval from peers.
// This allows sync to work with both the libp2p transport and mock providers.
type BlockProvider interface {
	// Peers lists the peers that can currently be queried.
	Peers() []peer.ID

	// GetTip asks one peer for its current chain tip.
	GetTip(ctx context.Context, p peer.ID) (types.CheckpointBeacon, error)

	// GetBlocks asks one peer for up to limit consecutive block updates
	// starting at fromEpoch.
	GetBlocks(ctx context.Context, p peer.ID, fromEpoch uint32, limit int) ([]types.BlockUpdate, error)
}

// ErrNoProvider is returned when every candidate peer failed to serve a batch.
var ErrNoProvider = errors.New("sync: no peer served the requested blocks")

// Fetcher downloads block batches from a set of candidate peers.
type Fetcher struct {
	provider  BlockProvider
	batchSize int
	logger    *zap.Logger
}

// NewFetcher creates a block fetcher.
func NewFetcher(provider BlockProvider, batchSize int, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Fetcher{
		provider:  provider,
		batchSize: batchSize,
		logger:    logger,
	}
}

// FetchBatch downloads the blocks from fromEpoch up to at most toEpoch. The
// candidates are tried in order and the first peer that returns a non-empty
// batch wins. Blocks past toEpoch are cut off.
func (f *Fetcher) FetchBatch(ctx context.Context, candidates []peer.ID, fromEpoch, toEpoch uint32) ([]types.BlockUpdate, peer.ID, error) {
	if fromEpoch > toEpoch {
		return nil, "", fmt.Errorf("sync: invalid range: start %d > end %d", fromEpoch, toEpoch)
	}
	limit := f.batchSize
	if span := uint64(toEpoch) - uint64(fromEpoch) + 1; span < uint64(limit) {
		limit = int(span)
	}

	for _, p := range candidates {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		default:
		}

		blocks, err := f.provider.GetBlocks(ctx, p, fromEpoch, limit)
		if err != nil {
			f.logger.Debug("block request failed",
				zap.Stringer("peer", p),
				zap.Uint32("from", fromEpoch),
				zap.Error(err),
			)
			continue
		}
		if len(blocks) == 0 {
			continue
		}
		for i, b := range blocks {
			if b.Beacon.Epoch > toEpoch {
				blocks = blocks[:i]
				break
			}
		}
		if len(blocks) > 0 {
			return blocks, p, nil
		}
	}
	return nil, "", fmt.Errorf("%w: epochs %d..%d", ErrNoProvider, fromEpoch, toEpoch)
}
