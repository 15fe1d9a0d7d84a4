package p2p

import (
	"sync"

	"github.com/google/btree"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// DefaultBlockCacheSize is the number of recent blocks a relay keeps.
const DefaultBlockCacheSize = 4096

// BlockCache keeps the most recent block updates a node has applied so it
// can relay them to syncing peers. It implements ChainSource.
type BlockCache struct {
	mu       sync.RWMutex
	tree     *btree.BTreeG[types.BlockUpdate]
	capacity int
}

func blockLess(a, b types.BlockUpdate) bool {
	return a.Beacon.Epoch < b.Beacon.Epoch
}

// NewBlockCache creates a cache holding at most capacity blocks.
func NewBlockCache(capacity int) *BlockCache {
	if capacity <= 0 {
		capacity = DefaultBlockCacheSize
	}
	return &BlockCache{
		tree:     btree.NewG(32, blockLess),
		capacity: capacity,
	}
}

// Put records a block. A block at or below the current tip replaces the
// chain from its epoch onwards. The oldest block is evicted when full.
func (c *BlockCache) Put(update types.BlockUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.truncateLocked(update.Beacon.Epoch)
	c.tree.ReplaceOrInsert(update)
	for c.tree.Len() > c.capacity {
		c.tree.DeleteMin()
	}
}

// TruncateFrom drops every block with epoch >= epoch.
func (c *BlockCache) TruncateFrom(epoch uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncateLocked(epoch)
}

func (c *BlockCache) truncateLocked(epoch uint32) int {
	var drop []types.BlockUpdate
	c.tree.AscendGreaterOrEqual(types.BlockUpdate{Beacon: types.CheckpointBeacon{Epoch: epoch}}, func(b types.BlockUpdate) bool {
		drop = append(drop, b)
		return true
	})
	for _, b := range drop {
		c.tree.Delete(b)
	}
	return len(drop)
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}

// Tip implements ChainSource.
func (c *BlockCache) Tip() (types.CheckpointBeacon, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.tree.Max()
	if !ok {
		return types.CheckpointBeacon{}, false
	}
	return b.Beacon, true
}

// Blocks implements ChainSource. It stops at the first gap so the result
// is always a consecutive run.
func (c *BlockCache) Blocks(from uint32, limit int) []types.BlockUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.BlockUpdate
	next := from
	c.tree.AscendGreaterOrEqual(types.BlockUpdate{Beacon: types.CheckpointBeacon{Epoch: from}}, func(b types.BlockUpdate) bool {
		if b.Beacon.Epoch != next || len(out) >= limit {
			return false
		}
		out = append(out, b)
		next++
		return true
	})
	return out
}
