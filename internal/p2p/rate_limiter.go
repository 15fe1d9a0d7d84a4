package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// RateLimitConfig defines rate limits per message type.
type RateLimitConfig struct {
	SuperblockRate  float64 // superblocks per second
	TipRate         float64 // tip requests per second
	BlocksRate      float64 // block requests per second
	GlobalRate      float64 // total messages per second per peer
	BurstMultiplier float64 // burst capacity = rate * multiplier
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		SuperblockRate:  2,
		TipRate:         5,
		BlocksRate:      20,
		GlobalRate:      50,
		BurstMultiplier: 3,
	}
}

// tokenBucket implements a simple token bucket rate limiter.
type tokenBucket struct {
	tokens    float64
	maxTokens float64
	rate      float64 // tokens per second
	lastFill  time.Time
}

func newTokenBucket(rate, burstMultiplier float64, now time.Time) *tokenBucket {
	maxTokens := rate * burstMultiplier
	return &tokenBucket{
		tokens:    maxTokens,
		maxTokens: maxTokens,
		rate:      rate,
		lastFill:  now,
	}
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.tokens += now.Sub(tb.lastFill).Seconds() * tb.rate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastFill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// peerBuckets holds the global bucket and one bucket per limited type.
type peerBuckets struct {
	global   *tokenBucket
	byType   map[MessageType]*tokenBucket
	lastSeen time.Time
}

// RateLimiter tracks per-peer, per-type rate limits.
type RateLimiter struct {
	mu     sync.Mutex
	peers  map[peer.ID]*peerBuckets
	rates  map[MessageType]float64
	config RateLimitConfig
}

// NewRateLimiter creates a RateLimiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		peers: make(map[peer.ID]*peerBuckets),
		rates: map[MessageType]float64{
			MsgSuperblock:    cfg.SuperblockRate,
			MsgTipRequest:    cfg.TipRate,
			MsgBlocksRequest: cfg.BlocksRate,
		},
		config: cfg,
	}
}

func (rl *RateLimiter) getOrCreate(pid peer.ID, now time.Time) *peerBuckets {
	pb, ok := rl.peers[pid]
	if !ok {
		pb = &peerBuckets{
			global: newTokenBucket(rl.config.GlobalRate, rl.config.BurstMultiplier, now),
			byType: make(map[MessageType]*tokenBucket, len(rl.rates)),
		}
		for mt, rate := range rl.rates {
			pb.byType[mt] = newTokenBucket(rate, rl.config.BurstMultiplier, now)
		}
		rl.peers[pid] = pb
	}
	pb.lastSeen = now
	return pb
}

// Allow checks whether a message from the given peer of the given type is allowed.
func (rl *RateLimiter) Allow(pid peer.ID, msgType MessageType) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	pb := rl.getOrCreate(pid, now)

	if !pb.global.allow(now) {
		return false
	}
	if tb, ok := pb.byType[msgType]; ok {
		return tb.allow(now)
	}
	return true
}

// Cleanup removes buckets for peers not seen in the given duration.
func (rl *RateLimiter) Cleanup(staleAfter time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	removed := 0
	for pid, pb := range rl.peers {
		if !pb.lastSeen.After(cutoff) {
			delete(rl.peers, pid)
			removed++
		}
	}
	return removed
}
