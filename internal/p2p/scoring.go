package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ScoringConfig tunes peer reputation.
type ScoringConfig struct {
	ValidScore   float64
	InvalidScore float64
	BanThreshold float64
	BanDuration  time.Duration
}

// DefaultScoringConfig returns the default reputation parameters: ten
// invalid messages in a row get a peer banned for ten minutes.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ValidScore:   1.0,
		InvalidScore: -10.0,
		BanThreshold: -100.0,
		BanDuration:  10 * time.Minute,
	}
}

// BanEntry records a peer ban with expiry.
type BanEntry struct {
	Reason  string
	Expires time.Time
}

// PeerScore is a reputation snapshot for one peer.
type PeerScore struct {
	ID         peer.ID   `json:"id"`
	Score      float64   `json:"score"`
	LastReason string    `json:"last_reason,omitempty"`
	BannedTill time.Time `json:"banned_till,omitempty"`
}

// PeerScoring tracks peer reputation and bans. It implements the scorer
// used by the sync package: peers serving tips that lose the quorum vote or
// invalid block batches lose points.
type PeerScoring struct {
	cfg ScoringConfig

	mu      sync.RWMutex
	scores  map[peer.ID]float64
	reasons map[peer.ID]string
	bans    map[peer.ID]BanEntry
}

// NewPeerScoring creates a PeerScoring instance with default parameters.
func NewPeerScoring() *PeerScoring {
	return NewPeerScoringWithConfig(DefaultScoringConfig())
}

// NewPeerScoringWithConfig creates a PeerScoring instance.
func NewPeerScoringWithConfig(cfg ScoringConfig) *PeerScoring {
	return &PeerScoring{
		cfg:     cfg,
		scores:  make(map[peer.ID]float64),
		reasons: make(map[peer.ID]string),
		bans:    make(map[peer.ID]BanEntry),
	}
}

// RecordValidMessage increases a peer's score.
func (ps *PeerScoring) RecordValidMessage(pid peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.scores[pid] += ps.cfg.ValidScore
}

// RecordInvalidMessage decreases a peer's score and auto-bans if below threshold.
func (ps *PeerScoring) RecordInvalidMessage(pid peer.ID, reason string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.scores[pid] += ps.cfg.InvalidScore
	ps.reasons[pid] = reason
	if ps.scores[pid] <= ps.cfg.BanThreshold {
		ps.bans[pid] = BanEntry{
			Reason:  reason,
			Expires: time.Now().Add(ps.cfg.BanDuration),
		}
	}
}

// Score returns the current score for a peer.
func (ps *PeerScoring) Score(pid peer.ID) float64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.scores[pid]
}

// IsBanned returns true if the peer is currently banned.
func (ps *PeerScoring) IsBanned(pid peer.ID) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	entry, ok := ps.bans[pid]
	if !ok {
		return false
	}
	return time.Now().Before(entry.Expires)
}

// Ban explicitly bans a peer for the given duration.
func (ps *PeerScoring) Ban(pid peer.ID, reason string, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.bans[pid] = BanEntry{
		Reason:  reason,
		Expires: time.Now().Add(duration),
	}
}

// Unban removes a peer's ban entry and resets its score.
func (ps *PeerScoring) Unban(pid peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.bans, pid)
	delete(ps.reasons, pid)
	ps.scores[pid] = 0
}

// CleanupExpiredBans removes expired ban entries. Returns the number removed.
func (ps *PeerScoring) CleanupExpiredBans() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := time.Now()
	removed := 0
	for pid, entry := range ps.bans {
		if now.After(entry.Expires) {
			delete(ps.bans, pid)
			removed++
		}
	}
	return removed
}

// BannedCount returns the number of currently banned peers.
func (ps *PeerScoring) BannedCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	now := time.Now()
	count := 0
	for _, entry := range ps.bans {
		if now.Before(entry.Expires) {
			count++
		}
	}
	return count
}

// Snapshot returns every scored peer, best first.
func (ps *PeerScoring) Snapshot() []PeerScore {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	now := time.Now()
	out := make([]PeerScore, 0, len(ps.scores))
	for pid, score := range ps.scores {
		s := PeerScore{ID: pid, Score: score, LastReason: ps.reasons[pid]}
		if ban, ok := ps.bans[pid]; ok && now.Before(ban.Expires) {
			s.BannedTill = ban.Expires
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
