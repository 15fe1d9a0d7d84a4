package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// PeerDirection indicates whether we initiated or received the connection.
type PeerDirection int

const (
	Inbound PeerDirection = iota
	Outbound
)

func (d PeerDirection) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// outboundReservedRatio is the fraction of MaxPeers reserved for outbound connections.
const outboundReservedRatio = 0.20

// PeerInfo tracks metadata about a connected peer.
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	Direction   PeerDirection
	ConnectedAt time.Time
	// LastTip is the most recent chain tip the peer reported.
	LastTip   types.CheckpointBeacon
	LastTipAt time.Time
}

// PeerManager tracks connected peers and enforces limits.
type PeerManager struct {
	mu       sync.RWMutex
	peers    map[peer.ID]*PeerInfo
	maxPeers int
	scoring  *PeerScoring
}

// NewPeerManager creates a PeerManager with the given limits.
func NewPeerManager(maxPeers int, scoring *PeerScoring) *PeerManager {
	return &PeerManager{
		peers:    make(map[peer.ID]*PeerInfo),
		maxPeers: maxPeers,
		scoring:  scoring,
	}
}

// AddPeer registers a connected peer.
func (pm *PeerManager) AddPeer(info *PeerInfo) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	pm.peers[info.ID] = info
}

// RemovePeer removes a peer from tracking.
func (pm *PeerManager) RemovePeer(pid peer.ID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, pid)
}

// GetPeer returns a copy of the info for a peer, if known.
func (pm *PeerManager) GetPeer(pid peer.ID) (PeerInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, ok := pm.peers[pid]
	if !ok {
		return PeerInfo{}, false
	}
	return *info, true
}

// PeerCount returns the number of connected peers.
func (pm *PeerManager) PeerCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// ConnectedPeers returns a snapshot of all connected peer IDs.
func (pm *PeerManager) ConnectedPeers() []peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pids := make([]peer.ID, 0, len(pm.peers))
	for pid := range pm.peers {
		pids = append(pids, pid)
	}
	return pids
}

// SyncPeers returns the connected peers that are not banned, best score
// first. Ties are ordered by peer ID so the result is stable.
func (pm *PeerManager) SyncPeers() []peer.ID {
	pids := pm.ConnectedPeers()
	out := pids[:0]
	for _, pid := range pids {
		if pm.scoring != nil && pm.scoring.IsBanned(pid) {
			continue
		}
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool {
		if pm.scoring != nil {
			si, sj := pm.scoring.Score(out[i]), pm.scoring.Score(out[j])
			if si != sj {
				return si > sj
			}
		}
		return out[i] < out[j]
	})
	return out
}

// RecordTip remembers the tip a peer reported.
func (pm *PeerManager) RecordTip(pid peer.ID, tip types.CheckpointBeacon) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if info, ok := pm.peers[pid]; ok {
		info.LastTip = tip
		info.LastTipAt = time.Now()
	}
}

// ShouldAcceptConnection decides whether a new connection should be accepted.
// Banned peers are always rejected. Inbound connections are rejected at max
// peers while outbound ones may use the reserved slots.
func (pm *PeerManager) ShouldAcceptConnection(pid peer.ID, dir network.Direction) bool {
	if pm.scoring != nil && pm.scoring.IsBanned(pid) {
		return false
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	// Already connected: allow (idempotent).
	if _, ok := pm.peers[pid]; ok {
		return true
	}
	if len(pm.peers) < pm.maxPeers {
		return true
	}
	return dir == network.DirOutbound && !pm.outboundSlotsFullLocked()
}

// EvictWorstPeer finds the lowest-scored peer and returns its ID.
// Returns empty peer.ID if no evictable peer exists.
func (pm *PeerManager) EvictWorstPeer() peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.scoring == nil {
		return ""
	}

	var worstPeer peer.ID
	worstScore := float64(0)
	first := true

	for pid := range pm.peers {
		score := pm.scoring.Score(pid)
		if first || score < worstScore || (score == worstScore && pid < worstPeer) {
			worstPeer = pid
			worstScore = score
			first = false
		}
	}

	return worstPeer
}

// OutboundCount returns the number of outbound connections.
func (pm *PeerManager) OutboundCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.outboundCountLocked()
}

func (pm *PeerManager) outboundCountLocked() int {
	count := 0
	for _, info := range pm.peers {
		if info.Direction == Outbound {
			count++
		}
	}
	return count
}

// OutboundSlotsFull returns true if the outbound-reserved slots are filled.
// Anti-eclipse: at least outboundReservedRatio of maxPeers should be outbound.
func (pm *PeerManager) OutboundSlotsFull() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.outboundSlotsFullLocked()
}

func (pm *PeerManager) outboundSlotsFullLocked() bool {
	reserved := int(float64(pm.maxPeers) * outboundReservedRatio)
	if reserved < 1 {
		reserved = 1
	}
	return pm.outboundCountLocked() >= reserved
}

// Peers returns a copy of every tracked peer, ordered by ID.
func (pm *PeerManager) Peers() []PeerInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]PeerInfo, 0, len(pm.peers))
	for _, info := range pm.peers {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
