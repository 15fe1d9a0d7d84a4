package quorum

import (
	"time"

	"github.com/echenim/Bedrock/walletd/internal/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerReport is one chain-tip observation from one peer, collected during a
// bounded sync window.
type PeerReport struct {
	Peer       peer.ID
	Beacon     types.CheckpointBeacon
	ReceivedAt time.Time
}

// Beacons extracts the reported beacons in report order.
func Beacons(reports []PeerReport) []types.CheckpointBeacon {
	out := make([]types.CheckpointBeacon, len(reports))
	for i, r := range reports {
		out[i] = r.Beacon
	}
	return out
}

// ResolveBeacons runs the resolver over the beacons of a report batch.
// Callers should sort reports by arrival time first when they rely on
// TieBreakEarliest.
func ResolveBeacons(reports []PeerReport, threshold int, tb TieBreak) (types.CheckpointBeacon, bool) {
	return ResolveWith(Beacons(reports), threshold, tb)
}

// Agreeing returns the peers whose report matches the agreed beacon.
func Agreeing(reports []PeerReport, agreed types.CheckpointBeacon) []peer.ID {
	var out []peer.ID
	for _, r := range reports {
		if r.Beacon == agreed {
			out = append(out, r.Peer)
		}
	}
	return out
}

// Conflicting returns the peers that reported a different block at or
// above the agreed epoch. A peer reporting a lower epoch is only behind and
// is left out.
func Conflicting(reports []PeerReport, agreed types.CheckpointBeacon) []peer.ID {
	var out []peer.ID
	for _, r := range reports {
		if r.Beacon != agreed && r.Beacon.Epoch >= agreed.Epoch {
			out = append(out, r.Peer)
		}
	}
	return out
}
