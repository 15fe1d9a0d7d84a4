package quorum

import (
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

func TestResolveSingleValueAnyThreshold(t *testing.T) {
	for threshold := 0; threshold <= 100; threshold += 5 {
		got, ok := Resolve([]string{"A", "A", "A"}, threshold)
		require.True(t, ok, "threshold %d", threshold)
		require.Equal(t, "A", got)

		got, ok = Resolve([]string{"B"}, threshold)
		require.True(t, ok, "threshold %d", threshold)
		require.Equal(t, "B", got)
	}
}

func TestResolveRejectsBelowThreshold(t *testing.T) {
	_, ok := Resolve([]string{"A", "A", "B", "B"}, 60)
	require.False(t, ok, "50%% must not clear a 60%% threshold")
}

func TestResolveAcceptsAboveThreshold(t *testing.T) {
	got, ok := Resolve([]string{"A", "A", "A", "B"}, 60)
	require.True(t, ok)
	require.Equal(t, "A", got)
}

func TestResolveEmpty(t *testing.T) {
	for _, threshold := range []int{0, 1, 51, 100} {
		_, ok := Resolve([]int(nil), threshold)
		require.False(t, ok)
	}
}

func TestResolveUsesIntegerDivision(t *testing.T) {
	// 2 of 3 is 66.6%, which truncates to 66.
	_, ok := Resolve([]string{"A", "A", "B"}, 67)
	require.False(t, ok)

	got, ok := Resolve([]string{"A", "A", "B"}, 66)
	require.True(t, ok)
	require.Equal(t, "A", got)
}

func TestResolveThresholdBounds(t *testing.T) {
	got, ok := Resolve([]string{"B", "A", "C"}, 0)
	require.True(t, ok, "threshold 0 means any report wins")
	require.Equal(t, "B", got)

	_, ok = Resolve([]string{"A", "A", "A", "B"}, 100)
	require.False(t, ok, "threshold 100 requires unanimity")
}

func TestResolveTieEarliest(t *testing.T) {
	got, ok := ResolveWith([]string{"B", "A", "A", "B"}, 50, TieBreakEarliest)
	require.True(t, ok)
	require.Equal(t, "B", got, "B was reported first")

	got, ok = ResolveWith([]string{"A", "B", "B", "A"}, 50, TieBreakEarliest)
	require.True(t, ok)
	require.Equal(t, "A", got)
}

func TestResolveTieNone(t *testing.T) {
	_, ok := ResolveWith([]string{"B", "A", "A", "B"}, 50, TieBreakNone)
	require.False(t, ok, "tied top counts never reach consensus")

	// A tie below the top does not matter.
	got, ok := ResolveWith([]string{"A", "A", "B", "C"}, 50, TieBreakNone)
	require.True(t, ok)
	require.Equal(t, "A", got)
}

func TestResolveTieBelowThresholdIsNoneForBothPolicies(t *testing.T) {
	for _, tb := range []TieBreak{TieBreakEarliest, TieBreakNone} {
		_, ok := ResolveWith([]string{"A", "B"}, 51, tb)
		require.False(t, ok, tb.String())
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	reports := []string{"C", "A", "B", "A", "B", "C"}
	first, ok := Resolve(reports, 30)
	require.True(t, ok)
	for range 50 {
		got, ok := Resolve(reports, 30)
		require.True(t, ok)
		require.Equal(t, first, got)
	}
	require.Equal(t, "C", first)
}

func TestResolveConcurrent(t *testing.T) {
	reports := []int{1, 1, 1, 2}
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok := Resolve(reports, 60)
			if !ok || got != 1 {
				t.Errorf("got (%d, %v), want (1, true)", got, ok)
			}
		}()
	}
	wg.Wait()
}

func TestTallyOrder(t *testing.T) {
	counts := Tally([]string{"x", "y", "y", "z", "x", "y"})
	require.Len(t, counts, 3)
	require.Equal(t, "y", counts[0].Value)
	require.Equal(t, 3, counts[0].Votes)
	require.Equal(t, "x", counts[1].Value)
	require.Equal(t, "z", counts[2].Value)
}

func TestValidateThreshold(t *testing.T) {
	require.NoError(t, ValidateThreshold(0))
	require.NoError(t, ValidateThreshold(100))
	require.Error(t, ValidateThreshold(-1))
	require.Error(t, ValidateThreshold(101))
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("none")
	require.NoError(t, err)
	require.Equal(t, TieBreakNone, tb)

	tb, err = ParseTieBreak("")
	require.NoError(t, err)
	require.Equal(t, TieBreakEarliest, tb)

	_, err = ParseTieBreak("random")
	require.Error(t, err)
}

func TestResolveBeaconsAndConflicting(t *testing.T) {
	a := types.CheckpointBeacon{Epoch: 10, BlockHash: types.Hash{0xaa}}
	b := types.CheckpointBeacon{Epoch: 10, BlockHash: types.Hash{0xbb}}
	behind := types.CheckpointBeacon{Epoch: 9, BlockHash: types.Hash{0x99}}
	ahead := types.CheckpointBeacon{Epoch: 11, BlockHash: types.Hash{0xcc}}
	now := time.Now()
	reports := []PeerReport{
		{Peer: peer.ID("p1"), Beacon: a, ReceivedAt: now},
		{Peer: peer.ID("p2"), Beacon: a, ReceivedAt: now},
		{Peer: peer.ID("p3"), Beacon: b, ReceivedAt: now},
		{Peer: peer.ID("p4"), Beacon: a, ReceivedAt: now},
		{Peer: peer.ID("p5"), Beacon: behind, ReceivedAt: now},
		{Peer: peer.ID("p6"), Beacon: ahead, ReceivedAt: now},
	}

	agreed, ok := ResolveBeacons(reports, 50, TieBreakEarliest)
	require.True(t, ok)
	require.Equal(t, a, agreed)
	require.Equal(t, []peer.ID{"p3", "p6"}, Conflicting(reports, agreed), "a lagging peer is not conflicting")
	require.Equal(t, []peer.ID{"p1", "p2", "p4"}, Agreeing(reports, agreed))
}
