package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildSnapshotRequiresTwoChains(t *testing.T) {
	idx := New(10*time.Minute, 1000, 100, nil)
	idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "ETH/USDC", Price: 2500, Timestamp: time.Now().UnixMilli()})

	snap := idx.BuildSnapshot()
	require.Empty(t, snap.Pairs)

	idx.HandleUpdate(PriceUpdate{Chain: "arbitrum", PairKey: "ETH/USDC", Price: 2550, Timestamp: time.Now().UnixMilli()})
	snap = idx.BuildSnapshot()
	require.Len(t, snap.Pairs, 1)
	require.Len(t, snap.ByToken["ETH/USDC"], 2)
}

func TestHandleUpdateOverwritesByChainAndPair(t *testing.T) {
	idx := New(10*time.Minute, 1000, 100, nil)
	idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "ETH/USDC", Price: 2500, Timestamp: time.Now().UnixMilli()})
	idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "ETH/USDC", Price: 2600, Timestamp: time.Now().UnixMilli()})
	idx.HandleUpdate(PriceUpdate{Chain: "arbitrum", PairKey: "ETH/USDC", Price: 2550, Timestamp: time.Now().UnixMilli()})

	snap := idx.BuildSnapshot()
	points := snap.ByToken["ETH/USDC"]
	require.Len(t, points, 2)
	for _, p := range points {
		if p.Chain == "ethereum" {
			require.Equal(t, 2600.0, p.Price)
		}
	}
}

func TestCapacityEvictsOldestByLastAccess(t *testing.T) {
	idx := New(10*time.Minute, 2, 100, nil)
	idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "A/B", Price: 1, Timestamp: time.Now().UnixMilli()})
	time.Sleep(2 * time.Millisecond)
	idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "C/D", Price: 2, Timestamp: time.Now().UnixMilli()})
	time.Sleep(2 * time.Millisecond)
	idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "E/F", Price: 3, Timestamp: time.Now().UnixMilli()})

	snap := idx.BuildSnapshot()
	total := 0
	for _, pts := range snap.ByToken {
		total += len(pts)
	}
	require.LessOrEqual(t, total, 2)
}

func TestHistoryIsCircularAndOrdered(t *testing.T) {
	idx := New(10*time.Minute, 1000, 3, nil)
	for i := 1; i <= 5; i++ {
		idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "ETH/USDC", Price: float64(i), Timestamp: time.Now().UnixMilli()})
	}
	hist := idx.History("ethereum", "ETH/USDC")
	require.Len(t, hist, 3)
	require.Equal(t, 3.0, hist[0].Price)
	require.Equal(t, 5.0, hist[2].Price)
}

func TestCleanupEvictsExpiredKeys(t *testing.T) {
	idx := New(1*time.Millisecond, 1000, 100, nil)
	idx.HandleUpdate(PriceUpdate{Chain: "ethereum", PairKey: "ETH/USDC", Price: 1, Timestamp: time.Now().UnixMilli()})
	time.Sleep(5 * time.Millisecond)
	idx.Cleanup()

	snap := idx.BuildSnapshot()
	require.Empty(t, snap.Pairs)
}
