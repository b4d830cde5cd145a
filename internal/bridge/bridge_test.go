package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsAreNaNSafeWithZeroSuccesses(t *testing.T) {
	m := New(nil)
	key := Key{Source: "ethereum", Target: "arbitrum", Bridge: "stargate"}
	m.UpdateModel(key, Outcome{Latency: 10 * time.Second, Success: false, Timestamp: time.Now()})
	m.UpdateModel(key, Outcome{Latency: 20 * time.Second, Success: false, Timestamp: time.Now()})

	rm := m.GetBridgeMetrics(key)
	require.Equal(t, int64(2), rm.SampleCount)
	require.Equal(t, 0.0, rm.SuccessRate)
	require.Equal(t, 0.0, rm.AvgLatencySeconds)
	require.Equal(t, 0.0, rm.AvgCostUSD)
	require.Equal(t, 0.0, rm.MinLatencySeconds)
	require.Equal(t, 0.0, rm.MaxLatencySeconds)
}

func TestMetricsComputeOnlyOverSuccesses(t *testing.T) {
	m := New(nil)
	key := Key{Source: "ethereum", Target: "optimism", Bridge: "across"}
	m.UpdateModel(key, Outcome{Latency: 100 * time.Second, Cost: 5, Success: true, Timestamp: time.Now()})
	m.UpdateModel(key, Outcome{Latency: 200 * time.Second, Cost: 15, Success: true, Timestamp: time.Now()})
	m.UpdateModel(key, Outcome{Latency: 9999 * time.Second, Cost: 999, Success: false, Timestamp: time.Now()})

	rm := m.GetBridgeMetrics(key)
	require.Equal(t, int64(3), rm.SampleCount)
	require.InDelta(t, 2.0/3.0, rm.SuccessRate, 1e-9)
	require.InDelta(t, 150, rm.AvgLatencySeconds, 1e-9)
	require.InDelta(t, 10, rm.AvgCostUSD, 1e-9)
	require.InDelta(t, 100, rm.MinLatencySeconds, 1e-9)
	require.InDelta(t, 200, rm.MaxLatencySeconds, 1e-9)
}

func TestPredictLatencyUsesStaticFallbackUnderTenSamples(t *testing.T) {
	m := New(nil)
	key := Key{Source: "ethereum", Target: "arbitrum", Bridge: "stargate"}
	for i := 0; i < 5; i++ {
		m.UpdateModel(key, Outcome{Latency: 50 * time.Second, Success: true, Timestamp: time.Now()})
	}

	pred := m.PredictLatency(key)
	require.Equal(t, "fallback", pred.Source)
	require.Equal(t, 180.0, pred.LatencySeconds)
	require.LessOrEqual(t, pred.Confidence, 0.3)
}

func TestPredictLatencyUsesUnknownRouteFallback(t *testing.T) {
	m := New(nil)
	key := Key{Source: "polygon", Target: "base", Bridge: "hop"}
	pred := m.PredictLatency(key)
	require.Equal(t, "fallback", pred.Source)
	require.Equal(t, 300.0, pred.LatencySeconds)
}

func TestPredictLatencyUsesModelEstimateAtOrAboveTenSamples(t *testing.T) {
	m := New(nil)
	key := Key{Source: "ethereum", Target: "arbitrum", Bridge: "stargate"}
	for i := 0; i < 50; i++ {
		m.UpdateModel(key, Outcome{Latency: 90 * time.Second, Cost: 2, Success: true, Timestamp: time.Now()})
	}

	pred := m.PredictLatency(key)
	require.Equal(t, "model", pred.Source)
	require.InDelta(t, 90, pred.LatencySeconds, 1e-6)
	require.InDelta(t, 2, pred.CostUSD, 1e-6)
	require.InDelta(t, 1.0, pred.Confidence, 1e-6) // no variance, full sample count
}

func TestPredictOptimalBridgeNilWhenNoRoutesKnown(t *testing.T) {
	m := New(nil)
	require.Nil(t, m.PredictOptimalBridge("ethereum", "arbitrum", 10_000, UrgencyHigh))
}

func TestPredictOptimalBridgePicksLowerWeightedScore(t *testing.T) {
	m := New(nil)
	fast := Key{Source: "ethereum", Target: "arbitrum", Bridge: "fastbridge"}
	cheap := Key{Source: "ethereum", Target: "arbitrum", Bridge: "cheapbridge"}
	for i := 0; i < 20; i++ {
		m.UpdateModel(fast, Outcome{Latency: 10 * time.Second, Cost: 500, Success: true, Timestamp: time.Now()})
		m.UpdateModel(cheap, Outcome{Latency: 600 * time.Second, Cost: 1, Success: true, Timestamp: time.Now()})
	}

	best := m.PredictOptimalBridge("ethereum", "arbitrum", 10_000, UrgencyHigh)
	require.NotNil(t, best)
	require.Equal(t, "fastbridge", best.Bridge)

	best = m.PredictOptimalBridge("ethereum", "arbitrum", 10_000, UrgencyLow)
	require.NotNil(t, best)
	require.Equal(t, "cheapbridge", best.Bridge)
}

func TestGetAvailableRoutesIsDirectionAgnostic(t *testing.T) {
	m := New(nil)
	m.UpdateModel(Key{Source: "ethereum", Target: "arbitrum", Bridge: "stargate"}, Outcome{Success: true, Timestamp: time.Now()})

	routes := m.GetAvailableRoutes("arbitrum", "ethereum")
	require.Equal(t, []string{"stargate"}, routes)
}

func TestCleanupDropsEntriesOlderThanRetention(t *testing.T) {
	m := New(nil)
	key := Key{Source: "ethereum", Target: "arbitrum", Bridge: "stargate"}
	m.UpdateModel(key, Outcome{Latency: time.Second, Success: true, Timestamp: time.Now().Add(-48 * time.Hour)})
	m.UpdateModel(key, Outcome{Latency: time.Second, Success: true, Timestamp: time.Now()})

	m.Cleanup(24 * time.Hour)

	rm := m.GetBridgeMetrics(key)
	require.Equal(t, int64(1), rm.SampleCount)
}
