package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/election"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/standby"
	"github.com/chainarb/detector/internal/transport"
)

func openTestBolt(t *testing.T) *transport.Bolt {
	t.Helper()
	b, err := transport.OpenBolt(t.TempDir() + "/coordinator.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestCoordinator(t *testing.T, tr *transport.Bolt, streams []StreamGroup, cfg Config) *Coordinator {
	t.Helper()
	m := metrics.New()
	log := zap.NewNop()
	el := election.New(election.Config{
		LockKey: "lock:leader", LockTTL: 15 * time.Second, HeartbeatInterval: 5 * time.Second,
		InstanceID: "node-1", CanBecomeLeader: true, MaxHeartbeatFailures: 3,
	}, tr, log, m, nil, nil)
	sb := standby.New(el, log, m, nil)
	id := InstanceDescriptor{InstanceID: "node-1", RegionID: "us-east"}
	return New(cfg, id, streams, tr, el, sb, m, log)
}

func TestScanFindsNoConsumerGroupWhenStreamHasEntriesButNoGroup(t *testing.T) {
	tr := openTestBolt(t)
	ctx := context.Background()
	_, err := tr.Append(ctx, "stream:test", map[string]string{"a": "1"}, 0)
	require.NoError(t, err)

	cfg := DefaultConfig()
	c := newTestCoordinator(t, tr, []StreamGroup{{Stream: "stream:test"}}, cfg)

	obs := c.Scan(ctx)
	require.Contains(t, findings(obs), NoConsumerGroup)
}

func TestScanFindsUnboundedStream(t *testing.T) {
	tr := openTestBolt(t)
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "stream:test", "grp"))
	for i := 0; i < 5; i++ {
		_, err := tr.Append(ctx, "stream:test", map[string]string{"a": "1"}, 0)
		require.NoError(t, err)
	}

	cfg := DefaultConfig()
	cfg.UnboundedStreamLen = 3
	c := newTestCoordinator(t, tr, []StreamGroup{{Stream: "stream:test", Group: "grp"}}, cfg)

	obs := c.Scan(ctx)
	require.Contains(t, findings(obs), UnboundedStream)
}

func TestScanCompletesForGroupWithPendingEntries(t *testing.T) {
	tr := openTestBolt(t)
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "stream:test", "grp"))
	_, err := tr.Append(ctx, "stream:test", map[string]string{"a": "1"}, 0)
	require.NoError(t, err)
	_, err = tr.ReadGroup(ctx, "stream:test", "grp", "consumer-1", 10, 0)
	require.NoError(t, err)
	// Entry is now pending under consumer-1; simulate it vanishing by not
	// acking and treating the group as having zero live consumers is not
	// directly observable via this Transport, so this test only exercises
	// the scan path completes without error for a group with pending work.
	cfg := DefaultConfig()
	c := newTestCoordinator(t, tr, []StreamGroup{{Stream: "stream:test", Group: "grp"}}, cfg)
	require.NotPanics(t, func() { c.Scan(ctx) })
}

func TestScanFindsStreamGrowingAcrossCycles(t *testing.T) {
	tr := openTestBolt(t)
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "stream:test", "grp"))

	cfg := DefaultConfig()
	cfg.StreamGrowthDelta = 2
	c := newTestCoordinator(t, tr, []StreamGroup{{Stream: "stream:test", Group: "grp"}}, cfg)
	c.Scan(ctx) // establish baseline

	for i := 0; i < 5; i++ {
		_, err := tr.Append(ctx, "stream:test", map[string]string{"a": "1"}, 0)
		require.NoError(t, err)
	}
	obs := c.Scan(ctx)
	require.Contains(t, findings(obs), StreamGrowing)
}

func TestFailoverTriggersAfterSustainedCritical(t *testing.T) {
	tr := openTestBolt(t)
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "stream:test", "grp"))
	_, err := tr.Append(ctx, "stream:test", map[string]string{"a": "1"}, 0)
	require.NoError(t, err)
	_, err = tr.ReadGroup(ctx, "stream:test", "grp", "consumer-1", 10, 0)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ConsumerLagThreshold = -1 // force ConsumerLag critical every cycle
	cfg.FailoverTimeout = 0       // trip immediately once critical
	c := newTestCoordinator(t, tr, []StreamGroup{{Stream: "stream:test", Group: "grp"}}, cfg)

	c.Scan(ctx)
	time.Sleep(2 * time.Millisecond)
	c.Scan(ctx)

	entries, err := tr.Range(ctx, "stream:system-failover", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCircuitBreakerRequiresMatchingAPIKey(t *testing.T) {
	tr := openTestBolt(t)
	cfg := DefaultConfig()
	cfg.CircuitBreakerAPIKey = "secret-key"
	c := newTestCoordinator(t, tr, nil, cfg)

	require.False(t, c.OpenCircuitBreaker("wrong-key"))
	require.False(t, c.CircuitBreakerState())

	require.True(t, c.OpenCircuitBreaker("secret-key"))
	require.True(t, c.CircuitBreakerState())

	require.True(t, c.CloseCircuitBreaker("secret-key"))
	require.False(t, c.CircuitBreakerState())
}

func TestCircuitBreakerRejectsWhenNoKeyConfigured(t *testing.T) {
	tr := openTestBolt(t)
	c := newTestCoordinator(t, tr, nil, DefaultConfig())
	require.False(t, c.OpenCircuitBreaker(""))
}

func findings(obs []Observation) []Finding {
	out := make([]Finding, 0, len(obs))
	for _, o := range obs {
		out = append(out, o.Finding)
	}
	return out
}
