package election

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/transport"
)

func newTestTransport(t *testing.T) *transport.Bolt {
	t.Helper()
	tr, err := transport.OpenBolt(filepath.Join(t.TempDir(), "e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func baseConfig(instanceID string) Config {
	return Config{
		LockKey:              "lock:leader",
		LockTTL:              200 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		InstanceID:           instanceID,
		CanBecomeLeader:      true,
		MaxHeartbeatFailures: 3,
		JitterRange:          0,
	}
}

func TestTryAcquireGrantsExclusiveLeadership(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	e := New(baseConfig("node-a"), tr, zap.NewNop(), nil, nil, nil)

	require.True(t, e.TryAcquire(ctx))
	require.True(t, e.IsLeader())

	other := New(baseConfig("node-b"), tr, zap.NewNop(), nil, nil, nil)
	require.False(t, other.TryAcquire(ctx))
	require.False(t, other.IsLeader())
}

func TestStandbyGateBlocksAcquisitionUntilActivating(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	cfg := baseConfig("node-standby")
	cfg.IsStandby = true
	e := New(cfg, tr, zap.NewNop(), nil, nil, nil)

	require.False(t, e.TryAcquire(ctx))
	e.SetActivating(true)
	require.True(t, e.TryAcquire(ctx))
}

func TestCanBecomeLeaderFalseNeverAcquires(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	cfg := baseConfig("node-a")
	cfg.CanBecomeLeader = false
	e := New(cfg, tr, zap.NewNop(), nil, nil, nil)

	require.False(t, e.TryAcquire(ctx))
}

func TestDemotionAfterConsecutiveRenewalExceptions(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	cfg := baseConfig("node-a")
	e := New(cfg, tr, zap.NewNop(), nil, nil, nil)
	require.True(t, e.TryAcquire(ctx))

	var changes int32
	var lastIsLeader bool
	var mu sync.Mutex
	e.onLeadershipChange = func(isLeader bool) {
		atomic.AddInt32(&changes, 1)
		mu.Lock()
		lastIsLeader = isLeader
		mu.Unlock()
	}

	var alerts []event.LeadershipAlert
	e.onAlert = func(a event.LeadershipAlert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	}

	require.NoError(t, tr.Close())
	badTransport, err := transport.OpenBolt(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, badTransport.Close())
	e.transport = badTransport

	e.renew(ctx)
	e.renew(ctx)
	e.renew(ctx)

	require.False(t, e.IsLeader())
	mu.Lock()
	defer mu.Unlock()
	require.False(t, lastIsLeader)
	require.NotEmpty(t, alerts)
	found := false
	for _, a := range alerts {
		if a.Type == event.LeaderDemotion && a.Severity == event.SeverityCritical {
			found = true
		}
	}
	require.True(t, found, "expected a LEADER_DEMOTION critical alert")
}

func TestStopReleasesLease(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	e := New(baseConfig("node-a"), tr, zap.NewNop(), nil, nil, nil)
	require.True(t, e.TryAcquire(ctx))

	e.Start(ctx)
	e.Stop()

	ok, err := tr.SetIfAbsent(ctx, "lock:leader", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease should have been released on Stop")
}
