package standby

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLeader struct {
	mu              sync.Mutex
	isLeader        bool
	isStandby       bool
	canBecomeLeader bool
	activating      bool

	tryAcquireCalls int32
	tryAcquireResult bool
	tryAcquireDelay  time.Duration
}

func (f *fakeLeader) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isLeader
}
func (f *fakeLeader) IsStandby() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isStandby
}
func (f *fakeLeader) CanBecomeLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canBecomeLeader
}
func (f *fakeLeader) SetActivating(v bool) {
	f.mu.Lock()
	f.activating = v
	f.mu.Unlock()
}
func (f *fakeLeader) ClearStandby() {
	f.mu.Lock()
	f.isStandby = false
	f.mu.Unlock()
}
func (f *fakeLeader) TryAcquire(ctx context.Context) bool {
	atomic.AddInt32(&f.tryAcquireCalls, 1)
	if f.tryAcquireDelay > 0 {
		time.Sleep(f.tryAcquireDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tryAcquireResult {
		f.isLeader = true
	}
	return f.tryAcquireResult
}

func TestActivationCoalescesConcurrentCallers(t *testing.T) {
	fl := &fakeLeader{isStandby: true, canBecomeLeader: true, tryAcquireResult: false, tryAcquireDelay: 30 * time.Millisecond}
	m := New(fl, zap.NewNop(), nil, nil)

	const n = 3
	results := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = m.ActivateStandby(context.Background())
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.False(t, r)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&fl.tryAcquireCalls))
}

func TestAlreadyLeaderIsIdempotentNoOp(t *testing.T) {
	fl := &fakeLeader{isLeader: true}
	m := New(fl, zap.NewNop(), nil, nil)
	require.True(t, m.ActivateStandby(context.Background()))
	require.Equal(t, int32(0), atomic.LoadInt32(&fl.tryAcquireCalls))
}

func TestNotStandbyReturnsFalse(t *testing.T) {
	fl := &fakeLeader{isStandby: false, canBecomeLeader: true}
	m := New(fl, zap.NewNop(), nil, nil)
	require.False(t, m.ActivateStandby(context.Background()))
}

func TestSuccessfulActivationClearsStandbyAndFiresHook(t *testing.T) {
	fl := &fakeLeader{isStandby: true, canBecomeLeader: true, tryAcquireResult: true}
	var hookCalled bool
	m := New(fl, zap.NewNop(), nil, func() { hookCalled = true })

	require.True(t, m.ActivateStandby(context.Background()))
	require.True(t, hookCalled)
	require.False(t, fl.IsStandby())
	require.False(t, m.GetIsActivating())
}

func TestSubsequentActivationsAreIndependent(t *testing.T) {
	fl := &fakeLeader{isStandby: true, canBecomeLeader: true, tryAcquireResult: false}
	m := New(fl, zap.NewNop(), nil, nil)

	require.False(t, m.ActivateStandby(context.Background()))
	require.False(t, m.ActivateStandby(context.Background()))
	require.Equal(t, int32(2), atomic.LoadInt32(&fl.tryAcquireCalls))
}
