package consumer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/transport"
)

func newTestTransport(t *testing.T) *transport.Bolt {
	t.Helper()
	tr, err := transport.OpenBolt(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestDispatchAcknowledgesOnSuccess(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []string
	handle := func(_ context.Context, fields map[string]string) error {
		mu.Lock()
		got = append(got, fields["id"])
		mu.Unlock()
		return nil
	}

	r := New(tr, zap.NewNop(), nil, 0)
	sub := Subscription{
		Stream: "s1", Group: "g1", Consumer: "c1",
		BatchSize: 10, BlockTimeout: 20 * time.Millisecond, ClaimIdle: time.Hour, MaxDeliveries: 3,
		Validate: ValidateHasID, Handle: handle,
	}
	require.NoError(t, r.Subscribe(ctx, sub))

	_, err := tr.Append(ctx, "s1", map[string]string{"id": "evt-1"}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	r.Wait()

	pending, err := tr.ListPending(context.Background(), "s1", "g1", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestValidationFailureRoutesToDLQ(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := func(_ context.Context, fields map[string]string) error { return nil }

	r := New(tr, zap.NewNop(), nil, 0)
	sub := Subscription{
		Stream: "s1", Group: "g1", Consumer: "c1",
		BatchSize: 10, BlockTimeout: 20 * time.Millisecond, ClaimIdle: time.Hour, MaxDeliveries: 3,
		Validate: ValidateHasID, Handle: handle,
	}
	require.NoError(t, r.Subscribe(ctx, sub))

	_, err := tr.Append(ctx, "s1", map[string]string{"chain": "ethereum"}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := tr.Len(context.Background(), "stream:dead-letter-queue")
		return n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPermanentHandlerFailureRoutesToDLQ(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := func(_ context.Context, fields map[string]string) error {
		return Fatal(CodeErrHandlerFatal, errors.New("boom"))
	}

	r := New(tr, zap.NewNop(), nil, 0)
	sub := Subscription{
		Stream: "s1", Group: "g1", Consumer: "c1",
		BatchSize: 10, BlockTimeout: 20 * time.Millisecond, ClaimIdle: time.Hour, MaxDeliveries: 3,
		Validate: ValidateHasID, Handle: handle,
	}
	require.NoError(t, r.Subscribe(ctx, sub))

	_, err := tr.Append(ctx, "s1", map[string]string{"id": "evt-1"}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := tr.Len(context.Background(), "stream:dead-letter-queue")
		return n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTransientFailureLeavesEntryInPEL(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	var mu sync.Mutex
	handle := func(_ context.Context, fields map[string]string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return Transient(fmt.Errorf("temporary"))
	}

	r := New(tr, zap.NewNop(), nil, 0)
	sub := Subscription{
		Stream: "s1", Group: "g1", Consumer: "c1",
		BatchSize: 10, BlockTimeout: 20 * time.Millisecond, ClaimIdle: time.Hour, MaxDeliveries: 3,
		Validate: ValidateHasID, Handle: handle,
	}
	require.NoError(t, r.Subscribe(ctx, sub))

	_, err := tr.Append(ctx, "s1", map[string]string{"id": "evt-1"}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	r.Wait()

	pending, err := tr.ListPending(context.Background(), "s1", "g1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
