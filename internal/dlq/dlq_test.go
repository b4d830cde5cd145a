package dlq

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/streamname"
	"github.com/chainarb/detector/internal/transport"
)

func newTestTransport(t *testing.T) *transport.Bolt {
	t.Helper()
	tr, err := transport.OpenBolt(filepath.Join(t.TempDir(), "dlq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestScanTalliesByErrorCode(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	s := New(tr, zap.NewNop(), nil, time.Minute, 1000)

	_, err := tr.Append(ctx, streamname.DeadLetterQueue, map[string]string{"error": "[VAL_MISSING_ID] missing id"}, 0)
	require.NoError(t, err)
	_, err = tr.Append(ctx, streamname.DeadLetterQueue, map[string]string{"error": "[VAL_MISSING_ID] missing id"}, 0)
	require.NoError(t, err)
	_, err = tr.Append(ctx, streamname.DeadLetterQueue, map[string]string{"error": "[ERR_HANDLER_FATAL] boom"}, 0)
	require.NoError(t, err)

	stats, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Total)
	require.Equal(t, int64(2), stats.ByCode["VAL_MISSING_ID"])
	require.Equal(t, int64(1), stats.ByCode["ERR_HANDLER_FATAL"])

	fetched := s.GetStats()
	require.Equal(t, stats.Total, fetched.Total)
}

func TestReplayWithoutPayloadFails(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	s := New(tr, zap.NewNop(), nil, time.Minute, 1000)

	id, err := tr.Append(ctx, streamname.DeadLetterQueue, map[string]string{"error": "[ERR_NO_CHAIN] x"}, 0)
	require.NoError(t, err)

	ok := s.Replay(ctx, id)
	require.False(t, ok)

	n, err := tr.Len(ctx, streamname.ExecutionRequests)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestReplayWithValidPayloadAppendsMarkerFields(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	s := New(tr, zap.NewNop(), nil, time.Minute, 1000)

	original := map[string]interface{}{"id": "opp-1", "tokenPair": "ETH/USDC"}
	raw, err := json.Marshal(original)
	require.NoError(t, err)

	id, err := tr.Append(ctx, streamname.DeadLetterQueue, map[string]string{
		"error":           "[ERR_HANDLER_FATAL] boom",
		"originalPayload": string(raw),
	}, 0)
	require.NoError(t, err)

	ok := s.Replay(ctx, id)
	require.True(t, ok)

	entries, err := tr.Range(ctx, streamname.ExecutionRequests, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.Equal(t, "opp-1", entries[0].Fields["id"])
	require.Equal(t, "true", entries[0].Fields["replayed"])
	require.Contains(t, entries[0].Fields["originalError"], "ERR_HANDLER_FATAL")
	require.NotEmpty(t, entries[0].Fields["replayedAt"])
}

func TestReplayMessageNotFound(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	s := New(tr, zap.NewNop(), nil, time.Minute, 1000)

	ok := s.Replay(ctx, "does-not-exist")
	require.False(t, ok)
}
