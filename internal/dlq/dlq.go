// Package dlq implements a periodic scan of the dead-letter queue
// stream, classification by error code, and replay of preserved
// payloads.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/streamname"
	"github.com/chainarb/detector/internal/transport"
)

// replayPageCap bounds how many pages Replay will scan looking for a
// target message id before giving up.
const replayPageCap = 100

const replayPageSize = 100

var codePattern = regexp.MustCompile(`^\[([A-Z_]+)\]`)

// Stats is an atomically-replaced snapshot of the last scan.
type Stats struct {
	Total          int64
	OldestAgeSecs  float64
	ByCode         map[string]int64
	LastScanAt     time.Time
}

// Supervisor runs the DLQ scan/replay loop for one instance.
type Supervisor struct {
	transport          transport.Transport
	log                *zap.Logger
	metrics            *metrics.Metrics
	scanInterval       time.Duration
	maxMessagesPerScan int64

	mu    sync.RWMutex
	stats Stats

	startOnce, stopOnce sync.Once
	stopCh              chan struct{}
	done                chan struct{}
}

// New constructs a Supervisor.
func New(tr transport.Transport, log *zap.Logger, m *metrics.Metrics, scanInterval time.Duration, maxMessagesPerScan int64) *Supervisor {
	return &Supervisor{
		transport: tr, log: log, metrics: m,
		scanInterval: scanInterval, maxMessagesPerScan: maxMessagesPerScan,
		stats:  Stats{ByCode: map[string]int64{}},
		stopCh: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start begins the periodic scan loop. Idempotent.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

// Stop halts the scan loop. Idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.log.Warn("dlq scan failed", zap.Error(err))
			}
		}
	}
}

// Scan reads up to maxMessagesPerScan entries from the DLQ stream
// starting at the earliest entry, tallies them by extracted error code,
// and atomically replaces the stats snapshot.
func (s *Supervisor) Scan(ctx context.Context) (Stats, error) {
	entries, err := s.transport.Range(ctx, streamname.DeadLetterQueue, "", s.maxMessagesPerScan)
	if err != nil {
		return Stats{}, fmt.Errorf("dlq.Scan: %w", err)
	}

	byCode := map[string]int64{}
	var oldest time.Time
	for _, e := range entries {
		code := extractCode(e.Fields["error"])
		byCode[code]++
		if oldest.IsZero() || e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
	}

	var ageSecs float64
	if !oldest.IsZero() {
		ageSecs = time.Since(oldest).Seconds()
	}

	snapshot := Stats{
		Total:         int64(len(entries)),
		OldestAgeSecs: ageSecs,
		ByCode:        byCode,
		LastScanAt:    time.Now(),
	}

	s.mu.Lock()
	s.stats = snapshot
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DLQDepth.Set(float64(snapshot.Total))
		s.metrics.DLQOldestAgeSeconds.Set(ageSecs)
	}
	return snapshot, nil
}

// GetStats returns the most recent scan snapshot.
func (s *Supervisor) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.stats
	cp.ByCode = make(map[string]int64, len(s.stats.ByCode))
	for k, v := range s.stats.ByCode {
		cp.ByCode[k] = v
	}
	return cp
}

// Replay finds messageID in the DLQ stream (paginating up to
// replayPageCap pages) and, if its originalPayload is present and
// JSON-parseable, republishes it onto the execution-requests stream
// with three marker fields added: replayed, originalError, replayedAt.
// Replay never bypasses downstream validation — it only re-injects the
// payload at the front of the pipeline.
func (s *Supervisor) Replay(ctx context.Context, messageID string) bool {
	entry, found := s.findEntry(ctx, messageID)
	if !found {
		s.log.Warn("replay: message not found", zap.String("id", messageID))
		s.recordReplayFailure()
		return false
	}

	raw := entry.Fields["originalPayload"]
	if raw == "" {
		s.log.Warn("replay: no originalPayload", zap.String("id", messageID))
		s.recordReplayFailure()
		return false
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		s.log.Warn("replay: originalPayload is not valid JSON", zap.String("id", messageID), zap.Error(err))
		s.recordReplayFailure()
		return false
	}

	payload["replayed"] = true
	payload["originalError"] = entry.Fields["error"]
	payload["replayedAt"] = event.NowMillis()

	fields, err := toFieldMap(payload)
	if err != nil {
		s.log.Error("replay: failed to encode payload", zap.Error(err))
		s.recordReplayFailure()
		return false
	}

	if _, err := s.transport.Append(ctx, streamname.ExecutionRequests, fields, 0); err != nil {
		s.log.Error("replay: failed to append execution request", zap.Error(err))
		s.recordReplayFailure()
		return false
	}

	if s.metrics != nil {
		s.metrics.DLQReplayedTotal.Inc()
	}
	return true
}

func (s *Supervisor) recordReplayFailure() {
	if s.metrics != nil {
		s.metrics.DLQReplayFailedTotal.Inc()
	}
}

func (s *Supervisor) findEntry(ctx context.Context, messageID string) (transport.StreamEntry, bool) {
	cursor := ""
	for page := 0; page < replayPageCap; page++ {
		entries, err := s.transport.Range(ctx, streamname.DeadLetterQueue, cursor, replayPageSize)
		if err != nil || len(entries) == 0 {
			return transport.StreamEntry{}, false
		}
		for _, e := range entries {
			if e.Fields["originalMessageId"] == messageID || e.ID == messageID {
				return e, true
			}
		}
		cursor = entries[len(entries)-1].ID
	}
	return transport.StreamEntry{}, false
}

func extractCode(errField string) string {
	m := codePattern.FindStringSubmatch(errField)
	if len(m) == 2 {
		return m[1]
	}
	return "UNKNOWN"
}

func toFieldMap(v interface{}) (map[string]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(generic))
	for k, val := range generic {
		switch t := val.(type) {
		case string:
			out[k] = t
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
