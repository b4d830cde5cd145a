// Package bridge implements the bridge latency model: a per-route
// rolling history (bounded circular buffer), NaN-safe variance-weighted
// confidence, and time-based retention.
//
// The history buffer uses internal/ringbuffer at a fixed capacity of
// 1000, chosen to realize a steady state of at most 1000 retained
// entries per route (oldest overwritten first) without ever needing a
// batch-trim pass over a growable slice.
package bridge

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/ringbuffer"
)

const historyCapacity = 1000

// Urgency biases the optimal-route selection toward latency or cost.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// urgencyWeights returns (latencyWeight, costWeight) for the given
// urgency: low is cost-leaning, medium is balanced, high is
// latency-leaning.
func urgencyWeights(u Urgency) (latency, cost float64) {
	switch u {
	case UrgencyLow:
		return 0.3, 0.7
	case UrgencyHigh:
		return 0.8, 0.2
	default:
		return 0.5, 0.5
	}
}

// Key identifies one bridge route: <sourceChain>-<targetChain>-<bridgeName>.
type Key struct {
	Source string
	Target string
	Bridge string
}

func (k Key) String() string { return fmt.Sprintf("%s-%s-%s", k.Source, k.Target, k.Bridge) }

// Outcome is one observed (or synthetic) bridge transfer result.
type Outcome struct {
	Latency   time.Duration
	Cost      float64
	Success   bool
	Timestamp time.Time
}

// RouteMetrics are the NaN-safe derived statistics for one route.
type RouteMetrics struct {
	SampleCount       int64
	SuccessRate       float64
	AvgLatencySeconds float64
	MinLatencySeconds float64
	MaxLatencySeconds float64
	AvgCostUSD        float64
}

// Prediction is the result of PredictLatency/PredictOptimalBridge.
type Prediction struct {
	Bridge            string
	LatencySeconds    float64
	CostUSD           float64
	Confidence        float64
	Source            string // "model" or "fallback"
}

// staticFallback gives a conservative latency estimate for routes with
// too little history.
func staticFallback(k Key) float64 {
	pair := normalizedPair(k.Source, k.Target)
	switch {
	case strings.EqualFold(k.Bridge, "stargate") && pair == normalizedPair("ethereum", "arbitrum"):
		return 180
	case strings.EqualFold(k.Bridge, "across") && pair == normalizedPair("ethereum", "optimism"):
		return 120
	default:
		return 300
	}
}

func normalizedPair(a, b string) string {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Model owns the per-route rolling history for every bridge key it has
// seen. Safe for concurrent use.
type Model struct {
	mu      sync.RWMutex
	history map[string]*ringbuffer.Buffer[Outcome]
	metrics *metrics.Metrics
}

// New constructs an empty Model.
func New(m *metrics.Metrics) *Model {
	return &Model{history: make(map[string]*ringbuffer.Buffer[Outcome]), metrics: m}
}

// UpdateModel records one observed outcome for key.
func (m *Model) UpdateModel(key Key, outcome Outcome) {
	ks := key.String()
	m.mu.Lock()
	rb, ok := m.history[ks]
	if !ok {
		rb = ringbuffer.New[Outcome](historyCapacity)
		m.history[ks] = rb
	}
	rb.Push(outcome)
	size := rb.Len()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BridgeHistorySize.WithLabelValues(ks).Set(float64(size))
	}
}

// GetBridgeMetrics computes the NaN-safe derived statistics for key.
func (m *Model) GetBridgeMetrics(key Key) RouteMetrics {
	entries := m.entriesFor(key)
	return computeMetrics(entries)
}

func computeMetrics(entries []Outcome) RouteMetrics {
	total := int64(len(entries))
	if total == 0 {
		return RouteMetrics{}
	}

	var successes []Outcome
	for _, e := range entries {
		if e.Success {
			successes = append(successes, e)
		}
	}
	rm := RouteMetrics{
		SampleCount: total,
		SuccessRate: float64(len(successes)) / float64(total),
	}
	if len(successes) == 0 {
		// Zero successes must return all-zero, never NaN or ±Inf.
		return rm
	}

	var sumLatency, sumCost float64
	minLat := math.Inf(1)
	maxLat := math.Inf(-1)
	for _, e := range successes {
		secs := e.Latency.Seconds()
		sumLatency += secs
		sumCost += e.Cost
		if secs < minLat {
			minLat = secs
		}
		if secs > maxLat {
			maxLat = secs
		}
	}
	n := float64(len(successes))
	rm.AvgLatencySeconds = sumLatency / n
	rm.AvgCostUSD = sumCost / n
	rm.MinLatencySeconds = minLat
	rm.MaxLatencySeconds = maxLat
	return rm
}

func variance(successes []Outcome, mean float64) float64 {
	if len(successes) == 0 {
		return 0
	}
	var sumSq float64
	for _, e := range successes {
		d := e.Latency.Seconds() - mean
		sumSq += d * d
	}
	return sumSq / float64(len(successes))
}

// PredictLatency runs a two-tier prediction: a conservative
// static-table estimate under 10 samples, otherwise a model estimate
// weighted by sample count and variance. The result is always finite.
func (m *Model) PredictLatency(key Key) Prediction {
	entries := m.entriesFor(key)
	rm := computeMetrics(entries)

	if rm.SampleCount < 10 {
		if m.metrics != nil {
			m.metrics.BridgePredictionsTotal.WithLabelValues(key.String(), "fallback").Inc()
		}
		return Prediction{
			Bridge:         key.Bridge,
			LatencySeconds: staticFallback(key),
			Confidence:     math.Min(0.3, 0.1+0.02*float64(rm.SampleCount)),
			Source:         "fallback",
		}
	}

	var successes []Outcome
	for _, e := range entries {
		if e.Success {
			successes = append(successes, e)
		}
	}
	avgLatency := rm.AvgLatencySeconds
	v := variance(successes, avgLatency)

	confidence := math.Min(1, float64(rm.SampleCount)/50)
	if avgLatency > 0 {
		confidence *= math.Max(0.1, 1-v/(avgLatency*avgLatency))
	} else {
		confidence *= 0.1
	}
	confidence = clampFinite(confidence, 0, 1)

	if m.metrics != nil {
		m.metrics.BridgePredictionsTotal.WithLabelValues(key.String(), "model").Inc()
	}
	return Prediction{
		Bridge:         key.Bridge,
		LatencySeconds: avgLatency,
		CostUSD:        rm.AvgCostUSD,
		Confidence:     confidence,
		Source:         "model",
	}
}

// PredictOptimalBridge selects the best known route between src and
// dst for the given urgency, or nil if no route has been observed.
func (m *Model) PredictOptimalBridge(src, dst string, amountUSD float64, urgency Urgency) *Prediction {
	routes := m.GetAvailableRoutes(src, dst)
	if len(routes) == 0 {
		return nil
	}
	wLat, wCost := urgencyWeights(urgency)

	var best *Prediction
	var bestScore float64
	for _, bridgeName := range routes {
		key := Key{Source: src, Target: dst, Bridge: bridgeName}
		pred := m.PredictLatency(key)
		score := pred.LatencySeconds*wLat + pred.CostUSD*wCost
		if best == nil || score < bestScore {
			p := pred
			best = &p
			bestScore = score
		}
	}
	return best
}

// GetAvailableRoutes lists the distinct bridge names with observed
// history between src and dst, in either direction order.
func (m *Model) GetAvailableRoutes(src, dst string) []string {
	pair := normalizedPair(src, dst)
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for ks := range m.history {
		parts := strings.SplitN(ks, "-", 3)
		if len(parts) != 3 {
			continue
		}
		if normalizedPair(parts[0], parts[1]) != pair {
			continue
		}
		if !seen[parts[2]] {
			seen[parts[2]] = true
			out = append(out, parts[2])
		}
	}
	return out
}

// Cleanup drops entries older than retention. Implemented by rebuilding
// each route's ring buffer, an O(n) operation run on a periodic
// schedule, not the ingest hot path.
func (m *Model) Cleanup(retention time.Duration) {
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for ks, rb := range m.history {
		kept := ringbuffer.New[Outcome](historyCapacity)
		for _, e := range rb.Items() {
			if e.Timestamp.After(cutoff) {
				kept.Push(e)
			}
		}
		m.history[ks] = kept
	}
}

func (m *Model) entriesFor(key Key) []Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rb, ok := m.history[key.String()]
	if !ok {
		return nil
	}
	return rb.Items()
}

func clampFinite(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
