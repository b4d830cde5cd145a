// Package metrics holds the Prometheus instrumentation for the chainarb
// detector.
//
// Metric naming convention: chainarb_<subsystem>_<name>_<unit>.
//
// All metrics are registered on a dedicated prometheus.Registry (never
// the global DefaultRegisterer) so this module can be embedded without
// colliding with another instrumented library in the same process. This
// package only records metrics; mounting them behind an HTTP /metrics
// endpoint is the job of the external HTTP surface — Registry() and
// Handler() are the seams it uses.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every metric descriptor the detector records.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Election ────────────────────────────────────────────────────
	ElectionTransitionsTotal *prometheus.CounterVec // from_state, to_state
	ElectionIsLeader         prometheus.Gauge
	ElectionHeartbeatFailures prometheus.Counter
	ElectionAlertsTotal      *prometheus.CounterVec // type, severity

	// ─── Standby ─────────────────────────────────────────────────────
	StandbyActivationsTotal *prometheus.CounterVec // result (true,false)

	// ─── Consumer runtime ────────────────────────────────────────────
	ConsumerEntriesProcessedTotal *prometheus.CounterVec // stream, group
	ConsumerDLQRoutedTotal        *prometheus.CounterVec // stream, code
	ConsumerClaimedTotal          *prometheus.CounterVec // stream, group
	ConsumerHandlerLatency        *prometheus.HistogramVec // stream

	// ─── DLQ supervisor ──────────────────────────────────────────────
	DLQDepth          prometheus.Gauge
	DLQOldestAgeSeconds prometheus.Gauge
	DLQReplayedTotal  prometheus.Counter
	DLQReplayFailedTotal prometheus.Counter

	// ─── Snapshot index ──────────────────────────────────────────────
	SnapshotKeysTracked prometheus.Gauge
	SnapshotEvictionsTotal prometheus.Counter

	// ─── Confidence calculator ───────────────────────────────────────
	ConfidenceScoreHistogram prometheus.Histogram

	// ─── Bridge latency model ────────────────────────────────────────
	BridgeHistorySize *prometheus.GaugeVec // bridge_key
	BridgePredictionsTotal *prometheus.CounterVec // bridge_key, source (model,fallback)

	// ─── Detector core ───────────────────────────────────────────────
	OpportunitiesPublishedTotal prometheus.Counter
	WhaleFastPathTriggeredTotal prometheus.Counter
	WhaleGuardDroppedTotal      prometheus.Counter
	MLPredictionTimeoutsTotal   prometheus.Counter

	// ─── Coordinator ─────────────────────────────────────────────────
	FleetFindingsTotal *prometheus.CounterVec // finding, severity
	FailoversTriggeredTotal prometheus.Counter

	startTime time.Time
}

// New creates and registers every metric on a fresh, dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ElectionTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "election", Name: "transitions_total",
			Help: "Leader election state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		ElectionIsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainarb", Subsystem: "election", Name: "is_leader",
			Help: "1 if this instance currently holds the leader lease, else 0.",
		}),

		ElectionHeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "election", Name: "heartbeat_failures_total",
			Help: "Consecutive heartbeat failure events observed while leader.",
		}),

		ElectionAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "election", Name: "alerts_total",
			Help: "Leadership alerts emitted, by type and severity.",
		}, []string{"type", "severity"}),

		StandbyActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "standby", Name: "activations_total",
			Help: "Standby activation attempts, by outcome.",
		}, []string{"result"}),

		ConsumerEntriesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "consumer", Name: "entries_processed_total",
			Help: "Stream entries successfully processed and acknowledged.",
		}, []string{"stream", "group"}),

		ConsumerDLQRoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "consumer", Name: "dlq_routed_total",
			Help: "Entries routed to the dead-letter queue, by stream and error code.",
		}, []string{"stream", "code"}),

		ConsumerClaimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "consumer", Name: "claimed_total",
			Help: "Stale pending entries reclaimed for retry.",
		}, []string{"stream", "group"}),

		ConsumerHandlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chainarb", Subsystem: "consumer", Name: "handler_latency_seconds",
			Help:    "Handler execution latency per stream.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),

		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainarb", Subsystem: "dlq", Name: "depth",
			Help: "Total entries currently on the dead-letter queue as of the last scan.",
		}),

		DLQOldestAgeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainarb", Subsystem: "dlq", Name: "oldest_age_seconds",
			Help: "Age of the oldest DLQ entry as of the last scan.",
		}),

		DLQReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "dlq", Name: "replayed_total",
			Help: "DLQ entries successfully replayed.",
		}),

		DLQReplayFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "dlq", Name: "replay_failed_total",
			Help: "DLQ replay attempts rejected (no payload, invalid JSON, or not found).",
		}),

		SnapshotKeysTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainarb", Subsystem: "snapshot", Name: "keys_tracked",
			Help: "Distinct (chain, pairKey) keys currently held in the snapshot index.",
		}),

		SnapshotEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "snapshot", Name: "evictions_total",
			Help: "Keys evicted from the snapshot index by TTL or capacity.",
		}),

		ConfidenceScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chainarb", Subsystem: "confidence", Name: "score",
			Help:    "Distribution of confidence scores emitted by the calculator.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95},
		}),

		BridgeHistorySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainarb", Subsystem: "bridge", Name: "history_size",
			Help: "Current circular-buffer entry count per bridge key.",
		}, []string{"bridge_key"}),

		BridgePredictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "bridge", Name: "predictions_total",
			Help: "Bridge latency predictions served, by bridge key and source.",
		}, []string{"bridge_key", "source"}),

		OpportunitiesPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "detector", Name: "opportunities_published_total",
			Help: "Arbitrage opportunities published above the confidence threshold.",
		}),

		WhaleFastPathTriggeredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "detector", Name: "whale_fast_path_triggered_total",
			Help: "Whale-triggered fast-path detection passes run.",
		}),

		WhaleGuardDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "detector", Name: "whale_guard_dropped_total",
			Help: "Whale-triggered passes dropped by the rate guard.",
		}),

		MLPredictionTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "detector", Name: "ml_prediction_timeouts_total",
			Help: "ML prediction calls that exceeded their latency budget.",
		}),

		FleetFindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "coordinator", Name: "fleet_findings_total",
			Help: "Fleet-health findings emitted, by finding name and severity.",
		}, []string{"finding", "severity"}),

		FailoversTriggeredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainarb", Subsystem: "coordinator", Name: "failovers_triggered_total",
			Help: "Cross-region failovers triggered.",
		}),
	}

	reg.MustRegister(
		m.ElectionTransitionsTotal, m.ElectionIsLeader, m.ElectionHeartbeatFailures, m.ElectionAlertsTotal,
		m.StandbyActivationsTotal,
		m.ConsumerEntriesProcessedTotal, m.ConsumerDLQRoutedTotal, m.ConsumerClaimedTotal, m.ConsumerHandlerLatency,
		m.DLQDepth, m.DLQOldestAgeSeconds, m.DLQReplayedTotal, m.DLQReplayFailedTotal,
		m.SnapshotKeysTracked, m.SnapshotEvictionsTotal,
		m.ConfidenceScoreHistogram,
		m.BridgeHistorySize, m.BridgePredictionsTotal,
		m.OpportunitiesPublishedTotal, m.WhaleFastPathTriggeredTotal, m.WhaleGuardDroppedTotal, m.MLPredictionTimeoutsTotal,
		m.FleetFindingsTotal, m.FailoversTriggeredTotal,
	)
	return m
}

// Registry exposes the dedicated registry for an external process to
// gather from.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler for the registry's exposition. The
// caller mounts this on its own HTTP server; this package never listens.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UptimeSeconds returns seconds elapsed since New() was called.
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
