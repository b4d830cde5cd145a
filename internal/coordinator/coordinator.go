// Package coordinator implements the fleet-health and failover
// supervisor: it owns an election and standby pair, runs a periodic
// fleet-health scan classifying stream/consumer-group symptoms, and
// triggers cross-region failover when the primary region's health stays
// critical past a timeout.
package coordinator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/election"
	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/standby"
	"github.com/chainarb/detector/internal/streamname"
	"github.com/chainarb/detector/internal/transport"
)

// Finding names every classified fleet-health symptom.
type Finding string

const (
	NoConsumerGroup Finding = "NO_CONSUMER_GROUP"
	UnboundedStream Finding = "UNBOUNDED_STREAM"
	StreamGrowing   Finding = "STREAM_GROWING"
	DeadConsumer    Finding = "DEAD_CONSUMER"
	ConsumerLag     Finding = "CONSUMER_LAG"
	MissingAck      Finding = "MISSING_ACK"
	StuckMessage    Finding = "STUCK_MESSAGE"
	DeliveryFailure Finding = "DELIVERY_FAILURE"
)

func (f Finding) severity() event.AlertSeverity {
	switch f {
	case DeadConsumer, ConsumerLag:
		return event.SeverityCritical
	case StreamGrowing, MissingAck, StuckMessage, DeliveryFailure:
		return event.SeverityWarning
	default:
		return event.SeverityInfo
	}
}

// Observation is one classified fleet-health finding from a scan cycle.
type Observation struct {
	Finding  Finding
	Severity event.AlertSeverity
	Stream   string
	Group    string
	Detail   string
	At       time.Time
}

// FleetSnapshot is the per-scan-cycle record of stream length and
// per-group pending/consumers/lag, retained only for the previous cycle
// so STREAM_GROWING and MISSING_ACK can be computed as deltas — not a
// persisted analytics history.
type FleetSnapshot struct {
	StreamLen map[string]int64
	Pending   map[string]int64 // keyed by stream|group
}

// InstanceDescriptor is the static identity a coordinator wiring is
// constructed from.
type InstanceDescriptor struct {
	InstanceID      string
	RegionID        string
	IsStandby       bool
	CanBecomeLeader bool
}

// StreamGroup names one (stream, group) pair the scan inspects.
type StreamGroup struct {
	Stream string
	Group  string
}

// Config configures the coordinator.
type Config struct {
	ScanInterval         time.Duration
	FailoverTimeout      time.Duration
	CircuitBreakerAPIKey string
	UnboundedStreamLen   int64
	StreamGrowthDelta    int64
	ConsumerLagThreshold int64
	MissingAckThreshold  int64
	StuckMessageIdle     time.Duration
	DeliveryFailureCount int64
}

// DefaultConfig returns reasonable production-sized thresholds.
func DefaultConfig() Config {
	return Config{
		ScanInterval:         15 * time.Second,
		FailoverTimeout:      45 * time.Second,
		UnboundedStreamLen:   50_000,
		StreamGrowthDelta:    100,
		ConsumerLagThreshold: 100,
		MissingAckThreshold:  10,
		StuckMessageIdle:     30 * time.Second,
		DeliveryFailureCount: 3,
	}
}

// Coordinator owns election/standby and runs the periodic fleet scan.
type Coordinator struct {
	cfg      Config
	identity InstanceDescriptor
	streams  []StreamGroup
	tr       transport.Transport
	election *election.Election
	standby  *standby.Manager
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu               sync.Mutex
	prev             FleetSnapshot
	criticalSince    time.Time
	circuitBreakerOpen bool
	failoverTriggered  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New constructs a Coordinator. streams is the set of (stream, group)
// pairs the scan inspects every cycle.
func New(cfg Config, identity InstanceDescriptor, streams []StreamGroup, tr transport.Transport,
	el *election.Election, sb *standby.Manager, m *metrics.Metrics, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		identity: identity,
		streams:  streams,
		tr:       tr,
		election: el,
		standby:  sb,
		metrics:  m,
		log:      log,
		prev:     FleetSnapshot{StreamLen: map[string]int64{}, Pending: map[string]int64{}},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the election loop and the periodic fleet scan.
func (c *Coordinator) Start(ctx context.Context) {
	c.election.Start(ctx)
	go c.run(ctx)
}

// Stop halts the scan loop and the election loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
	c.election.Stop()
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

// Scan runs one fleet-health observation cycle, returning every finding
// classified this cycle. Exported so a caller (or test) can drive a
// cycle deterministically without waiting on the ticker.
func (c *Coordinator) Scan(ctx context.Context) []Observation {
	now := time.Now()
	next := FleetSnapshot{StreamLen: map[string]int64{}, Pending: map[string]int64{}}

	c.mu.Lock()
	prev := c.prev
	c.mu.Unlock()

	var observations []Observation
	anyCritical := false

	for _, sg := range c.streams {
		length, err := c.tr.Len(ctx, sg.Stream)
		if err != nil {
			c.log.Warn("fleet scan: failed to read stream length", zap.String("stream", sg.Stream), zap.Error(err))
			continue
		}
		next.StreamLen[sg.Stream] = length

		if length > c.cfg.UnboundedStreamLen {
			observations = append(observations, c.record(UnboundedStream, sg.Stream, sg.Group, "", now))
		}
		if prevLen, ok := prev.StreamLen[sg.Stream]; ok && length-prevLen > c.cfg.StreamGrowthDelta {
			obs := c.record(StreamGrowing, sg.Stream, sg.Group, "", now)
			observations = append(observations, obs)
			anyCritical = anyCritical || obs.Severity == event.SeverityCritical
		}

		if sg.Group == "" {
			if length > 0 {
				observations = append(observations, c.record(NoConsumerGroup, sg.Stream, "", "", now))
			}
			continue
		}

		pending, consumers, lag, err := c.tr.GroupInfo(ctx, sg.Stream, sg.Group)
		if err != nil {
			c.log.Warn("fleet scan: failed to read group info",
				zap.String("stream", sg.Stream), zap.String("group", sg.Group), zap.Error(err))
			continue
		}
		key := sg.Stream + "|" + sg.Group
		next.Pending[key] = pending

		if pending > 0 && consumers == 0 {
			obs := c.record(DeadConsumer, sg.Stream, sg.Group, "", now)
			observations = append(observations, obs)
			anyCritical = true
		}
		if lag > c.cfg.ConsumerLagThreshold {
			obs := c.record(ConsumerLag, sg.Stream, sg.Group, "", now)
			observations = append(observations, obs)
			anyCritical = true
		}
		if prevPending, ok := prev.Pending[key]; ok && pending > c.cfg.MissingAckThreshold && pending >= prevPending {
			observations = append(observations, c.record(MissingAck, sg.Stream, sg.Group, "", now))
		}

		entries, err := c.tr.ListPending(ctx, sg.Stream, sg.Group, c.cfg.StuckMessageIdle)
		if err != nil {
			c.log.Warn("fleet scan: failed to list pending", zap.String("stream", sg.Stream), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if e.IdleTime > c.cfg.StuckMessageIdle {
				observations = append(observations, c.record(StuckMessage, sg.Stream, sg.Group, e.ID, now))
			}
			if e.DeliveryCount > c.cfg.DeliveryFailureCount {
				observations = append(observations, c.record(DeliveryFailure, sg.Stream, sg.Group, e.ID, now))
			}
		}
	}

	c.mu.Lock()
	c.prev = next
	if anyCritical {
		if c.criticalSince.IsZero() {
			c.criticalSince = now
		}
	} else {
		c.criticalSince = time.Time{}
		c.failoverTriggered = false
	}
	critSince := c.criticalSince
	c.mu.Unlock()

	if !critSince.IsZero() && now.Sub(critSince) > c.cfg.FailoverTimeout {
		c.triggerFailover(ctx)
	}

	return observations
}

func (c *Coordinator) record(f Finding, stream, group, detail string, at time.Time) Observation {
	if c.metrics != nil {
		c.metrics.FleetFindingsTotal.WithLabelValues(string(f), string(f.severity())).Inc()
	}
	return Observation{Finding: f, Severity: f.severity(), Stream: stream, Group: group, Detail: detail, At: at}
}

// triggerFailover publishes LEADER_LOST on stream:system-failover at
// most once per sustained-critical episode; a standby region's own
// coordinator observes this stream and calls ActivateStandby.
func (c *Coordinator) triggerFailover(ctx context.Context) {
	c.mu.Lock()
	if c.failoverTriggered {
		c.mu.Unlock()
		return
	}
	c.failoverTriggered = true
	c.mu.Unlock()

	alert := event.LeadershipAlert{
		Type:     event.LeaderLost,
		Severity: event.SeverityCritical,
		Message:  "primary region health critical beyond failover timeout",
		Data:     map[string]interface{}{"region": c.identity.RegionID, "instanceId": c.identity.InstanceID},
		Timestamp: event.NowMillis(),
	}
	fields, err := toFieldMap(alert)
	if err != nil {
		c.log.Error("failed to encode failover alert", zap.Error(err))
		return
	}
	if _, err := c.tr.Append(ctx, streamname.SystemFailover, fields, 0); err != nil {
		c.log.Error("failed to publish failover alert", zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.FailoversTriggeredTotal.Inc()
	}
	c.log.Warn("failover triggered", zap.String("region", c.identity.RegionID))
}

// OnSystemFailover is the handler a consumer subscription on
// stream:system-failover should invoke: a standby instance observing a
// LEADER_LOST alert from another region activates standby promotion.
func (c *Coordinator) OnSystemFailover(ctx context.Context, alert event.LeadershipAlert) {
	if alert.Type != event.LeaderLost {
		return
	}
	if !c.election.IsStandby() {
		return
	}
	if ok := c.standby.ActivateStandby(ctx); !ok {
		c.log.Warn("standby activation after failover signal did not succeed")
	}
}

// Stats is the Go accessor a circuit-breaker HTTP surface would call.
// This module never runs that listener.
type Stats struct {
	IsLeader           bool
	CircuitBreakerOpen bool
	LastScanObservations int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{IsLeader: c.election.IsLeader(), CircuitBreakerOpen: c.circuitBreakerOpen}
}

// CircuitBreakerState reports whether the circuit breaker is currently
// open.
func (c *Coordinator) CircuitBreakerState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuitBreakerOpen
}

// OpenCircuitBreaker opens the breaker if apiKey matches the configured
// key under a constant-time comparison, documented here as the contract
// an external HTTP admin surface would enforce before calling through.
func (c *Coordinator) OpenCircuitBreaker(apiKey string) bool {
	if !c.authorized(apiKey) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitBreakerOpen = true
	return true
}

// CloseCircuitBreaker closes the breaker under the same API-key
// contract as OpenCircuitBreaker.
func (c *Coordinator) CloseCircuitBreaker(apiKey string) bool {
	if !c.authorized(apiKey) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitBreakerOpen = false
	return true
}

func (c *Coordinator) authorized(apiKey string) bool {
	if c.cfg.CircuitBreakerAPIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(c.cfg.CircuitBreakerAPIKey)) == 1
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
	for k, t := range generic {
		switch tv := t.(type) {
		case string:
			out[k] = tv
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
