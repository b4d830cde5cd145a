// Package election implements a lease-based single-leader lock with
// atomic renewal, jittered heartbeats, and consecutive-failure
// demotion.
//
// State machine: INIT -> FOLLOWER <-> LEADER; FOLLOWER -> STOPPED;
// LEADER -> FOLLOWER on renewal failure or demotion; LEADER -> STOPPED
// on Stop() with an atomic release. All write operations against the
// lease key use the transport's atomic compare operations — no code
// path here reads then writes the lease key itself, following the same
// mutex-guarded state-transition discipline as a TTL-lease elector
// (interval/heartbeat loop racing to hold a single named lock) and the
// jittered background-loop shape used for periodic re-checks.
package election

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/transport"
)

// State is one position in the election state machine.
type State uint8

const (
	StateInit State = iota
	StateFollower
	StateLeader
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFollower:
		return "FOLLOWER"
	case StateLeader:
		return "LEADER"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config parameterizes one Election instance.
type Config struct {
	LockKey              string
	LockTTL              time.Duration
	HeartbeatInterval    time.Duration
	InstanceID           string
	IsStandby            bool
	CanBecomeLeader      bool
	MaxHeartbeatFailures int
	JitterRange          time.Duration
}

// OnLeadershipChange is invoked at most once per distinct transition.
type OnLeadershipChange func(isLeader bool)

// OnAlert delivers advisory leadership alerts; a missing or slow sink
// must never block the state machine.
type OnAlert func(alert event.LeadershipAlert)

// Election runs the lease acquisition/heartbeat loop for one instance.
type Election struct {
	cfg       Config
	transport transport.Transport
	log       *zap.Logger
	metrics   *metrics.Metrics

	onLeadershipChange OnLeadershipChange
	onAlert            OnAlert

	mu                  sync.Mutex
	state               State
	activating          bool
	consecutiveFailures int

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New constructs an Election in state INIT. It does not start the loop.
func New(cfg Config, tr transport.Transport, log *zap.Logger, m *metrics.Metrics, onLeadershipChange OnLeadershipChange, onAlert OnAlert) *Election {
	return &Election{
		cfg:                cfg,
		transport:          tr,
		log:                log,
		metrics:            m,
		onLeadershipChange: onLeadershipChange,
		onAlert:            onAlert,
		state:              StateInit,
		stopCh:             make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Start begins the heartbeat loop. Idempotent.
func (e *Election) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.mu.Lock()
		if e.state == StateInit {
			e.state = StateFollower
		}
		e.mu.Unlock()
		go e.run(ctx)
	})
}

// Stop releases the lease if held and halts the loop. Idempotent.
func (e *Election) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	<-e.done
}

// IsLeader reports the current leadership status.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLeader
}

// SetActivating gates standby acquisition; the standby manager sets
// this before calling TryAcquire on a standby instance.
func (e *Election) SetActivating(activating bool) {
	e.mu.Lock()
	e.activating = activating
	e.mu.Unlock()
}

// IsStandby reports whether this instance is currently configured as a
// standby (may only become leader on explicit activation).
func (e *Election) IsStandby() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.IsStandby
}

// ClearStandby promotes this instance out of standby status, called by
// the standby manager after a successful activation.
func (e *Election) ClearStandby() {
	e.mu.Lock()
	e.cfg.IsStandby = false
	e.mu.Unlock()
}

// CanBecomeLeader reports the static eligibility flag.
func (e *Election) CanBecomeLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.CanBecomeLeader
}

func (e *Election) run(ctx context.Context) {
	defer close(e.done)
	for {
		interval := jittered(e.cfg.HeartbeatInterval, e.cfg.JitterRange)
		select {
		case <-e.stopCh:
			e.release(ctx)
			e.transitionTo(StateStopped)
			return
		case <-ctx.Done():
			e.release(ctx)
			e.transitionTo(StateStopped)
			return
		case <-time.After(interval):
			e.tick(ctx)
		}
	}
}

// jittered returns max(1s, base + uniform(-jitter/2, +jitter/2)).
func jittered(base, jitterRange time.Duration) time.Duration {
	if jitterRange <= 0 {
		if base < time.Second {
			return time.Second
		}
		return base
	}
	half := int64(jitterRange) / 2
	offset := time.Duration(rand.Int63n(2*half+1) - half)
	d := base + offset
	if d < time.Second {
		return time.Second
	}
	return d
}

func (e *Election) tick(ctx context.Context) {
	if e.IsLeader() {
		e.renew(ctx)
		return
	}
	e.TryAcquire(ctx)
}

func (e *Election) renew(ctx context.Context) {
	ok, err := e.transport.CompareAndExtend(ctx, e.cfg.LockKey, e.cfg.InstanceID, e.cfg.LockTTL)
	if err != nil {
		e.mu.Lock()
		e.consecutiveFailures++
		failures := e.consecutiveFailures
		e.mu.Unlock()
		e.log.Warn("lease renewal error", zap.Error(err), zap.Int("consecutive_failures", failures))
		if failures >= e.cfg.MaxHeartbeatFailures {
			e.demote(event.LeaderDemotion, event.SeverityCritical, "max heartbeat failures reached")
		}
		return
	}
	if !ok {
		e.demote(event.LeaderLost, event.SeverityWarning, "lease renewal reports different owner")
		return
	}
	e.mu.Lock()
	e.consecutiveFailures = 0
	e.mu.Unlock()
}

// TryAcquire performs one acquisition attempt: create-if-absent, then,
// if already owned by this instance, extend the lease.
func (e *Election) TryAcquire(ctx context.Context) bool {
	e.mu.Lock()
	if !e.cfg.CanBecomeLeader {
		e.mu.Unlock()
		return false
	}
	if e.cfg.IsStandby && !e.activating {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	created, err := e.transport.SetIfAbsent(ctx, e.cfg.LockKey, e.cfg.InstanceID, e.cfg.LockTTL)
	if err != nil {
		e.log.Warn("lease acquisition error", zap.Error(err))
		return false
	}
	if created {
		e.becomeLeader()
		return true
	}

	extended, err := e.transport.CompareAndExtend(ctx, e.cfg.LockKey, e.cfg.InstanceID, e.cfg.LockTTL)
	if err != nil {
		e.log.Warn("lease acquisition error", zap.Error(err))
		return false
	}
	if extended {
		// Already leader; ensure state reflects it without re-firing the
		// LEADER_ACQUIRED alert.
		e.transitionTo(StateLeader)
		return true
	}
	return false
}

func (e *Election) becomeLeader() {
	e.transitionTo(StateLeader)
	e.mu.Lock()
	e.consecutiveFailures = 0
	e.mu.Unlock()
	e.emitAlert(event.LeaderAcquired, event.SeverityInfo, "leadership acquired", nil)
}

func (e *Election) demote(kind event.LeadershipAlertType, severity event.AlertSeverity, msg string) {
	e.transitionTo(StateFollower)
	e.mu.Lock()
	e.consecutiveFailures = 0
	e.mu.Unlock()
	e.emitAlert(kind, severity, msg, nil)
}

// release performs the atomic compare-and-delete on Stop, a no-op if
// ownership was already lost.
func (e *Election) release(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if _, err := e.transport.CompareAndDelete(ctx, e.cfg.LockKey, e.cfg.InstanceID); err != nil {
		e.log.Warn("lease release error", zap.Error(err))
	}
}

// transitionTo changes state and fires onLeadershipChange at most once
// per distinct isLeader transition.
func (e *Election) transitionTo(next State) {
	e.mu.Lock()
	prev := e.state
	if prev == next {
		e.mu.Unlock()
		return
	}
	e.state = next
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ElectionTransitionsTotal.WithLabelValues(prev.String(), next.String()).Inc()
		if next == StateLeader {
			e.metrics.ElectionIsLeader.Set(1)
		} else if prev == StateLeader {
			e.metrics.ElectionIsLeader.Set(0)
		}
	}

	wasLeader := prev == StateLeader
	isLeader := next == StateLeader
	if wasLeader != isLeader && e.onLeadershipChange != nil {
		e.onLeadershipChange(isLeader)
	}
}

func (e *Election) emitAlert(kind event.LeadershipAlertType, severity event.AlertSeverity, msg string, data map[string]interface{}) {
	if e.metrics != nil {
		e.metrics.ElectionAlertsTotal.WithLabelValues(string(kind), string(severity)).Inc()
	}
	e.log.Info("leadership alert", zap.String("type", string(kind)), zap.String("severity", string(severity)), zap.String("message", msg))
	if e.onAlert == nil {
		return
	}
	// Alerts are advisory: a panicking or slow sink must not take down
	// the election loop.
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("onAlert sink panicked", zap.Any("recover", r))
		}
	}()
	e.onAlert(event.LeadershipAlert{
		Type: kind, Severity: severity, Message: msg, Data: data,
		Timestamp: event.NowMillis(),
	})
}

// String implements fmt.Stringer for diagnostics.
func (e *Election) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("Election{instance=%s, state=%s}", e.cfg.InstanceID, e.state)
}
