// Package standby implements promotion of a standby instance to active
// leader on a failover signal, coordinated across a region's own
// concurrent callers.
//
// Concurrent ActivateStandby calls must share the outcome of a single
// in-flight acquisition attempt rather than racing independent
// TryAcquire calls against the same lease, so this is built on
// golang.org/x/sync/singleflight.Group instead of a hand-rolled promise
// map, the same coalescing idiom a fleet failover manager uses to keep
// one fencing/promotion attempt authoritative per episode.
package standby

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chainarb/detector/internal/election"
	"github.com/chainarb/detector/internal/metrics"
)

// leader is the narrow slice of *election.Election this manager needs,
// kept as an interface so tests can substitute a stub.
type leader interface {
	IsLeader() bool
	IsStandby() bool
	CanBecomeLeader() bool
	SetActivating(bool)
	ClearStandby()
	TryAcquire(ctx context.Context) bool
}

// Manager coordinates standby-to-leader promotion for one instance.
type Manager struct {
	election leader
	log      *zap.Logger
	metrics  *metrics.Metrics

	sf singleflight.Group

	activating int32 // atomic bool

	// onActivationSuccess is invoked after a successful acquisition,
	// before standby is cleared on the election engine. Typically used
	// to clear an upstream "standby" flag (e.g. in a region registry).
	onActivationSuccess func()
}

// New constructs a Manager over e.
func New(e leader, log *zap.Logger, m *metrics.Metrics, onActivationSuccess func()) *Manager {
	return &Manager{election: e, log: log, metrics: m, onActivationSuccess: onActivationSuccess}
}

// GetIsActivating reports whether an activation attempt is in flight.
func (m *Manager) GetIsActivating() bool {
	return atomic.LoadInt32(&m.activating) != 0
}

// ActivateStandby promotes this instance to leader. Concurrent callers
// that arrive while an attempt is in flight share its single outcome;
// the underlying TryAcquire is invoked exactly once for the group.
func (m *Manager) ActivateStandby(ctx context.Context) bool {
	if m.election.IsLeader() {
		m.log.Info("activateStandby: already leader, no-op")
		m.recordResult(true)
		return true
	}
	if !m.election.IsStandby() {
		m.recordResult(false)
		return false
	}
	if !m.election.CanBecomeLeader() {
		m.recordResult(false)
		return false
	}

	v, _, _ := m.sf.Do("activate", func() (interface{}, error) {
		return m.doActivate(ctx), nil
	})
	result := v.(bool)
	m.recordResult(result)
	return result
}

func (m *Manager) doActivate(ctx context.Context) bool {
	atomic.StoreInt32(&m.activating, 1)
	m.election.SetActivating(true)
	defer func() {
		// Finally: reset isActivating on both, on every exit path.
		m.election.SetActivating(false)
		atomic.StoreInt32(&m.activating, 0)
	}()

	acquired := m.election.TryAcquire(ctx)
	if acquired {
		if m.onActivationSuccess != nil {
			m.onActivationSuccess()
		}
		m.election.ClearStandby()
	}
	return acquired
}

func (m *Manager) recordResult(ok bool) {
	if m.metrics == nil {
		return
	}
	label := "false"
	if ok {
		label = "true"
	}
	m.metrics.StandbyActivationsTotal.WithLabelValues(label).Inc()
}
