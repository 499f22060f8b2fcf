package estimator

import (
	"fmt"
	"math"
	"time"

	"github.com/preempt-io/preempt/pkg/types"
)

// failureTracker accumulates observed failure intervals for one server from
// watchdog liveness transitions. It backs the MTBF/MTTR statistics and the
// conditional reliability estimate.
type failureTracker struct {
	firstSeen     time.Time
	failures      int
	totalDowntime time.Duration
	downSince     time.Time
	down          bool
}

// RecordLivenessChange feeds a watchdog liveness transition into the failure
// statistics for a server. Transitions are idempotent: repeated reports of
// the same state are ignored.
func (e *Estimator) RecordLivenessChange(serverID string, alive bool, at time.Time) {
	w := e.window(serverID)
	if w == nil {
		e.AddServer(serverID)
		w = e.window(serverID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	t := &w.stats
	if t.firstSeen.IsZero() {
		t.firstSeen = at
	}

	switch {
	case !alive && !t.down:
		t.down = true
		t.downSince = at
		t.failures++
	case alive && t.down:
		t.down = false
		t.totalDowntime += at.Sub(t.downSince)
	}
}

// Stats returns the observed failure statistics for a server.
func (e *Estimator) Stats(serverID string) (*types.FailureStats, error) {
	w := e.window(serverID)
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	t := &w.stats
	now := time.Now()
	stats := &types.FailureStats{
		ServerID:      serverID,
		TotalFailures: t.failures,
		TotalDowntime: t.totalDowntime,
	}
	if t.down {
		stats.TotalDowntime += now.Sub(t.downSince)
	}
	if !t.firstSeen.IsZero() {
		span := now.Sub(t.firstSeen)
		if span > stats.TotalDowntime {
			stats.TotalUptime = span - stats.TotalDowntime
		}
	}
	if t.failures > 0 {
		stats.MTBF = stats.TotalUptime / time.Duration(t.failures)
		stats.MTTR = stats.TotalDowntime / time.Duration(t.failures)
		if stats.MTBF > 0 {
			stats.FailureRate = 1 / stats.MTBF.Seconds()
		}
	}

	return stats, nil
}

// ConditionalReliability estimates the probability that a server survives
// the next horizon without failing, assuming exponentially distributed
// inter-failure times: R(t) = exp(-lambda * t). Servers with no observed
// failures report 1.
func (e *Estimator) ConditionalReliability(serverID string, horizon time.Duration) (float64, error) {
	stats, err := e.Stats(serverID)
	if err != nil {
		return 0, err
	}
	if stats.FailureRate == 0 {
		return 1, nil
	}
	return math.Exp(-stats.FailureRate * horizon.Seconds()), nil
}
