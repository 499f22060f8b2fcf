package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/preempt-io/preempt/pkg/events"
	"github.com/preempt-io/preempt/pkg/log"
	"github.com/preempt-io/preempt/pkg/metrics"
	"github.com/preempt-io/preempt/pkg/types"
	"github.com/rs/zerolog"
)

// Orchestrator is the slice of the migration orchestrator the watchdog
// interrupts. The watchdog's signal is a pure external input to the
// orchestrator's state machine; it never polls liveness itself.
type Orchestrator interface {
	ActivePlanBySource(serverID string) (*types.MigrationPlan, bool)
	CutoverCommitted(planID string) bool
	Abort(planID string, reason types.AbortReason, sourceDead bool) bool
}

// History resolves whether a failed server's service was already migrated
// away by a completed plan.
type History interface {
	CompletedPlanBySource(serverID string) (*types.MigrationPlan, bool)
}

// LivenessSink receives liveness transitions for failure statistics.
type LivenessSink interface {
	RecordLivenessChange(serverID string, alive bool, at time.Time)
}

// Watchdog monitors server liveness independently of the telemetry path.
// A source death before cutover aborts the plan and falls back to cold
// migration; a death after cutover is a preempted failure and is recorded
// as saved downtime, not acted upon.
type Watchdog struct {
	orch    Orchestrator
	history History
	sink    LivenessSink
	broker  *events.Broker
	logger  zerolog.Logger

	// coldDowntime is the estimated outage of the reactive path, credited
	// as saved downtime on each preempted failure.
	coldDowntime time.Duration

	mu    sync.Mutex
	alive map[string]bool
}

// New creates a Watchdog.
func New(orch Orchestrator, history History, sink LivenessSink, broker *events.Broker, coldDowntime time.Duration) *Watchdog {
	return &Watchdog{
		orch:         orch,
		history:      history,
		sink:         sink,
		broker:       broker,
		logger:       log.WithComponent("watchdog"),
		coldDowntime: coldDowntime,
		alive:        make(map[string]bool),
	}
}

// OnLivenessChange processes a liveness transition for a server. Repeated
// reports of the same state are ignored.
func (w *Watchdog) OnLivenessChange(serverID string, alive bool) {
	w.mu.Lock()
	prev, seen := w.alive[serverID]
	w.alive[serverID] = alive
	w.mu.Unlock()

	if seen && prev == alive {
		return
	}

	now := time.Now()
	if w.sink != nil {
		w.sink.RecordLivenessChange(serverID, alive, now)
	}

	if alive {
		if seen {
			w.logger.Info().Str("server_id", serverID).Msg("server recovered")
			w.broker.Publish(&events.Event{
				Type:     events.EventServerRecovered,
				ServerID: serverID,
			})
		}
		return
	}

	w.logger.Warn().Str("server_id", serverID).Msg("server liveness lost")
	w.broker.Publish(&events.Event{
		Type:     events.EventServerDown,
		ServerID: serverID,
	})

	w.handleSourceDeath(serverID)
}

// handleSourceDeath decides between aborting an in-flight migration and
// recording a preempted failure.
func (w *Watchdog) handleSourceDeath(serverID string) {
	if plan, ok := w.orch.ActivePlanBySource(serverID); ok {
		if plan.State == types.MigrationStateCuttingOver && w.orch.CutoverCommitted(plan.ID) {
			// Cutover already irreversibly applied; the failure arrived
			// too late to matter.
			w.recordPreempted(serverID, plan)
			return
		}

		w.logger.Warn().
			Str("server_id", serverID).
			Str("plan_id", plan.ID).
			Str("state", string(plan.State)).
			Msg("source died mid-migration, aborting plan")

		if !w.orch.Abort(plan.ID, types.AbortReasonSourceFailed, true) {
			// Lost the race against cutover commit: the plan finished
			// between the lookup and the abort.
			w.recordPreempted(serverID, plan)
		}
		return
	}

	if plan, ok := w.history.CompletedPlanBySource(serverID); ok {
		w.recordPreempted(serverID, plan)
	}
}

// recordPreempted records a failure that was beaten by a completed
// migration: the outage the reactive path would have caused never reached
// users.
func (w *Watchdog) recordPreempted(serverID string, plan *types.MigrationPlan) {
	metrics.FailuresPreempted.Inc()
	metrics.DowntimeSavedSeconds.Add(w.coldDowntime.Seconds())

	w.logger.Info().
		Str("server_id", serverID).
		Str("plan_id", plan.ID).
		Dur("downtime_saved", w.coldDowntime).
		Msg("failure preempted by earlier migration")

	w.broker.Publish(&events.Event{
		Type:     events.EventFailurePreempted,
		ServerID: serverID,
		PlanID:   plan.ID,
		Message:  fmt.Sprintf("server %s failed after service migrated away by plan %s", serverID, plan.ID),
		Metadata: map[string]string{
			"downtime_saved_ms": fmt.Sprintf("%d", w.coldDowntime.Milliseconds()),
		},
	})
}
