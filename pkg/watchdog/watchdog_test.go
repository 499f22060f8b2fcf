package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/preempt-io/preempt/pkg/events"
	"github.com/preempt-io/preempt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrch scripts the orchestrator's view of active plans.
type fakeOrch struct {
	mu        sync.Mutex
	active    map[string]*types.MigrationPlan
	committed map[string]bool
	abortOK   bool
	aborts    []abortCall
}

type abortCall struct {
	planID     string
	reason     types.AbortReason
	sourceDead bool
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{
		active:    make(map[string]*types.MigrationPlan),
		committed: make(map[string]bool),
		abortOK:   true,
	}
}

func (f *fakeOrch) ActivePlanBySource(serverID string) (*types.MigrationPlan, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.active[serverID]
	return plan, ok
}

func (f *fakeOrch) CutoverCommitted(planID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed[planID]
}

func (f *fakeOrch) Abort(planID string, reason types.AbortReason, sourceDead bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, abortCall{planID, reason, sourceDead})
	return f.abortOK
}

func (f *fakeOrch) abortCalls() []abortCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]abortCall(nil), f.aborts...)
}

// fakeHistory scripts completed-plan lookups.
type fakeHistory struct {
	plans map[string]*types.MigrationPlan
}

func (f *fakeHistory) CompletedPlanBySource(serverID string) (*types.MigrationPlan, bool) {
	plan, ok := f.plans[serverID]
	return plan, ok
}

// fakeSink records liveness transitions forwarded to the estimator.
type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

type sinkCall struct {
	serverID string
	alive    bool
}

func (f *fakeSink) RecordLivenessChange(serverID string, alive bool, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{serverID, alive})
}

func (f *fakeSink) transitions() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}

type fixture struct {
	wd      *Watchdog
	orch    *fakeOrch
	history *fakeHistory
	sink    *fakeSink
	sub     events.Subscriber
}

func newFixture(t *testing.T) *fixture {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	f := &fixture{
		orch:    newFakeOrch(),
		history: &fakeHistory{plans: make(map[string]*types.MigrationPlan)},
		sink:    &fakeSink{},
		sub:     broker.Subscribe(),
	}
	f.wd = New(f.orch, f.history, f.sink, broker, 45*time.Second)
	return f
}

// waitEvent blocks until an event of the given type arrives.
func (f *fixture) waitEvent(t *testing.T, typ events.EventType) *events.Event {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.sub:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", typ)
			return nil
		}
	}
}

func activePlan(serverID string, state types.MigrationState) *types.MigrationPlan {
	return &types.MigrationPlan{
		ID:             "plan-" + serverID,
		ServiceID:      "svc-1",
		SourceServerID: serverID,
		TargetServerID: "srv-target",
		State:          state,
	}
}

func TestDeathMidMigrationAborts(t *testing.T) {
	f := newFixture(t)
	f.orch.active["srv-1"] = activePlan("srv-1", types.MigrationStateSyncing)

	f.wd.OnLivenessChange("srv-1", false)

	calls := f.orch.abortCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "plan-srv-1", calls[0].planID)
	assert.Equal(t, types.AbortReasonSourceFailed, calls[0].reason)
	assert.True(t, calls[0].sourceDead)

	f.waitEvent(t, events.EventServerDown)
}

func TestDeathAfterCommittedCutoverIsPreempted(t *testing.T) {
	f := newFixture(t)
	plan := activePlan("srv-1", types.MigrationStateCuttingOver)
	f.orch.active["srv-1"] = plan
	f.orch.committed[plan.ID] = true

	f.wd.OnLivenessChange("srv-1", false)

	// The repoint already happened; aborting would be wrong.
	assert.Empty(t, f.orch.abortCalls())
	ev := f.waitEvent(t, events.EventFailurePreempted)
	assert.Equal(t, plan.ID, ev.PlanID)
}

func TestDeathRacingCommitIsPreempted(t *testing.T) {
	f := newFixture(t)
	f.orch.active["srv-1"] = activePlan("srv-1", types.MigrationStateCuttingOver)
	f.orch.abortOK = false // plan commits between lookup and abort

	f.wd.OnLivenessChange("srv-1", false)

	require.Len(t, f.orch.abortCalls(), 1)
	f.waitEvent(t, events.EventFailurePreempted)
}

func TestDeathAfterCompletedMigrationIsPreempted(t *testing.T) {
	f := newFixture(t)
	plan := activePlan("srv-1", types.MigrationStateCompleted)
	f.history.plans["srv-1"] = plan

	f.wd.OnLivenessChange("srv-1", false)

	assert.Empty(t, f.orch.abortCalls())
	ev := f.waitEvent(t, events.EventFailurePreempted)
	assert.Equal(t, plan.ID, ev.PlanID)
	assert.Equal(t, "45000", ev.Metadata["downtime_saved_ms"])
}

func TestDeathWithNoPlanDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.wd.OnLivenessChange("srv-1", false)
	assert.Empty(t, f.orch.abortCalls())
	f.waitEvent(t, events.EventServerDown)
}

func TestRepeatedReportsDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.orch.active["srv-1"] = activePlan("srv-1", types.MigrationStateReplicating)

	f.wd.OnLivenessChange("srv-1", false)
	f.wd.OnLivenessChange("srv-1", false)
	f.wd.OnLivenessChange("srv-1", false)

	assert.Len(t, f.orch.abortCalls(), 1)
	assert.Len(t, f.sink.transitions(), 1)
}

func TestRecoveryForwardedToSink(t *testing.T) {
	f := newFixture(t)

	f.wd.OnLivenessChange("srv-1", false)
	f.wd.OnLivenessChange("srv-1", true)

	transitions := f.sink.transitions()
	require.Len(t, transitions, 2)
	assert.False(t, transitions[0].alive)
	assert.True(t, transitions[1].alive)

	f.waitEvent(t, events.EventServerRecovered)
}

func TestFirstReportAliveIsQuiet(t *testing.T) {
	f := newFixture(t)

	// Initial "alive" observation is bookkeeping, not a recovery.
	f.wd.OnLivenessChange("srv-1", true)

	select {
	case ev := <-f.sub:
		assert.NotEqual(t, events.EventServerRecovered, ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
