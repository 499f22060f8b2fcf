package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/preempt-io/preempt/pkg/config"
	"github.com/preempt-io/preempt/pkg/events"
	"github.com/preempt-io/preempt/pkg/routing"
	"github.com/preempt-io/preempt/pkg/storage"
	"github.com/preempt-io/preempt/pkg/transfer"
	"github.com/preempt-io/preempt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Estimator.WindowSize = 10
	cfg.Orchestrator.PollInterval = 2 * time.Millisecond
	cfg.Orchestrator.CutoverBudget = 2 * time.Second
	return cfg
}

type testEngine struct {
	coord *Coordinator
	store storage.Store
	mem   *transfer.Memory
	table *routing.Table
	sub   events.Subscriber
}

func newTestEngine(t *testing.T) *testEngine {
	cfg := testConfig()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	e := &testEngine{
		store: store,
		mem:   transfer.NewMemory(),
		table: routing.NewTable(),
		sub:   broker.Subscribe(),
	}
	e.coord, err = New(cfg, store, e.mem, e.table, broker)
	require.NoError(t, err)
	e.coord.Start()
	t.Cleanup(e.coord.Stop)
	return e
}

func (e *testEngine) addFleet(t *testing.T) {
	for _, id := range []string{"srv-1", "srv-2", "srv-3"} {
		err := e.coord.AddServer(&types.Server{
			ID: id,
			Capacity: &types.ServerCapacity{
				CPUCores:    8,
				MemoryBytes: 16 << 30,
			},
		})
		require.NoError(t, err)
	}
	err := e.coord.AddService(&types.ServiceSpec{
		ID:           "svc-1",
		Name:         "orders-db",
		ServerID:     "srv-1",
		CPUDemand:    2,
		MemoryDemand: 4 << 30,
	})
	require.NoError(t, err)
	require.NoError(t, e.mem.Write("svc-1", "k1", "v1"))
}

func healthySignals() map[string]float64 {
	return map[string]float64{
		"cpu_error_rate":       0.0,
		"disk_latency_p99":     10,
		"heartbeat_miss_count": 0,
	}
}

func degradedSignals(severity float64) map[string]float64 {
	return map[string]float64{
		"cpu_error_rate":       severity,
		"disk_latency_p99":     severity * 1000,
		"heartbeat_miss_count": severity * 10,
	}
}

// degrade feeds a healthy baseline for every server, then a steady decline
// for the victim until the advisory threshold is crossed.
func (e *testEngine) degrade(t *testing.T, victim string) {
	base := time.Now()
	tick := 0
	for i := 0; i < 5; i++ {
		for _, id := range []string{"srv-1", "srv-2", "srv-3"} {
			_, err := e.coord.RecordSample(&types.ReliabilitySample{
				ServerID:  id,
				Timestamp: base.Add(time.Duration(tick) * time.Second),
				Signals:   healthySignals(),
			})
			require.NoError(t, err)
		}
		tick++
	}
	for i := 0; i < 12; i++ {
		_, err := e.coord.RecordSample(&types.ReliabilitySample{
			ServerID:  victim,
			Timestamp: base.Add(time.Duration(tick) * time.Second),
			Signals:   degradedSignals(0.1 + float64(i)*0.07),
		})
		require.NoError(t, err)
		tick++
	}
}

// waitEvent drains the subscription until an event of the given type shows
// up.
func (e *testEngine) waitEvent(t *testing.T, typ events.EventType) *events.Event {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e.sub:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", typ)
			return nil
		}
	}
}

func TestPredictiveMigrationBeatsFailure(t *testing.T) {
	e := newTestEngine(t)
	e.addFleet(t)

	// Degradation raises an advisory and the migration completes while the
	// server is still up.
	e.degrade(t, "srv-1")
	e.waitEvent(t, events.EventAdvisoryRaised)
	e.waitEvent(t, events.EventMigrationCompleted)

	target, ok := e.table.Lookup("svc-1")
	require.True(t, ok)
	assert.NotEqual(t, "srv-1", target)
	assert.Equal(t, e.mem.SourceState("svc-1"), e.mem.ReplicaState("svc-1"))

	// The source drains once its service is gone.
	require.Eventually(t, func() bool {
		server, err := e.coord.GetServer("srv-1")
		return err == nil && server.State == types.ServerStateDrained
	}, 2*time.Second, 10*time.Millisecond)

	service, err := e.coord.GetService("svc-1")
	require.NoError(t, err)
	assert.Equal(t, target, service.ServerID)

	// The predicted failure arrives. Nothing is left to abort; the outage
	// was preempted.
	e.coord.OnLivenessChange("srv-1", false)
	ev := e.waitEvent(t, events.EventFailurePreempted)
	assert.Equal(t, "srv-1", ev.ServerID)
}

func TestSourceDeathMidMigrationFallsBackCold(t *testing.T) {
	e := newTestEngine(t)
	e.addFleet(t)
	e.mem.CopyPolls = 10000 // migration never leaves replication on its own

	e.degrade(t, "srv-1")
	e.waitEvent(t, events.EventAdvisoryRaised)

	// Wait for the plan to be replicating, then kill the source.
	ev := e.waitEvent(t, events.EventMigrationStateChanged)
	assert.Equal(t, string(types.MigrationStateReplicating), ev.Metadata["to"])

	e.coord.OnLivenessChange("srv-1", false)

	aborted := e.waitEvent(t, events.EventMigrationAborted)
	assert.Equal(t, string(types.AbortReasonSourceFailed), aborted.Metadata["reason"])

	// Cold migration relocates the service reactively.
	require.Eventually(t, func() bool {
		target, ok := e.table.Lookup("svc-1")
		return ok && target != "srv-1"
	}, 5*time.Second, 10*time.Millisecond)

	server, err := e.coord.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.ServerStateFailed, server.State)
	assert.False(t, server.Alive)
}

func TestAdvisoryWithNoEligibleTarget(t *testing.T) {
	e := newTestEngine(t)

	// Single-server fleet: nowhere to go.
	err := e.coord.AddServer(&types.Server{
		ID:       "srv-1",
		Capacity: &types.ServerCapacity{CPUCores: 8, MemoryBytes: 16 << 30},
	})
	require.NoError(t, err)
	require.NoError(t, e.coord.AddService(&types.ServiceSpec{
		ID:        "svc-1",
		ServerID:  "srv-1",
		CPUDemand: 2,
	}))

	base := time.Now()
	for i := 0; i < 12; i++ {
		_, err := e.coord.RecordSample(&types.ReliabilitySample{
			ServerID:  "srv-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Signals:   degradedSignals(0.2 + float64(i)*0.06),
		})
		require.NoError(t, err)
	}
	e.waitEvent(t, events.EventAdvisoryRaised)

	// No plan can be made; the service stays put and nothing crashes.
	time.Sleep(100 * time.Millisecond)
	target, ok := e.table.Lookup("svc-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", target)
}

func TestSubmitSampleMailboxOrdering(t *testing.T) {
	e := newTestEngine(t)
	e.addFleet(t)

	base := time.Now()
	for i := 0; i < 20; i++ {
		e.coord.SubmitSample(&types.ReliabilitySample{
			ServerID:  "srv-2",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Signals:   healthySignals(),
		})
	}

	require.Eventually(t, func() bool {
		score, err := e.coord.Score("srv-2")
		return err == nil && score.Samples == testConfig().Estimator.WindowSize
	}, 2*time.Second, 5*time.Millisecond)

	score, err := e.coord.Score("srv-2")
	require.NoError(t, err)
	assert.Greater(t, score.Score, 0.95)
}

func TestAddServerDuplicate(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.coord.AddServer(&types.Server{ID: "srv-1"}))

	err := e.coord.AddServer(&types.Server{ID: "srv-1"})
	assert.True(t, errors.Is(err, ErrServerExists))
}

func TestRemoveServer(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.coord.AddServer(&types.Server{ID: "srv-1"}))

	require.NoError(t, e.coord.RemoveServer("srv-1"))
	_, err := e.coord.GetServer("srv-1")
	assert.True(t, errors.Is(err, ErrServerNotFound))

	err = e.coord.RemoveServer("srv-1")
	assert.True(t, errors.Is(err, ErrServerNotFound))
}

func TestAddServiceRequiresServer(t *testing.T) {
	e := newTestEngine(t)
	err := e.coord.AddService(&types.ServiceSpec{ID: "svc-1", ServerID: "nope"})
	assert.True(t, errors.Is(err, ErrServerNotFound))
}

func TestPlanHistoryPersisted(t *testing.T) {
	e := newTestEngine(t)
	e.addFleet(t)

	e.degrade(t, "srv-1")
	e.waitEvent(t, events.EventMigrationCompleted)

	require.Eventually(t, func() bool {
		plans, err := e.coord.Plans()
		if err != nil || len(plans) != 1 {
			return false
		}
		return plans[0].State == types.MigrationStateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	plans, err := e.coord.Plans()
	require.NoError(t, err)
	plan := plans[0]
	assert.Equal(t, "svc-1", plan.ServiceID)
	assert.Equal(t, "srv-1", plan.SourceServerID)
	assert.NotEqual(t, "srv-1", plan.TargetServerID)
	assert.GreaterOrEqual(t, plan.DowntimeMS, int64(0))
	assert.NotNil(t, plan.Advisory)
}

func TestRegistryPersistedToStore(t *testing.T) {
	e := newTestEngine(t)
	e.addFleet(t)

	// Liveness transitions land in the store before OnLivenessChange
	// returns, so a crash right after cannot lose the state change.
	e.coord.OnLivenessChange("srv-2", false)
	server, err := e.store.GetServer("srv-2")
	require.NoError(t, err)
	assert.Equal(t, types.ServerStateFailed, server.State)
	assert.False(t, server.Alive)

	e.coord.OnLivenessChange("srv-2", true)
	server, err = e.store.GetServer("srv-2")
	require.NoError(t, err)
	assert.Equal(t, types.ServerStateHealthy, server.State)
	assert.True(t, server.Alive)

	// A completed migration moves the persisted service record too.
	e.degrade(t, "srv-1")
	e.waitEvent(t, events.EventMigrationCompleted)
	target, ok := e.table.Lookup("svc-1")
	require.True(t, ok)
	require.NotEqual(t, "srv-1", target)

	require.Eventually(t, func() bool {
		service, err := e.store.GetService("svc-1")
		return err == nil && service.ServerID == target
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatsTrackLiveness(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.coord.AddServer(&types.Server{ID: "srv-1"}))

	e.coord.OnLivenessChange("srv-1", true)
	e.coord.OnLivenessChange("srv-1", false)
	e.coord.OnLivenessChange("srv-1", true)

	stats, err := e.coord.Stats("srv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFailures)
}
