package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/preempt-io/preempt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFleet is a static fleet view for planner tests.
type fakeFleet struct {
	servers []*types.Server
	scores  map[string]float64
}

func (f *fakeFleet) ListServers() ([]*types.Server, error) {
	return f.servers, nil
}

func (f *fakeFleet) Score(serverID string) (*types.ReliabilityScore, error) {
	score, ok := f.scores[serverID]
	if !ok {
		return nil, errors.New("no score")
	}
	return &types.ReliabilityScore{ServerID: serverID, Score: score}, nil
}

func server(id string, cpuFree float64, memFree int64) *types.Server {
	cores := 16
	return &types.Server{
		ID:    id,
		State: types.ServerStateHealthy,
		Alive: true,
		Capacity: &types.ServerCapacity{
			CPUCores:        cores,
			MemoryBytes:     32 << 30,
			CPUAllocated:    float64(cores) - cpuFree,
			MemoryAllocated: 32<<30 - memFree,
		},
	}
}

func testAdvisory(sourceID string) *types.MigrationAdvisory {
	return &types.MigrationAdvisory{
		SourceServerID: sourceID,
		ScoreAtTrigger: 0.8,
		RaisedAt:       time.Now(),
	}
}

func testService(serverID string) *types.ServiceSpec {
	return &types.ServiceSpec{
		ID:           "svc-1",
		Name:         "orders-db",
		ServerID:     serverID,
		CPUDemand:    2,
		MemoryDemand: 4 << 30,
	}
}

func TestPlanSelectsHighestScore(t *testing.T) {
	fleet := &fakeFleet{
		servers: []*types.Server{
			server("srv-1", 8, 16<<30),
			server("srv-2", 8, 16<<30),
			server("srv-3", 8, 16<<30),
		},
		scores: map[string]float64{"srv-1": 0.5, "srv-2": 0.97, "srv-3": 0.99},
	}
	p := NewPlanner(fleet)

	plan, err := p.Plan(testAdvisory("srv-1"), testService("srv-1"))
	require.NoError(t, err)

	assert.Equal(t, "srv-3", plan.TargetServerID)
	assert.Equal(t, "srv-1", plan.SourceServerID)
	assert.Equal(t, "svc-1", plan.ServiceID)
	assert.Equal(t, types.MigrationStateCreated, plan.State)
	assert.NotEmpty(t, plan.ID)
}

func TestPlanNeverSelectsSource(t *testing.T) {
	// The source has the best score but is excluded by construction.
	fleet := &fakeFleet{
		servers: []*types.Server{
			server("srv-1", 8, 16<<30),
			server("srv-2", 8, 16<<30),
		},
		scores: map[string]float64{"srv-1": 0.99, "srv-2": 0.6},
	}
	p := NewPlanner(fleet)

	plan, err := p.Plan(testAdvisory("srv-1"), testService("srv-1"))
	require.NoError(t, err)
	assert.Equal(t, "srv-2", plan.TargetServerID)
}

func TestPlanFiltersIneligibleServers(t *testing.T) {
	failed := server("srv-failed", 8, 16<<30)
	failed.State = types.ServerStateFailed

	dead := server("srv-dead", 8, 16<<30)
	dead.Alive = false

	noCPU := server("srv-nocpu", 1, 16<<30)
	noMem := server("srv-nomem", 8, 1<<30)

	fleet := &fakeFleet{
		servers: []*types.Server{
			server("srv-1", 8, 16<<30),
			failed, dead, noCPU, noMem,
			server("srv-ok", 8, 16<<30),
		},
		scores: map[string]float64{
			"srv-failed": 0.99, "srv-dead": 0.99, "srv-nocpu": 0.99,
			"srv-nomem": 0.99, "srv-ok": 0.9,
		},
	}
	p := NewPlanner(fleet)

	plan, err := p.Plan(testAdvisory("srv-1"), testService("srv-1"))
	require.NoError(t, err)
	assert.Equal(t, "srv-ok", plan.TargetServerID)
}

func TestPlanNoEligibleTarget(t *testing.T) {
	fleet := &fakeFleet{
		servers: []*types.Server{server("srv-1", 8, 16<<30)},
		scores:  map[string]float64{"srv-1": 0.5},
	}
	p := NewPlanner(fleet)

	_, err := p.Plan(testAdvisory("srv-1"), testService("srv-1"))
	assert.True(t, errors.Is(err, ErrNoEligibleTarget))
}

func TestPlanTieBreaking(t *testing.T) {
	// Equal scores: lower load fraction wins.
	busy := server("srv-busy", 4, 16<<30)
	idle := server("srv-idle", 12, 16<<30)
	fleet := &fakeFleet{
		servers: []*types.Server{server("srv-1", 8, 16<<30), busy, idle},
		scores:  map[string]float64{"srv-busy": 0.9, "srv-idle": 0.9},
	}
	p := NewPlanner(fleet)

	plan, err := p.Plan(testAdvisory("srv-1"), testService("srv-1"))
	require.NoError(t, err)
	assert.Equal(t, "srv-idle", plan.TargetServerID)

	// Equal scores and loads: lowest ID, so repeated runs are deterministic.
	fleet = &fakeFleet{
		servers: []*types.Server{
			server("srv-1", 8, 16<<30),
			server("srv-b", 8, 16<<30),
			server("srv-a", 8, 16<<30),
		},
		scores: map[string]float64{"srv-a": 0.9, "srv-b": 0.9},
	}
	p = NewPlanner(fleet)

	for i := 0; i < 5; i++ {
		plan, err := p.Plan(testAdvisory("srv-1"), testService("srv-1"))
		require.NoError(t, err)
		assert.Equal(t, "srv-a", plan.TargetServerID)
	}
}

func TestPlanMissingScoreTreatedAsZero(t *testing.T) {
	// A server without telemetry is still eligible, ranked last.
	fleet := &fakeFleet{
		servers: []*types.Server{
			server("srv-1", 8, 16<<30),
			server("srv-cold", 8, 16<<30),
			server("srv-warm", 8, 16<<30),
		},
		scores: map[string]float64{"srv-warm": 0.3},
	}
	p := NewPlanner(fleet)

	plan, err := p.Plan(testAdvisory("srv-1"), testService("srv-1"))
	require.NoError(t, err)
	assert.Equal(t, "srv-warm", plan.TargetServerID)
}
