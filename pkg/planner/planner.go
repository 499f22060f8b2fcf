package planner

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/preempt-io/preempt/pkg/log"
	"github.com/preempt-io/preempt/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNoEligibleTarget indicates that no healthy server satisfies the
// capacity constraints for the migrating service. Recoverable: the planner
// is retried on the next advisory, or the coordinator escalates if the
// source keeps degrading.
var ErrNoEligibleTarget = errors.New("no eligible migration target")

// Fleet is the read-only view of the cluster the planner selects targets
// from.
type Fleet interface {
	ListServers() ([]*types.Server, error)
	Score(serverID string) (*types.ReliabilityScore, error)
}

// Planner selects migration targets and constructs migration plans. It
// holds no state across calls; a dispatched plan is owned entirely by the
// orchestrator.
type Planner struct {
	fleet  Fleet
	logger zerolog.Logger
}

// NewPlanner creates a new planner over the given fleet view.
func NewPlanner(fleet Fleet) *Planner {
	return &Planner{
		fleet:  fleet,
		logger: log.WithComponent("planner"),
	}
}

// candidate pairs a server with its current reliability score for ranking.
type candidate struct {
	server *types.Server
	score  float64
}

// Plan consumes an advisory and produces a migration plan for the given
// service. Target selection: the healthy server with the highest current
// reliability score among those with sufficient spare capacity; ties broken
// by lowest load fraction, then by server ID for determinism.
func (p *Planner) Plan(advisory *types.MigrationAdvisory, service *types.ServiceSpec) (*types.MigrationPlan, error) {
	servers, err := p.fleet.ListServers()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	var candidates []candidate
	for _, server := range servers {
		if !p.eligible(server, advisory.SourceServerID, service) {
			continue
		}
		score := 0.0
		if s, err := p.fleet.Score(server.ID); err == nil {
			score = s.Score
		}
		candidates = append(candidates, candidate{server: server, score: score})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: service %s on %s", ErrNoEligibleTarget, service.ID, advisory.SourceServerID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		la, lb := a.server.Capacity.LoadFraction(), b.server.Capacity.LoadFraction()
		if la != lb {
			return la < lb
		}
		return a.server.ID < b.server.ID
	})

	target := candidates[0].server
	plan := &types.MigrationPlan{
		ID:             uuid.New().String(),
		Advisory:       advisory,
		ServiceID:      service.ID,
		SourceServerID: advisory.SourceServerID,
		TargetServerID: target.ID,
		State:          types.MigrationStateCreated,
		CreatedAt:      time.Now(),
		StateEnteredAt: time.Now(),
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("service_id", service.ID).
		Str("source", plan.SourceServerID).
		Str("target", plan.TargetServerID).
		Float64("target_score", candidates[0].score).
		Msg("migration plan created")

	return plan, nil
}

// eligible filters servers that can receive the service.
func (p *Planner) eligible(server *types.Server, sourceID string, service *types.ServiceSpec) bool {
	if server.ID == sourceID {
		return false
	}
	if server.State != types.ServerStateHealthy || !server.Alive {
		return false
	}
	if server.Capacity == nil {
		return false
	}
	if server.Capacity.CPUFree() < service.CPUDemand {
		return false
	}
	if server.Capacity.MemoryFree() < service.MemoryDemand {
		return false
	}
	return true
}
