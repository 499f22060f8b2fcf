package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/preempt-io/preempt/pkg/config"
	"github.com/preempt-io/preempt/pkg/estimator"
	"github.com/preempt-io/preempt/pkg/events"
	"github.com/preempt-io/preempt/pkg/log"
	"github.com/preempt-io/preempt/pkg/metrics"
	"github.com/preempt-io/preempt/pkg/orchestrator"
	"github.com/preempt-io/preempt/pkg/planner"
	"github.com/preempt-io/preempt/pkg/storage"
	"github.com/preempt-io/preempt/pkg/types"
	"github.com/preempt-io/preempt/pkg/watchdog"
	"github.com/rs/zerolog"
)

var (
	// ErrServerExists indicates a server with the same ID is already
	// registered.
	ErrServerExists = errors.New("server already registered")

	// ErrServerNotFound indicates the server is not in the registry.
	ErrServerNotFound = errors.New("server not found")

	// ErrServiceNotFound indicates the service is not in the registry.
	ErrServiceNotFound = errors.New("service not found")
)

// mailboxSize bounds the per-server sample queue. A producer faster than the
// estimator drops samples rather than blocking the submitter.
const mailboxSize = 128

// Router is the routing collaborator: initial placement plus the atomic
// cutover repoint.
type Router interface {
	orchestrator.Router
	Assign(serviceID, serverID string)
}

// Coordinator owns the fleet registry and wires the estimator, planner,
// orchestrator and watchdog together. Telemetry for each server flows
// through a dedicated mailbox goroutine, so samples for one server are
// processed strictly in arrival order while servers never block each other,
// and the advisory loop consumes estimator output one advisory at a time.
// Together with the orchestrator's source-busy check this keeps at most one
// active migration per source without any cross-component locking.
type Coordinator struct {
	cfg      *config.Config
	store    storage.Store
	broker   *events.Broker
	est      *estimator.Estimator
	planner  *planner.Planner
	orch     *orchestrator.Orchestrator
	watchdog *watchdog.Watchdog
	router   Router
	logger   zerolog.Logger

	mu                sync.RWMutex
	servers           map[string]*types.Server
	services          map[string]*types.ServiceSpec
	mailboxes         map[string]chan *types.ReliabilitySample
	completedBySource map[string]*types.MigrationPlan

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Coordinator and restores the fleet registry from the store.
// The transfer and router collaborators are external: the engine decides
// when data moves and where traffic points, never how.
func New(cfg *config.Config, store storage.Store, transfer orchestrator.Transfer, router Router, broker *events.Broker) (*Coordinator, error) {
	c := &Coordinator{
		cfg:               cfg,
		store:             store,
		broker:            broker,
		router:            router,
		logger:            log.WithComponent("coordinator"),
		servers:           make(map[string]*types.Server),
		services:          make(map[string]*types.ServiceSpec),
		mailboxes:         make(map[string]chan *types.ReliabilitySample),
		completedBySource: make(map[string]*types.MigrationPlan),
		stopCh:            make(chan struct{}),
	}

	c.est = estimator.New(cfg.Estimator, broker)
	c.planner = planner.NewPlanner(c)
	c.orch = orchestrator.New(cfg.Orchestrator, transfer, router, c, broker)
	c.orch.OnTransition(c.persistPlan)
	c.orch.OnFinished(c.planFinished)
	c.watchdog = watchdog.New(c.orch, c, c.est, broker, cfg.ColdMigration.EstimatedDowntime)

	if err := c.restore(); err != nil {
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}

	return c, nil
}

// restore loads servers and services persisted by a previous run.
func (c *Coordinator) restore() error {
	servers, err := c.store.ListServers()
	if err != nil {
		return err
	}
	for _, server := range servers {
		c.servers[server.ID] = server
		c.est.AddServer(server.ID)
		metrics.ServersTotal.WithLabelValues(string(server.State)).Inc()
	}

	services, err := c.store.ListServices()
	if err != nil {
		return err
	}
	for _, service := range services {
		c.services[service.ID] = service
	}

	if len(servers) > 0 || len(services) > 0 {
		c.logger.Info().
			Int("servers", len(servers)).
			Int("services", len(services)).
			Msg("restored registry from store")
	}
	return nil
}

// Start launches the advisory consumption loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.advisoryLoop()
	c.logger.Info().Msg("coordinator started")
}

// Stop shuts down the advisory loop, the sample mailboxes and all running
// migrations.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.orch.Stop()
	c.wg.Wait()
	c.logger.Info().Msg("coordinator stopped")
}

// AddServer registers a server in the fleet and starts monitoring it.
func (c *Coordinator) AddServer(server *types.Server) error {
	c.mu.Lock()
	if _, ok := c.servers[server.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerExists, server.ID)
	}
	if server.State == "" {
		server.State = types.ServerStateHealthy
	}
	server.Alive = true
	server.JoinedAt = time.Now()
	c.servers[server.ID] = server
	c.mu.Unlock()

	if err := c.store.CreateServer(server); err != nil {
		return fmt.Errorf("failed to persist server: %w", err)
	}

	c.est.AddServer(server.ID)
	metrics.ServersTotal.WithLabelValues(string(server.State)).Inc()

	c.logger.Info().Str("server_id", server.ID).Str("address", server.Address).Msg("server joined")
	c.broker.Publish(&events.Event{
		Type:     events.EventServerJoined,
		ServerID: server.ID,
	})
	return nil
}

// RemoveServer removes a server from the fleet permanently. Its monitoring
// state and mailbox are discarded.
func (c *Coordinator) RemoveServer(serverID string) error {
	c.mu.Lock()
	server, ok := c.servers[serverID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	delete(c.servers, serverID)
	if mbox, ok := c.mailboxes[serverID]; ok {
		delete(c.mailboxes, serverID)
		close(mbox)
	}
	c.mu.Unlock()

	if err := c.store.DeleteServer(serverID); err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}

	c.est.RemoveServer(serverID)
	metrics.ServersTotal.WithLabelValues(string(server.State)).Dec()

	c.logger.Info().Str("server_id", serverID).Msg("server removed")
	c.broker.Publish(&events.Event{
		Type:     events.EventServerRemoved,
		ServerID: serverID,
	})
	return nil
}

// GetServer returns a snapshot of a registered server.
func (c *Coordinator) GetServer(serverID string) (*types.Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	server, ok := c.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	snapshot := *server
	return &snapshot, nil
}

// ListServers returns a snapshot of the fleet. Implements the planner's
// fleet view.
func (c *Coordinator) ListServers() ([]*types.Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	servers := make([]*types.Server, 0, len(c.servers))
	for _, server := range c.servers {
		snapshot := *server
		servers = append(servers, &snapshot)
	}
	return servers, nil
}

// Score returns the current reliability score for a server. Implements the
// planner's fleet view.
func (c *Coordinator) Score(serverID string) (*types.ReliabilityScore, error) {
	return c.est.CurrentScore(serverID)
}

// Stats returns the observed failure statistics for a server.
func (c *Coordinator) Stats(serverID string) (*types.FailureStats, error) {
	return c.est.Stats(serverID)
}

// AddService registers a stateful service pinned to a server, points routing
// at it and reserves its capacity.
func (c *Coordinator) AddService(service *types.ServiceSpec) error {
	c.mu.Lock()
	server, ok := c.servers[service.ServerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, service.ServerID)
	}
	if service.CreatedAt.IsZero() {
		service.CreatedAt = time.Now()
	}
	c.services[service.ID] = service
	if server.Capacity != nil {
		server.Capacity.CPUAllocated += service.CPUDemand
		server.Capacity.MemoryAllocated += service.MemoryDemand
	}
	c.mu.Unlock()

	if err := c.store.CreateService(service); err != nil {
		return fmt.Errorf("failed to persist service: %w", err)
	}
	c.router.Assign(service.ID, service.ServerID)

	c.logger.Info().
		Str("service_id", service.ID).
		Str("server_id", service.ServerID).
		Msg("service registered")
	return nil
}

// GetService returns a snapshot of a registered service.
func (c *Coordinator) GetService(serviceID string) (*types.ServiceSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	service, ok := c.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}
	snapshot := *service
	return &snapshot, nil
}

// SubmitSample queues a telemetry sample on the source server's mailbox.
// Samples for one server are processed in arrival order; a full mailbox
// drops the sample rather than blocking the submitter.
func (c *Coordinator) SubmitSample(sample *types.ReliabilitySample) {
	mbox := c.mailbox(sample.ServerID)
	select {
	case mbox <- sample:
	default:
		metrics.SamplesRejected.WithLabelValues("backlog").Inc()
		c.logger.Warn().Str("server_id", sample.ServerID).Msg("sample mailbox full, dropping sample")
	}
}

// RecordSample processes a sample synchronously, bypassing the mailbox.
// Used by the simulator, which needs the score each sample produced.
func (c *Coordinator) RecordSample(sample *types.ReliabilitySample) (*types.ReliabilityScore, error) {
	return c.est.RecordSample(sample)
}

// OnLivenessChange feeds a liveness transition into the watchdog and keeps
// the registry's server state in line with it.
func (c *Coordinator) OnLivenessChange(serverID string, alive bool) {
	var changed *types.Server
	c.mu.Lock()
	if server, ok := c.servers[serverID]; ok {
		prev := server.State
		server.Alive = alive
		if alive {
			server.LastSeen = time.Now()
			if server.State == types.ServerStateFailed {
				server.State = types.ServerStateHealthy
			}
		} else {
			server.State = types.ServerStateFailed
		}
		if server.State != prev {
			metrics.ServersTotal.WithLabelValues(string(prev)).Dec()
			metrics.ServersTotal.WithLabelValues(string(server.State)).Inc()
			snapshot := *server
			changed = &snapshot
		}
	}
	c.mu.Unlock()

	if changed != nil {
		c.persistServer(changed)
	}

	c.watchdog.OnLivenessChange(serverID, alive)
}

// CompletedPlanBySource returns the most recent completed migration away from
// a server. Implements the watchdog's plan history view.
func (c *Coordinator) CompletedPlanBySource(serverID string) (*types.MigrationPlan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	plan, ok := c.completedBySource[serverID]
	if !ok {
		return nil, false
	}
	snapshot := *plan
	return &snapshot, true
}

// Plans returns all persisted migration plans, active and historical.
func (c *Coordinator) Plans() ([]*types.MigrationPlan, error) {
	return c.store.ListPlans()
}

// Events returns a subscription to the engine's event stream.
func (c *Coordinator) Events() events.Subscriber {
	return c.broker.Subscribe()
}

// mailbox returns the sample mailbox for a server, starting its consumer
// goroutine on first use.
func (c *Coordinator) mailbox(serverID string) chan *types.ReliabilitySample {
	c.mu.RLock()
	mbox, ok := c.mailboxes[serverID]
	c.mu.RUnlock()
	if ok {
		return mbox
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mbox, ok = c.mailboxes[serverID]; ok {
		return mbox
	}
	mbox = make(chan *types.ReliabilitySample, mailboxSize)
	c.mailboxes[serverID] = mbox

	c.wg.Add(1)
	go c.consumeSamples(serverID, mbox)
	return mbox
}

func (c *Coordinator) consumeSamples(serverID string, mbox <-chan *types.ReliabilitySample) {
	defer c.wg.Done()
	for {
		select {
		case sample, ok := <-mbox:
			if !ok {
				return
			}
			if _, err := c.est.RecordSample(sample); err != nil {
				c.logger.Warn().Err(err).Str("server_id", serverID).Msg("sample rejected")
			}
		case <-c.stopCh:
			return
		}
	}
}

// advisoryLoop consumes migration advisories one at a time and dispatches
// plans for them.
func (c *Coordinator) advisoryLoop() {
	defer c.wg.Done()
	for {
		select {
		case advisory := <-c.est.Advisories():
			c.handleAdvisory(advisory)
		case <-c.stopCh:
			return
		}
	}
}

// handleAdvisory plans and dispatches one migration per service hosted on
// the degrading server.
func (c *Coordinator) handleAdvisory(advisory *types.MigrationAdvisory) {
	services := c.servicesOn(advisory.SourceServerID)
	if len(services) == 0 {
		c.logger.Debug().
			Str("server_id", advisory.SourceServerID).
			Msg("advisory for server with no services, nothing to migrate")
		return
	}

	for _, service := range services {
		a := *advisory
		a.ServiceID = service.ID
		plan, err := c.planner.Plan(&a, service)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("service_id", service.ID).
				Str("server_id", advisory.SourceServerID).
				Msg("could not plan migration")
			continue
		}
		c.dispatch(plan, service)
	}
}

// dispatch reserves target capacity, marks the source migrating and hands
// the plan to the orchestrator.
func (c *Coordinator) dispatch(plan *types.MigrationPlan, service *types.ServiceSpec) {
	c.mu.Lock()
	if target, ok := c.servers[plan.TargetServerID]; ok && target.Capacity != nil {
		target.Capacity.CPUAllocated += service.CPUDemand
		target.Capacity.MemoryAllocated += service.MemoryDemand
	}
	if source, ok := c.servers[plan.SourceServerID]; ok && source.State == types.ServerStateHealthy {
		source.State = types.ServerStateMigrating
		metrics.ServersTotal.WithLabelValues(string(types.ServerStateHealthy)).Dec()
		metrics.ServersTotal.WithLabelValues(string(types.ServerStateMigrating)).Inc()
	}
	c.mu.Unlock()

	c.persistPlan(plan)

	if err := c.orch.Execute(plan); err != nil {
		c.logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("plan dispatch rejected")
		c.releaseTarget(plan, service)
	}
}

// servicesOn returns snapshots of the services hosted on a server.
func (c *Coordinator) servicesOn(serverID string) []*types.ServiceSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.ServiceSpec
	for _, service := range c.services {
		if service.ServerID == serverID {
			snapshot := *service
			out = append(out, &snapshot)
		}
	}
	return out
}

func (c *Coordinator) persistPlan(plan *types.MigrationPlan) {
	if err := c.store.SavePlan(plan); err != nil {
		c.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("failed to persist plan")
	}
}

func (c *Coordinator) persistServer(server *types.Server) {
	if err := c.store.UpdateServer(server); err != nil {
		c.logger.Error().Err(err).Str("server_id", server.ID).Msg("failed to persist server")
	}
}

func (c *Coordinator) persistService(service *types.ServiceSpec) {
	if err := c.store.UpdateService(service); err != nil {
		c.logger.Error().Err(err).Str("service_id", service.ID).Msg("failed to persist service")
	}
}

// planFinished settles registry state after a plan reaches a terminal
// state: capacity moves or is released, the service record follows the
// routing table, and completed plans become watchdog history.
func (c *Coordinator) planFinished(plan *types.MigrationPlan) {
	c.persistPlan(plan)

	var moved *types.ServiceSpec
	c.mu.Lock()

	service := c.services[plan.ServiceID]

	switch plan.State {
	case types.MigrationStateCompleted:
		c.completedBySource[plan.SourceServerID] = plan
		if service != nil {
			service.ServerID = plan.TargetServerID
			snapshot := *service
			moved = &snapshot
			if source, ok := c.servers[plan.SourceServerID]; ok && source.Capacity != nil {
				source.Capacity.CPUAllocated -= service.CPUDemand
				source.Capacity.MemoryAllocated -= service.MemoryDemand
			}
		}
		if source, ok := c.servers[plan.SourceServerID]; ok && source.State == types.ServerStateMigrating {
			source.State = types.ServerStateDrained
			metrics.ServersTotal.WithLabelValues(string(types.ServerStateMigrating)).Dec()
			metrics.ServersTotal.WithLabelValues(string(types.ServerStateDrained)).Inc()
		}

	case types.MigrationStateAborted:
		if service != nil {
			if target, ok := c.servers[plan.TargetServerID]; ok && target.Capacity != nil {
				target.Capacity.CPUAllocated -= service.CPUDemand
				target.Capacity.MemoryAllocated -= service.MemoryDemand
			}
		}
		if source, ok := c.servers[plan.SourceServerID]; ok && source.State == types.ServerStateMigrating {
			source.State = types.ServerStateDegraded
			metrics.ServersTotal.WithLabelValues(string(types.ServerStateMigrating)).Dec()
			metrics.ServersTotal.WithLabelValues(string(types.ServerStateDegraded)).Inc()
		}
	}
	c.mu.Unlock()

	if moved != nil {
		c.persistService(moved)
	}
}

func (c *Coordinator) releaseTarget(plan *types.MigrationPlan, service *types.ServiceSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target, ok := c.servers[plan.TargetServerID]; ok && target.Capacity != nil {
		target.Capacity.CPUAllocated -= service.CPUDemand
		target.Capacity.MemoryAllocated -= service.MemoryDemand
	}
}

// EscalateColdMigration relocates a service reactively after its proactive
// migration failed. The replica was dropped on abort, so the service takes
// the full re-provision outage. Implements the orchestrator's escalation
// hook.
func (c *Coordinator) EscalateColdMigration(serviceID, sourceID string, reason types.AbortReason) {
	c.mu.RLock()
	service, ok := c.services[serviceID]
	var snapshot types.ServiceSpec
	if ok {
		snapshot = *service
	}
	c.mu.RUnlock()
	if !ok {
		c.logger.Error().Str("service_id", serviceID).Msg("cold migration for unknown service")
		return
	}

	advisory := &types.MigrationAdvisory{
		SourceServerID: sourceID,
		ServiceID:      serviceID,
		RaisedAt:       time.Now(),
	}
	plan, err := c.planner.Plan(advisory, &snapshot)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("service_id", serviceID).
			Msg("cold migration has no target, service stays down")
		return
	}

	if err := c.router.Repoint(serviceID, sourceID, plan.TargetServerID); err != nil {
		c.logger.Error().Err(err).Str("service_id", serviceID).Msg("cold migration repoint failed")
		return
	}

	downtime := c.cfg.ColdMigration.EstimatedDowntime
	var moved *types.ServiceSpec
	c.mu.Lock()
	if service, ok := c.services[serviceID]; ok {
		service.ServerID = plan.TargetServerID
		s := *service
		moved = &s
	}
	if target, ok := c.servers[plan.TargetServerID]; ok && target.Capacity != nil {
		target.Capacity.CPUAllocated += snapshot.CPUDemand
		target.Capacity.MemoryAllocated += snapshot.MemoryDemand
	}
	c.mu.Unlock()

	if moved != nil {
		c.persistService(moved)
	}

	c.logger.Warn().
		Str("service_id", serviceID).
		Str("source", sourceID).
		Str("target", plan.TargetServerID).
		Str("reason", string(reason)).
		Dur("estimated_downtime", downtime).
		Msg("service relocated by cold migration")
}
