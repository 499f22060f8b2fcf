package storage

import (
	"github.com/preempt-io/preempt/pkg/types"
)

// Store defines the interface for engine state persistence: the monitored
// server table, the services pinned to them, and the migration plan record.
type Store interface {
	// Servers
	CreateServer(server *types.Server) error
	GetServer(id string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	UpdateServer(server *types.Server) error
	DeleteServer(id string) error

	// Services
	CreateService(service *types.ServiceSpec) error
	GetService(id string) (*types.ServiceSpec, error)
	ListServices() ([]*types.ServiceSpec, error)
	UpdateService(service *types.ServiceSpec) error
	DeleteService(id string) error

	// Migration plans (active and historical)
	SavePlan(plan *types.MigrationPlan) error
	GetPlan(id string) (*types.MigrationPlan, error)
	ListPlans() ([]*types.MigrationPlan, error)
	ListPlansBySource(serverID string) ([]*types.MigrationPlan, error)

	// Utility
	Close() error
}
