package types

import (
	"time"
)

// Server represents a monitored member of the fleet.
type Server struct {
	ID       string
	Address  string
	Labels   map[string]string
	State    ServerState
	Capacity *ServerCapacity
	Alive    bool
	LastSeen time.Time
	JoinedAt time.Time
}

// ServerState represents the lifecycle state of a server.
type ServerState string

const (
	ServerStateHealthy   ServerState = "healthy"
	ServerStateDegraded  ServerState = "degraded"
	ServerStateMigrating ServerState = "migrating"
	ServerStateFailed    ServerState = "failed"
	ServerStateDrained   ServerState = "drained"
)

// ServerCapacity tracks resource capacity and current allocation.
type ServerCapacity struct {
	// Total capacity
	CPUCores    int
	MemoryBytes int64
	DiskBytes   int64

	// Currently allocated (reserved by hosted services and inbound migrations)
	CPUAllocated    float64
	MemoryAllocated int64
	DiskAllocated   int64
}

// CPUFree returns the unallocated CPU cores.
func (c *ServerCapacity) CPUFree() float64 {
	return float64(c.CPUCores) - c.CPUAllocated
}

// MemoryFree returns the unallocated memory in bytes.
func (c *ServerCapacity) MemoryFree() int64 {
	return c.MemoryBytes - c.MemoryAllocated
}

// LoadFraction returns the allocated share of CPU capacity in [0,1].
// Used as a tie-breaker during target selection.
func (c *ServerCapacity) LoadFraction() float64 {
	if c.CPUCores == 0 {
		return 1.0
	}
	return c.CPUAllocated / float64(c.CPUCores)
}

// ReliabilitySample is a timestamped vector of raw health signals for one
// server. Immutable once recorded.
type ReliabilitySample struct {
	ServerID  string
	Timestamp time.Time
	Signals   map[string]float64
}

// ReliabilityScore is the derived reliability estimate for a server at a
// point in time. Score is bounded to [0,1]; Slope is the score change per
// sample over the trend window (negative means degrading).
type ReliabilityScore struct {
	ServerID   string
	Score      float64
	Slope      float64
	SampleTime time.Time
	Samples    int
}

// FailureStats summarizes the observed failure behavior of a server.
// MTBF and MTTR are measured in wall time; FailureRate is 1/MTBF.
type FailureStats struct {
	ServerID      string
	TotalFailures int
	TotalDowntime time.Duration
	TotalUptime   time.Duration
	MTBF          time.Duration
	MTTR          time.Duration
	FailureRate   float64 // failures per second
}

// MigrationAdvisory signals that a server crossed the proactive-migration
// threshold. Created once per crossing event and consumed exactly once by
// the planner.
type MigrationAdvisory struct {
	SourceServerID     string
	ServiceID          string
	ScoreAtTrigger     float64
	SlopeAtTrigger     float64
	PredictedFailureIn time.Duration // estimated time until score reaches zero
	RaisedAt           time.Time
}

// ServiceSpec describes a stateful workload pinned to a server. The
// orchestrator relocates the service; it never creates or sizes it.
type ServiceSpec struct {
	ID           string
	Name         string
	ServerID     string
	CPUDemand    float64
	MemoryDemand int64
	CreatedAt    time.Time
}

// MigrationPlan is the unit of work executed by the orchestrator. Owned and
// mutated only by the orchestrator once dispatched; terminal when State is
// Completed or Aborted.
type MigrationPlan struct {
	ID             string
	Advisory       *MigrationAdvisory
	ServiceID      string
	SourceServerID string
	TargetServerID string
	State          MigrationState
	Reason         string // populated on abort
	SyncIterations int
	CreatedAt      time.Time
	StateEnteredAt time.Time
	CompletedAt    time.Time
	DowntimeMS     int64 // cutover duration, only meaningful once Completed
}

// MigrationState is the state of a migration plan's state machine.
type MigrationState string

const (
	MigrationStateCreated     MigrationState = "created"
	MigrationStateReplicating MigrationState = "replicating"
	MigrationStateSyncing     MigrationState = "syncing"
	MigrationStateCuttingOver MigrationState = "cutting-over"
	MigrationStateCompleted   MigrationState = "completed"
	MigrationStateAborted     MigrationState = "aborted"
)

// Terminal reports whether the state is a terminal state.
func (s MigrationState) Terminal() bool {
	return s == MigrationStateCompleted || s == MigrationStateAborted
}

// AbortReason identifies why a migration plan was aborted.
type AbortReason string

const (
	AbortReasonSourceFailed   AbortReason = "source-failed-mid-migration"
	AbortReasonSyncDivergence AbortReason = "sync-divergence"
	AbortReasonCutoverTimeout AbortReason = "cutover-timeout"
	AbortReasonCutoverFailed  AbortReason = "cutover-failed"
	AbortReasonTransferFailed AbortReason = "bulk-copy-failed"
	AbortReasonCancelled      AbortReason = "cancelled"
)

// TransferStatus is the state of an asynchronous bulk copy.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferDone    TransferStatus = "done"
	TransferFailed  TransferStatus = "failed"
)

// DeltaResult reports one incremental sync iteration: how many buffered
// state changes were replayed and how many remain.
type DeltaResult struct {
	AppliedCount int
	Lag          int
}
