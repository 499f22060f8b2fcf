/*
Package types defines the core data structures used throughout Preempt.

This package contains all fundamental types that represent Preempt's domain
model: monitored servers, reliability samples and scores, migration
advisories, migration plans, and the migration state machine states. These
types are used by all other packages for estimation, planning, orchestration,
and persistence.

# Core Types

Fleet:
  - Server: a monitored fleet member with capacity and lifecycle state
  - ServerState: healthy, degraded, migrating, failed, drained
  - ServerCapacity: total and allocated CPU/memory/disk
  - ServiceSpec: a stateful workload pinned to a server

Reliability:
  - ReliabilitySample: timestamped raw signal vector, immutable once recorded
  - ReliabilityScore: derived [0,1] score plus trend slope
  - FailureStats: observed MTBF, MTTR, and failure rate

Migration:
  - MigrationAdvisory: one-shot trigger emitted on threshold crossing
  - MigrationPlan: the unit of work executed by the orchestrator
  - MigrationState: created → replicating → syncing → cutting-over →
    completed, with aborted reachable from any non-terminal state
  - AbortReason: why a plan ended in aborted

All types are plain data: serializable as JSON for the bbolt store, with no
behavior beyond small derived-value helpers. Ownership rules (who may mutate
what) are documented on each type.
*/
package types
