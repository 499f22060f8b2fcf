/*
Package orchestrator executes live-migration plans through a state machine.

# State Machine

	created → replicating → syncing → cutting-over → completed
	                │           │           │
	                └───────────┴───────────┴──→ aborted

Replicating requests an asynchronous bulk copy from the data-transfer
collaborator and polls it without blocking other plans. Syncing replays the
mutations written on the source since the bulk copy started, a bounded batch
per iteration, until the backlog drops within sync_lag_bound; exceeding
max_sync_iterations is sync divergence and aborts the plan. Cutting-over is
the short critical section: pause source writes, drain the final delta,
atomically repoint routing, resume traffic on the target.

# Abort Semantics

An abort signal (watchdog-detected source failure, sync divergence, or
operator cancellation) is observable at every wait point, and once more at
the cutover commit gate just before the routing repoint. Cutover either
commits within cutover_budget or the budget timer marks the section expired
before the repoint, in which case routing is untouched and still names the
source; an abort signalled before the gate is honored the same way. The
commit gate shares a lock with Abort, so a true return from Abort
guarantees the plan terminates in Aborted. No abort path can ever leave
routing half-applied: every aborted plan leaves routing unambiguously at
the source, and every completed plan leaves it unambiguously at the target.

Aborting releases the target-side replica reserved for the plan. When the
source is confirmed dead, or the delta backlog diverged, the plan escalates
through the cold-migration hook, the reactive path this engine exists to
avoid in the common case.

# Observability

Side effects are observable only at state transitions: every transition
publishes a MigrationStateChanged event, and terminal states publish
MigrationCompleted (with measured cutover downtime) or MigrationAborted
(with reason). The coordinator persists plan snapshots from the transition
hook.

Each plan runs on its own goroutine. Plans are independently lockable units;
the only cross-plan constraint is at most one active plan per source server,
enforced at dispatch.
*/
package orchestrator
