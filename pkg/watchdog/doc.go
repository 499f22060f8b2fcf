/*
Package watchdog monitors server liveness independently of the telemetry
pipeline and interrupts the migration orchestrator when a source dies.

The decision table on a source death:

  - plan in replicating or syncing: abort with source-failed, escalate to
    cold migration (the 45-second reactive path)
  - plan in cutting-over, repoint not yet applied: same abort
  - plan in cutting-over with repoint applied, or already completed: the
    failure is preempted; record a FailurePreempted event and the saved
    downtime, take no action

Keeping liveness as a pure external input to the orchestrator (rather than
having the orchestrator poll it) breaks the cyclic dependency between
liveness and migration state and lets the abort path be tested in
isolation.
*/
package watchdog
