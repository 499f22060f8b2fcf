/*
Package coordinator ties the monitoring and migration engine together: the
fleet registry, the reliability estimator, the migration planner, the plan
orchestrator and the failure watchdog.

# Concurrency model

Mutation of shared state flows through messages, not shared locks:

  - Telemetry enters through SubmitSample, which queues the sample on a
    per-server mailbox. One goroutine per server drains its mailbox, so
    samples for a server are scored strictly in arrival order while
    different servers proceed in parallel.
  - Advisories travel from the estimator to a single advisory loop, which
    plans and dispatches migrations one at a time.
  - Dispatched plans are owned by the orchestrator; the coordinator sees
    them again only as snapshots through the transition and finished hooks,
    which it uses to persist plan history and settle capacity accounting.

The orchestrator rejects a second plan for a source that already has one,
so the combination of serialized advisory handling and the source-busy
check keeps the one-active-migration-per-server invariant without any
cross-component locking.

# Liveness and escalation

OnLivenessChange updates the registry (a dead server is marked failed, a
recovered one healthy again) and forwards the transition to the watchdog,
which decides between aborting an in-flight migration and recording a
preempted failure. When an aborted plan leaves a service stranded on a dead
or diverging source, the orchestrator escalates back here and the service
is relocated cold: routing is repointed to the best available target and
the configured re-provision outage is taken on the chin.
*/
package coordinator
