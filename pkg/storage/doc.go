/*
Package storage persists engine state in an embedded BoltDB database.

Three buckets: servers (the monitored fleet), services (workloads pinned to
servers), and plans (every migration plan ever dispatched, including its
terminal state and measured cutover downtime). Records are stored as JSON
keyed by ID; updates are upserts.

Plan history is what survives restarts: the coordinator saves a snapshot on
every state transition, so an operator can always reconstruct what happened
to a migration even if the process died mid-flight.
*/
package storage
