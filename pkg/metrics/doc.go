/*
Package metrics exposes Prometheus metrics for the migration engine.

The headline metric is preempt_failures_preempted_total: server failures
that happened after their service had already been migrated away, each one a
cold-migration outage that never reached users. Together with
preempt_downtime_saved_seconds_total it quantifies the value of proactive
migration over the reactive baseline.

Metrics are registered in init and served via Handler():

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
