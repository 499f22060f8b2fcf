/*
Package planner turns migration advisories into executable migration plans.

Given an advisory for a degrading source server, the planner picks the best
migration target among the healthy servers with enough spare capacity for
the service. Ranking is by highest current reliability score, then lowest
load fraction, then server ID; the final tie-break makes target selection
fully deterministic, which the reproducibility of tests depends on.

The planner is stateless: it reads the fleet view, constructs a plan, and
hands it off. Ownership of the plan passes to the orchestrator at dispatch.
When nothing qualifies it returns ErrNoEligibleTarget and the coordinator
decides whether to retry later or escalate.
*/
package planner
