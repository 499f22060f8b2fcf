/*
Package routing provides the in-memory routing table used for cutover.

The table holds the single source of truth for which server is authoritative
for each service. The orchestrator mutates a service's entry only inside the
cutover critical section, via Repoint, which is compare-and-swap shaped: it
moves authority from an expected source to the target atomically or fails
with the table untouched. Traffic routers read through Lookup and always see
a complete mapping.
*/
package routing
