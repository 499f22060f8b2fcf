/*
Package transfer provides the in-process implementation of the data-transfer
collaborator consumed by the orchestrator.

Service state is an ordered mutation log. A bulk copy snapshots the log at
its start sequence and completes after a configurable number of polls; delta
sync then replays the mutations written since the snapshot, a bounded batch
per call, reporting the remaining lag. PauseWrites/ResumeWrites bracket the
cutover critical section.

The production transfer mechanism lives outside this repository; this
implementation exists so migrations can be exercised end to end with exact
control over copy latency and delta backlog, and so tests can verify the
no-loss/no-duplication property by comparing ReplicaState against
SourceState at the cutover instant.
*/
package transfer
