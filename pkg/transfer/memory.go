package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/preempt-io/preempt/pkg/types"
)

var (
	// ErrUnknownService indicates no state has been written for the service.
	ErrUnknownService = errors.New("unknown service")

	// ErrUnknownTransfer indicates an unrecognized transfer handle.
	ErrUnknownTransfer = errors.New("unknown transfer handle")

	// ErrWritesPaused is returned to writers during the cutover critical
	// section.
	ErrWritesPaused = errors.New("writes paused for cutover")
)

// Mutation is one entry in a service's ordered state-change log.
type Mutation struct {
	Seq   int
	Key   string
	Value string
}

// Memory is an in-process implementation of the data-transfer collaborator.
// Service state is modeled as an ordered mutation log on the source; a bulk
// copy snapshots the log up to its start sequence, and delta sync replays
// the remainder in bounded batches. Tests and the simulator use it to drive
// migrations with exact control over copy latency and delta backlog.
type Memory struct {
	mu        sync.Mutex
	logs      map[string][]Mutation
	paused    map[string]bool
	replicas  map[string]*replica
	transfers map[string]*bulkTransfer

	// CopyPolls is the number of PollTransfer calls before a bulk copy
	// reports done. DeltaBatch caps mutations replayed per ApplyDelta call.
	CopyPolls  int
	DeltaBatch int
}

type replica struct {
	serviceID  string
	targetID   string
	appliedSeq int
}

type bulkTransfer struct {
	serviceID   string
	targetID    string
	snapshotSeq int
	pollsLeft   int
	failed      bool
}

// NewMemory creates a Memory transfer collaborator.
func NewMemory() *Memory {
	return &Memory{
		logs:       make(map[string][]Mutation),
		paused:     make(map[string]bool),
		replicas:   make(map[string]*replica),
		transfers:  make(map[string]*bulkTransfer),
		CopyPolls:  2,
		DeltaBatch: 100,
	}
}

// Write appends a state change to the service's log. Fails while writes are
// paused for cutover.
func (m *Memory) Write(serviceID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused[serviceID] {
		return ErrWritesPaused
	}
	log := m.logs[serviceID]
	m.logs[serviceID] = append(log, Mutation{Seq: len(log) + 1, Key: key, Value: value})
	return nil
}

// StartBulkCopy begins an asynchronous copy of the service's state from
// source to target, snapshotting the log at its current sequence.
func (m *Memory) StartBulkCopy(ctx context.Context, serviceID, sourceID, targetID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	handle := uuid.New().String()
	m.transfers[handle] = &bulkTransfer{
		serviceID:   serviceID,
		targetID:    targetID,
		snapshotSeq: len(m.logs[serviceID]),
		pollsLeft:   m.CopyPolls,
	}
	return handle, nil
}

// PollTransfer reports bulk copy progress. When the copy completes, the
// target replica is initialized at the snapshot sequence.
func (m *Memory) PollTransfer(handle string) (types.TransferStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[handle]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTransfer, handle)
	}
	if t.failed {
		return types.TransferFailed, nil
	}
	if t.pollsLeft > 0 {
		t.pollsLeft--
		return types.TransferPending, nil
	}

	m.replicas[t.serviceID] = &replica{
		serviceID:  t.serviceID,
		targetID:   t.targetID,
		appliedSeq: t.snapshotSeq,
	}
	return types.TransferDone, nil
}

// ActiveTransfers returns the handles of all started bulk copies. Test hook.
func (m *Memory) ActiveTransfers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]string, 0, len(m.transfers))
	for handle := range m.transfers {
		handles = append(handles, handle)
	}
	return handles
}

// FailTransfer marks an in-flight bulk copy as failed. Test hook.
func (m *Memory) FailTransfer(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transfers[handle]; ok {
		t.failed = true
	}
}

// ApplyDelta replays buffered source mutations onto the target replica, at
// most DeltaBatch per call, and reports the remaining lag.
func (m *Memory) ApplyDelta(serviceID, sourceID, targetID string) (types.DeltaResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.replicas[serviceID]
	if !ok || r.targetID != targetID {
		return types.DeltaResult{}, fmt.Errorf("%w: no replica for %s on %s", ErrUnknownService, serviceID, targetID)
	}

	log := m.logs[serviceID]
	lag := len(log) - r.appliedSeq
	applied := lag
	if applied > m.DeltaBatch {
		applied = m.DeltaBatch
	}
	r.appliedSeq += applied

	return types.DeltaResult{
		AppliedCount: applied,
		Lag:          len(log) - r.appliedSeq,
	}, nil
}

// PauseWrites blocks new source writes for the cutover critical section.
func (m *Memory) PauseWrites(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[serviceID] = true
	return nil
}

// ResumeWrites re-enables writes after cutover or abort.
func (m *Memory) ResumeWrites(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[serviceID] = false
	return nil
}

// SourceState materializes the full source-side state of a service.
func (m *Memory) SourceState(serviceID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return materialize(m.logs[serviceID], len(m.logs[serviceID]))
}

// ReplicaState materializes the target-side state of a service as of the
// last applied sequence. Comparing it against SourceState after cutover is
// the deterministic replay check for migration fidelity.
func (m *Memory) ReplicaState(serviceID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replicas[serviceID]
	if !ok {
		return nil
	}
	return materialize(m.logs[serviceID], r.appliedSeq)
}

// ReplicaLag returns the number of source mutations not yet applied to the
// target replica.
func (m *Memory) ReplicaLag(serviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replicas[serviceID]
	if !ok {
		return len(m.logs[serviceID])
	}
	return len(m.logs[serviceID]) - r.appliedSeq
}

// DropReplica releases target-side state for a service. Called on abort to
// release resources reserved for the plan.
func (m *Memory) DropReplica(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replicas, serviceID)
}

func materialize(log []Mutation, upTo int) map[string]string {
	state := make(map[string]string)
	for _, mut := range log[:upTo] {
		state[mut.Key] = mut.Value
	}
	return state
}
