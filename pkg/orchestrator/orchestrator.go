package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/preempt-io/preempt/pkg/config"
	"github.com/preempt-io/preempt/pkg/events"
	"github.com/preempt-io/preempt/pkg/log"
	"github.com/preempt-io/preempt/pkg/metrics"
	"github.com/preempt-io/preempt/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrPlanExists indicates a plan with the same ID is already executing.
	ErrPlanExists = errors.New("plan already executing")

	// ErrSourceBusy indicates the source server already has an active plan.
	// Enforces the at-most-one-active-plan-per-source invariant.
	ErrSourceBusy = errors.New("source server already has an active migration")
)

// Transfer is the external data-transfer collaborator.
type Transfer interface {
	StartBulkCopy(ctx context.Context, serviceID, sourceID, targetID string) (string, error)
	PollTransfer(handle string) (types.TransferStatus, error)
	ApplyDelta(serviceID, sourceID, targetID string) (types.DeltaResult, error)
	PauseWrites(serviceID string) error
	ResumeWrites(serviceID string) error
	DropReplica(serviceID string)
}

// Router is the external routing collaborator. Repoint must be atomic from
// the caller's perspective.
type Router interface {
	Repoint(serviceID, from, to string) error
}

// Escalator is the cold-migration escalation hook, invoked when a plan
// aborts with the source confirmed dead. It is the reactive fallback path
// proactive migration exists to avoid.
type Escalator interface {
	EscalateColdMigration(serviceID, sourceID string, reason types.AbortReason)
}

// Orchestrator executes migration plans through the replicate → sync →
// cutover state machine. Each plan runs on its own goroutine; plans for
// different servers never block each other.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	transfer  Transfer
	router    Router
	escalator Escalator
	broker    *events.Broker
	logger    zerolog.Logger

	mu    sync.Mutex
	execs map[string]*execution // plan ID -> running execution

	onTransition func(*types.MigrationPlan)
	onFinished   func(*types.MigrationPlan)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// execution is the runtime state of one migration plan. The abort channel
// is observable at every wait point; the cutover gate makes the routing
// repoint an all-or-nothing commit against both the budget timer and the
// abort signal. The mutex also guards the mutable plan fields, so snapshots
// taken by the watchdog while the run goroutine is transitioning are
// consistent.
type execution struct {
	abortCh chan struct{}

	mu               sync.Mutex
	plan             *types.MigrationPlan
	aborted          bool
	abortReason      types.AbortReason
	sourceDead       bool
	cutoverExpired   bool
	cutoverCommitted bool
}

// snapshot copies the plan under the execution lock.
func (e *execution) snapshot() *types.MigrationPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	plan := *e.plan
	return &plan
}

// New creates an Orchestrator.
func New(cfg config.OrchestratorConfig, transfer Transfer, router Router, escalator Escalator, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		transfer:  transfer,
		router:    router,
		escalator: escalator,
		broker:    broker,
		logger:    log.WithComponent("orchestrator"),
		execs:     make(map[string]*execution),
		stopCh:    make(chan struct{}),
	}
}

// OnTransition registers a hook invoked with a plan snapshot after every
// state transition. Used by the coordinator to persist plan progress.
func (o *Orchestrator) OnTransition(fn func(*types.MigrationPlan)) {
	o.onTransition = fn
}

// OnFinished registers a hook invoked once per plan when it reaches a
// terminal state.
func (o *Orchestrator) OnFinished(fn func(*types.MigrationPlan)) {
	o.onFinished = fn
}

// Execute dispatches a plan. Returns ErrSourceBusy if the source already
// has an active plan; migrations of the same service never overlap.
func (o *Orchestrator) Execute(plan *types.MigrationPlan) error {
	o.mu.Lock()
	if _, ok := o.execs[plan.ID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlanExists, plan.ID)
	}
	for _, e := range o.execs {
		if e.plan.SourceServerID == plan.SourceServerID {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrSourceBusy, plan.SourceServerID)
		}
	}
	exec := &execution{
		plan:    plan,
		abortCh: make(chan struct{}),
	}
	o.execs[plan.ID] = exec
	o.mu.Unlock()

	metrics.MigrationsStarted.Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(exec)
	}()
	return nil
}

// Abort signals a plan to abort with the given reason. sourceDead marks the
// source as confirmed dead, which triggers cold-migration escalation once
// the abort completes. Returns false if the plan is unknown or already past
// the point of no return (cutover committed). The committed check and the
// abort flag share the execution lock with the cutover commit gate, so a
// true return guarantees the plan will not complete.
func (o *Orchestrator) Abort(planID string, reason types.AbortReason, sourceDead bool) bool {
	o.mu.Lock()
	exec, ok := o.execs[planID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	exec.mu.Lock()
	if exec.cutoverCommitted {
		exec.mu.Unlock()
		return false
	}
	signalled := !exec.aborted
	if signalled {
		exec.aborted = true
		exec.abortReason = reason
		exec.sourceDead = sourceDead
	}
	exec.mu.Unlock()

	if signalled {
		close(exec.abortCh)
	}
	return true
}

// ActivePlanBySource returns a snapshot of the active plan whose source is
// the given server, if any.
func (o *Orchestrator) ActivePlanBySource(serverID string) (*types.MigrationPlan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.execs {
		if e.plan.SourceServerID == serverID {
			return e.snapshot(), true
		}
	}
	return nil, false
}

// CutoverCommitted reports whether the plan's routing repoint has been
// applied. Once true the migration is irreversible and a later source
// failure is a preempted failure, not an abort.
func (o *Orchestrator) CutoverCommitted(planID string) bool {
	o.mu.Lock()
	exec, ok := o.execs[planID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.cutoverCommitted
}

// Stop aborts all running plans and waits for their goroutines to exit.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()
}

func (e *execution) signalAbort(reason types.AbortReason, sourceDead bool) {
	e.mu.Lock()
	if e.aborted {
		e.mu.Unlock()
		return
	}
	e.aborted = true
	e.abortReason = reason
	e.sourceDead = sourceDead
	e.mu.Unlock()
	close(e.abortCh)
}

// run drives one plan through the state machine.
func (o *Orchestrator) run(exec *execution) {
	plan := exec.plan
	logger := o.logger.With().Str("plan_id", plan.ID).Str("service_id", plan.ServiceID).Logger()

	o.transition(exec, types.MigrationStateReplicating)
	if done := o.replicate(exec, logger); done {
		return
	}

	o.transition(exec, types.MigrationStateSyncing)
	if done := o.sync(exec, logger); done {
		return
	}

	o.transition(exec, types.MigrationStateCuttingOver)
	o.cutover(exec, logger)
}

// replicate runs the bulk copy and waits for it to finish. Returns true if
// the plan terminated.
func (o *Orchestrator) replicate(exec *execution, logger zerolog.Logger) bool {
	plan := exec.plan

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := o.transfer.StartBulkCopy(ctx, plan.ServiceID, plan.SourceServerID, plan.TargetServerID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start bulk copy")
		o.finishAborted(exec, types.AbortReasonTransferFailed)
		return true
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-exec.abortCh:
			o.finishAbortedFromSignal(exec)
			return true
		case <-o.stopCh:
			exec.signalAbort(types.AbortReasonCancelled, false)
			o.finishAbortedFromSignal(exec)
			return true
		case <-ticker.C:
			status, err := o.transfer.PollTransfer(handle)
			if err != nil {
				logger.Error().Err(err).Msg("bulk copy poll failed")
				o.finishAborted(exec, types.AbortReasonTransferFailed)
				return true
			}
			switch status {
			case types.TransferDone:
				logger.Debug().Msg("bulk copy complete")
				return false
			case types.TransferFailed:
				o.finishAborted(exec, types.AbortReasonTransferFailed)
				return true
			}
		}
	}
}

// sync runs the incremental delta loop until the backlog is within bound.
// Exceeding max_sync_iterations signals divergence. Returns true if the
// plan terminated.
func (o *Orchestrator) sync(exec *execution, logger zerolog.Logger) bool {
	plan := exec.plan

	for i := 0; i < o.cfg.MaxSyncIterations; i++ {
		select {
		case <-exec.abortCh:
			o.finishAbortedFromSignal(exec)
			return true
		case <-o.stopCh:
			exec.signalAbort(types.AbortReasonCancelled, false)
			o.finishAbortedFromSignal(exec)
			return true
		default:
		}

		res, err := o.transfer.ApplyDelta(plan.ServiceID, plan.SourceServerID, plan.TargetServerID)
		if err != nil {
			logger.Error().Err(err).Msg("delta apply failed")
			o.finishAborted(exec, types.AbortReasonSyncDivergence)
			return true
		}
		exec.mu.Lock()
		plan.SyncIterations = i + 1
		exec.mu.Unlock()

		logger.Debug().
			Int("iteration", i+1).
			Int("applied", res.AppliedCount).
			Int("lag", res.Lag).
			Msg("delta sync iteration")

		if res.Lag <= o.cfg.SyncLagBound {
			return false
		}
	}

	logger.Warn().Int("iterations", o.cfg.MaxSyncIterations).Msg("delta backlog never converged")
	o.finishAborted(exec, types.AbortReasonSyncDivergence)
	return true
}

// cutover runs the critical section: pause source writes, apply the final
// delta, atomically repoint routing, resume traffic. The section does not
// wait on the abort channel; abort and budget expiry are both checked once
// at the commit gate, so routing is either repointed in full or left
// untouched and still naming the source.
func (o *Orchestrator) cutover(exec *execution, logger zerolog.Logger) {
	plan := exec.plan
	timer := time.NewTimer(o.cfg.CutoverBudget)
	defer timer.Stop()

	doneCh := make(chan error, 1)
	var downtime time.Duration

	go func() {
		start := time.Now()

		if err := o.transfer.PauseWrites(plan.ServiceID); err != nil {
			doneCh <- fmt.Errorf("failed to pause writes: %w", err)
			return
		}

		// Final delta drain: writes are paused so one pass per remaining
		// batch converges; the iteration bound still applies.
		lag := -1
		for i := 0; i < o.cfg.MaxSyncIterations; i++ {
			res, err := o.transfer.ApplyDelta(plan.ServiceID, plan.SourceServerID, plan.TargetServerID)
			if err != nil {
				doneCh <- fmt.Errorf("final delta failed: %w", err)
				return
			}
			lag = res.Lag
			if lag == 0 {
				break
			}
		}
		if lag != 0 {
			// Repointing with unreplayed mutations would lose data.
			doneCh <- fmt.Errorf("final delta left lag %d", lag)
			return
		}

		// Commit point. The gate below is what makes the budget and the
		// abort signal hard boundaries: either the timeout or an abort
		// marks the section off before we get here, or we commit and both
		// become no-ops.
		exec.mu.Lock()
		if exec.cutoverExpired {
			exec.mu.Unlock()
			doneCh <- errBudgetExpired
			return
		}
		if exec.aborted {
			exec.mu.Unlock()
			doneCh <- errAbortSignalled
			return
		}
		if err := o.router.Repoint(plan.ServiceID, plan.SourceServerID, plan.TargetServerID); err != nil {
			exec.mu.Unlock()
			doneCh <- fmt.Errorf("repoint failed: %w", err)
			return
		}
		exec.cutoverCommitted = true
		exec.mu.Unlock()

		if err := o.transfer.ResumeWrites(plan.ServiceID); err != nil {
			logger.Error().Err(err).Msg("failed to resume writes on target")
		}

		downtime = time.Since(start)
		doneCh <- nil
	}()

	select {
	case err := <-doneCh:
		if err != nil {
			o.abortCutover(exec, logger, err)
			return
		}
		o.finishCompleted(exec, downtime)

	case <-timer.C:
		exec.mu.Lock()
		committed := exec.cutoverCommitted
		if !committed {
			exec.cutoverExpired = true
		}
		exec.mu.Unlock()

		if committed {
			// Repoint already applied; let the section finish.
			if err := <-doneCh; err != nil {
				o.abortCutover(exec, logger, err)
				return
			}
			o.finishCompleted(exec, downtime)
			return
		}

		// Wait for the section goroutine to observe the expired gate so
		// writes are not left paused.
		<-doneCh
		if err := o.transfer.ResumeWrites(plan.ServiceID); err != nil {
			logger.Error().Err(err).Msg("failed to resume writes on source after timeout")
		}
		o.finishAborted(exec, types.AbortReasonCutoverTimeout)
	}
}

var (
	errBudgetExpired  = errors.New("cutover budget expired")
	errAbortSignalled = errors.New("abort signalled before commit")
)

func (o *Orchestrator) abortCutover(exec *execution, logger zerolog.Logger, err error) {
	if errors.Is(err, errBudgetExpired) {
		o.finishAborted(exec, types.AbortReasonCutoverTimeout)
		return
	}
	if errors.Is(err, errAbortSignalled) {
		if rerr := o.transfer.ResumeWrites(exec.plan.ServiceID); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to resume writes on source after abort")
		}
		o.finishAbortedFromSignal(exec)
		return
	}
	logger.Error().Err(err).Msg("cutover failed")
	if rerr := o.transfer.ResumeWrites(exec.plan.ServiceID); rerr != nil {
		logger.Error().Err(rerr).Msg("failed to resume writes on source after cutover failure")
	}
	o.finishAborted(exec, types.AbortReasonCutoverFailed)
}

// transition moves the plan to a new state and emits the state-change
// event. Side effects are observable only here and in the finish methods.
func (o *Orchestrator) transition(exec *execution, to types.MigrationState) {
	plan := exec.plan
	exec.mu.Lock()
	from := plan.State
	plan.State = to
	plan.StateEnteredAt = time.Now()
	exec.mu.Unlock()

	o.logger.Info().
		Str("plan_id", plan.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("migration state changed")

	o.broker.Publish(&events.Event{
		Type:     events.EventMigrationStateChanged,
		PlanID:   plan.ID,
		ServerID: plan.SourceServerID,
		Message:  fmt.Sprintf("migration %s: %s -> %s", plan.ID, from, to),
		Metadata: map[string]string{"from": string(from), "to": string(to)},
	})

	if o.onTransition != nil {
		o.onTransition(exec.snapshot())
	}
}

func (o *Orchestrator) finishCompleted(exec *execution, downtime time.Duration) {
	plan := exec.plan
	o.transition(exec, types.MigrationStateCompleted)
	exec.mu.Lock()
	plan.CompletedAt = time.Now()
	plan.DowntimeMS = downtime.Milliseconds()
	exec.mu.Unlock()

	metrics.MigrationsCompleted.Inc()
	metrics.CutoverDuration.Observe(downtime.Seconds())

	o.logger.Info().
		Str("plan_id", plan.ID).
		Int64("downtime_ms", plan.DowntimeMS).
		Msg("migration completed")

	o.broker.Publish(&events.Event{
		Type:     events.EventMigrationCompleted,
		PlanID:   plan.ID,
		ServerID: plan.SourceServerID,
		Message:  fmt.Sprintf("migration %s completed, downtime %dms", plan.ID, plan.DowntimeMS),
		Metadata: map[string]string{"downtime_ms": fmt.Sprintf("%d", plan.DowntimeMS)},
	})

	o.remove(exec)
}

func (o *Orchestrator) finishAbortedFromSignal(exec *execution) {
	exec.mu.Lock()
	reason := exec.abortReason
	exec.mu.Unlock()
	o.finishAborted(exec, reason)
}

// finishAborted terminates the plan in Aborted, releases target resources,
// and escalates to cold migration when the source is confirmed dead.
// Routing has not been repointed on any abort path, so it still names the
// source unambiguously.
func (o *Orchestrator) finishAborted(exec *execution, reason types.AbortReason) {
	plan := exec.plan
	exec.mu.Lock()
	plan.Reason = string(reason)
	exec.mu.Unlock()
	o.transition(exec, types.MigrationStateAborted)

	exec.mu.Lock()
	plan.CompletedAt = time.Now()
	sourceDead := exec.sourceDead
	exec.mu.Unlock()

	o.transfer.DropReplica(plan.ServiceID)
	metrics.MigrationsAborted.WithLabelValues(string(reason)).Inc()

	o.logger.Warn().
		Str("plan_id", plan.ID).
		Str("reason", string(reason)).
		Bool("source_dead", sourceDead).
		Msg("migration aborted")

	o.broker.Publish(&events.Event{
		Type:     events.EventMigrationAborted,
		PlanID:   plan.ID,
		ServerID: plan.SourceServerID,
		Message:  fmt.Sprintf("migration %s aborted: %s", plan.ID, reason),
		Metadata: map[string]string{"reason": string(reason)},
	})

	if sourceDead || reason == types.AbortReasonSyncDivergence {
		metrics.ColdMigrationsEscalated.Inc()
		o.escalator.EscalateColdMigration(plan.ServiceID, plan.SourceServerID, reason)
	}

	o.remove(exec)
}

func (o *Orchestrator) remove(exec *execution) {
	o.mu.Lock()
	delete(o.execs, exec.plan.ID)
	o.mu.Unlock()

	if o.onFinished != nil {
		o.onFinished(exec.snapshot())
	}
}
