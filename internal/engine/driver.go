package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/crewmesh/crewmesh/internal/agents"
	"github.com/crewmesh/crewmesh/internal/conditions"
	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/runctx"
	"github.com/crewmesh/crewmesh/internal/store"
	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Driver messages. Everything that touches execution state from the
// outside goes through the msgs channel; the driver goroutine is the
// single writer and replies with immutable snapshots.

type queryMsg struct {
	reply chan *ExecutionSnapshot
}

type cancelMsg struct {
	reply chan *ExecutionSnapshot
}

type subscribeMsg struct {
	reply chan subscribeReply
}

type subscribeReply struct {
	snap *ExecutionSnapshot
	sub  *events.Subscription
}

// stepResult is what an invocation goroutine sends back to the driver.
type stepResult struct {
	stepID  string
	attempt int
	res     *agents.Result
	err     error
}

// stepState is the driver-owned runtime state of one step.
type stepState struct {
	spec        *schema.StepSpec
	status      schema.StepStatus
	attempt     int
	input       any
	output      any
	err         *schema.CrewError
	startedAt   *time.Time
	completedAt *time.Time
	metrics     schema.StepMetrics
}

// execution drives one workflow run. All state mutation happens on the
// run goroutine; external callers communicate via msgs and get snapshot
// copies back.
type execution struct {
	id              string
	workflowID      string
	workflowVersion int
	def             *schema.WorkflowDefinition
	cfg             schema.RunConfig

	eng *Engine
	log *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	// persistence context, independent of runCtx so final writes survive
	// cancellation
	pctx context.Context

	msgs       chan any
	results    chan stepResult
	retryReady chan string
	done       chan struct{}

	rt  *runctx.Store
	pub *events.Publisher
	agg *Aggregator

	order []*stepState
	steps map[string]*stepState

	cancelRequested bool
	firstErr        *schema.CrewError

	status      schema.ExecutionStatus
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

func newExecution(eng *Engine, id, workflowID string, workflowVersion int, def *schema.WorkflowDefinition, input map[string]any, cfg schema.RunConfig) *execution {
	runCtx, cancel := context.WithCancel(context.Background())

	ex := &execution{
		id:              id,
		workflowID:      workflowID,
		workflowVersion: workflowVersion,
		def:             def,
		cfg:             cfg.Normalized(),
		eng:             eng,
		log:             eng.log.With("execution_id", id),
		runCtx:          runCtx,
		cancelRun:       cancel,
		pctx:            context.Background(),
		msgs:            make(chan any),
		results:         make(chan stepResult, len(def.Steps)+8),
		retryReady:      make(chan string, len(def.Steps)+8),
		done:            make(chan struct{}),
		rt:              runctx.New(input, eng.router.JQ()),
		pub:             events.NewPublisher(eng.hub, id),
		agg:             NewAggregator(),
		steps:           make(map[string]*stepState, len(def.Steps)),
		status:          schema.ExecutionStatusPending,
		createdAt:       time.Now().UTC(),
	}

	for i := range def.Steps {
		spec := &def.Steps[i]
		st := &stepState{spec: spec, status: schema.StepStatusPending}
		ex.steps[spec.ID] = st
		ex.order = append(ex.order, st)
	}
	// Sequential, pipeline and conditional respect execution_order.
	// Parallel keeps definition order; it only affects dispatch order,
	// not completion.
	if def.Strategy != schema.StrategyParallel {
		sort.SliceStable(ex.order, func(i, j int) bool {
			return ex.order[i].spec.ExecutionOrder < ex.order[j].spec.ExecutionOrder
		})
	}

	return ex
}

// run is the driver goroutine body.
func (ex *execution) run() {
	defer ex.cancelRun()

	ex.start()

	if ex.def.Strategy == schema.StrategyParallel {
		ex.runParallel()
	} else {
		ex.runOrdered()
	}

	ex.finalize()
	close(ex.done)
}

func (ex *execution) start() {
	now := time.Now().UTC()
	ex.startedAt = &now
	from := ex.status
	ex.status = schema.ExecutionStatusRunning

	running := schema.ExecutionStatusRunning
	ex.persistExecution(store.ExecutionUpdate{Status: &running, StartedAt: &now})
	ex.audit(schema.EventExecutionStarted, "", map[string]any{"strategy": string(ex.def.Strategy)})
	ex.pub.ExecutionStatus(from, schema.ExecutionStatusRunning)
	ex.logStore("", schema.LogInfo, "execution started", map[string]any{"strategy": string(ex.def.Strategy)})
	ex.log.Info("execution started", "strategy", ex.def.Strategy, "steps", len(ex.order))
}

// --- Ordered strategies: sequential, pipeline, conditional ---

func (ex *execution) runOrdered() {
	abortOnFailure := *ex.cfg.AbortOnFailure || ex.def.Strategy == schema.StrategyPipeline
	aborted := false
	var prevCompleted *stepState

	for _, st := range ex.order {
		if ex.cancelRequested {
			break
		}
		if aborted && !st.spec.AlwaysRun {
			ex.skipStep(st, "aborted by earlier failure")
			continue
		}
		if !st.spec.AlwaysRun && !ex.shouldRun(st) {
			ex.skipStep(st, "conditions not met")
			continue
		}

		// Pipeline steps without an explicit binding consume the
		// previous step's output.
		var implicit *schema.InputBinding
		if ex.def.Strategy == schema.StrategyPipeline && st.spec.Input == nil && prevCompleted != nil {
			implicit = &schema.InputBinding{Source: schema.BindResultOf, StepID: prevCompleted.spec.ID}
		}

		if ex.runStep(st, implicit) {
			prevCompleted = st
		} else {
			if ex.firstErr == nil {
				ex.firstErr = st.err
			}
			if abortOnFailure {
				aborted = true
			}
		}
	}
}

// runStep drives one step through its attempts. Returns true on success.
func (ex *execution) runStep(st *stepState, implicit *schema.InputBinding) bool {
	binding := st.spec.Input
	if binding == nil {
		binding = implicit
	}
	limit := maxRetries(st.spec, ex.cfg)

	ex.markRunning(st)

	for {
		input, err := ex.rt.Resolve(ex.runCtx, binding)
		if err != nil {
			ex.failStep(st, stepError(st.spec.ID, err))
			return false
		}
		st.input = input

		if err := ex.eng.breakers.AllowRequest(st.spec.AgentRef); err != nil {
			ex.audit(schema.EventBreakerOpen, st.spec.ID, map[string]any{"agent_ref": st.spec.AgentRef})
			ex.failStep(st, stepError(st.spec.ID, err))
			return false
		}

		ex.dispatch(st, input)
		r := ex.awaitStep(st.spec.ID, st.attempt)

		if r.err == nil {
			ex.completeStep(st, r.res)
			return true
		}

		crewErr := stepError(st.spec.ID, r.err)
		ex.eng.breakers.RecordFailure(st.spec.AgentRef)
		if crewErr.Code == schema.ErrCodeTimeout {
			ex.audit(schema.EventStepTimedOut, st.spec.ID, map[string]any{"attempt": st.attempt})
		}

		if st.attempt < limit && IsRetryableError(r.err) && !ex.cancelRequested {
			st.attempt++
			ex.agg.CountRetry()
			ex.audit(schema.EventStepRetryAttempt, st.spec.ID, map[string]any{
				"attempt": st.attempt,
				"error":   crewErr.Message,
			})
			ex.pub.StepStatus(st.spec.ID, schema.StepStatusRunning, schema.StepStatusRunning, st.attempt)
			ex.logStore(st.spec.ID, schema.LogWarning, "step retrying", map[string]any{"attempt": st.attempt, "error": crewErr.Message})
			ex.log.Warn("step retrying", "step_id", st.spec.ID, "attempt", st.attempt, "error", crewErr.Message)
			ex.persistStep(st)

			if !ex.sleep(ComputeBackoff(st.spec.Retry, st.attempt-1)) {
				ex.failStep(st, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(st.spec.ID))
				return false
			}
			continue
		}

		if st.attempt >= limit && limit > 0 && IsRetryableError(r.err) {
			crewErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"retries exhausted after %d attempts: %s", st.attempt+1, crewErr.Message).
				WithStep(st.spec.ID).WithCause(crewErr)
		}
		ex.failStep(st, crewErr)
		return false
	}
}

// --- Parallel strategy ---

func (ex *execution) runParallel() {
	limit := ex.cfg.ParallelLimit
	abortOnFailure := *ex.cfg.AbortOnFailure
	aborted := false

	inflight := make(map[string]int) // step id -> attempt
	var retryQueue []string
	waitingRetry := 0
	next := 0

	dispatchReady := func() {
		// Retries first so a struggling step is not starved by fresh work.
		for len(inflight) < limit && len(retryQueue) > 0 {
			stepID := retryQueue[0]
			retryQueue = retryQueue[1:]
			st := ex.steps[stepID]
			if ex.cancelRequested || aborted {
				ex.failStep(st, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(stepID))
				continue
			}
			if !ex.dispatchParallel(st, &aborted, abortOnFailure) {
				continue
			}
			inflight[stepID] = st.attempt
		}
		for len(inflight) < limit && next < len(ex.order) && !aborted && !ex.cancelRequested {
			st := ex.order[next]
			next++
			if !st.spec.AlwaysRun && !ex.shouldRun(st) {
				ex.skipStep(st, "conditions not met")
				continue
			}
			ex.markRunning(st)
			if !ex.dispatchParallel(st, &aborted, abortOnFailure) {
				continue
			}
			inflight[st.spec.ID] = st.attempt
		}
	}

	dispatchReady()

	for len(inflight) > 0 || waitingRetry > 0 || len(retryQueue) > 0 ||
		(next < len(ex.order) && !aborted && !ex.cancelRequested) {

		select {
		case r := <-ex.results:
			att, ok := inflight[r.stepID]
			if !ok || att != r.attempt {
				continue // stale attempt
			}
			delete(inflight, r.stepID)
			st := ex.steps[r.stepID]

			if r.err == nil {
				ex.completeStep(st, r.res)
			} else {
				crewErr := stepError(st.spec.ID, r.err)
				ex.eng.breakers.RecordFailure(st.spec.AgentRef)
				if crewErr.Code == schema.ErrCodeTimeout {
					ex.audit(schema.EventStepTimedOut, st.spec.ID, map[string]any{"attempt": st.attempt})
				}

				retryLimit := maxRetries(st.spec, ex.cfg)
				if st.attempt < retryLimit && IsRetryableError(r.err) && !ex.cancelRequested && !aborted {
					st.attempt++
					ex.agg.CountRetry()
					ex.audit(schema.EventStepRetryAttempt, st.spec.ID, map[string]any{
						"attempt": st.attempt,
						"error":   crewErr.Message,
					})
					ex.pub.StepStatus(st.spec.ID, schema.StepStatusRunning, schema.StepStatusRunning, st.attempt)
					ex.persistStep(st)

					waitingRetry++
					stepID := st.spec.ID
					delay := ComputeBackoff(st.spec.Retry, st.attempt-1)
					time.AfterFunc(delay, func() {
						select {
						case ex.retryReady <- stepID:
						case <-ex.done:
						}
					})
				} else {
					if st.attempt >= retryLimit && retryLimit > 0 && IsRetryableError(r.err) {
						crewErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
							"retries exhausted after %d attempts: %s", st.attempt+1, crewErr.Message).
							WithStep(st.spec.ID).WithCause(crewErr)
					}
					ex.failStep(st, crewErr)
					if ex.firstErr == nil {
						ex.firstErr = st.err
					}
					if abortOnFailure {
						aborted = true
					}
				}
			}
			dispatchReady()

		case stepID := <-ex.retryReady:
			waitingRetry--
			retryQueue = append(retryQueue, stepID)
			dispatchReady()

		case m := <-ex.msgs:
			ex.handleMsg(m)
		}
	}

	// Steps never dispatched are skipped.
	for ; next < len(ex.order); next++ {
		if ex.order[next].status == schema.StepStatusPending {
			ex.skipStep(ex.order[next], "execution ended before dispatch")
		}
	}
}

// dispatchParallel resolves input and launches one attempt. Returns
// false if the step failed before dispatch (binding or breaker).
func (ex *execution) dispatchParallel(st *stepState, aborted *bool, abortOnFailure bool) bool {
	input, err := ex.rt.Resolve(ex.runCtx, st.spec.Input)
	if err != nil {
		ex.failStep(st, stepError(st.spec.ID, err))
		if ex.firstErr == nil {
			ex.firstErr = st.err
		}
		if abortOnFailure {
			*aborted = true
		}
		return false
	}
	st.input = input

	if err := ex.eng.breakers.AllowRequest(st.spec.AgentRef); err != nil {
		ex.audit(schema.EventBreakerOpen, st.spec.ID, map[string]any{"agent_ref": st.spec.AgentRef})
		ex.failStep(st, stepError(st.spec.ID, err))
		if ex.firstErr == nil {
			ex.firstErr = st.err
		}
		if abortOnFailure {
			*aborted = true
		}
		return false
	}

	ex.dispatch(st, input)
	return true
}

// --- Step mechanics ---

// dispatch launches one invocation attempt on the worker pool. The
// attempt gets its own timeout context derived from the run context.
func (ex *execution) dispatch(st *stepState, input any) {
	inv := agents.Invocation{
		ExecutionID: ex.id,
		StepID:      st.spec.ID,
		AgentRef:    st.spec.AgentRef,
		Role:        st.spec.Role,
		Input:       input,
		Attempt:     st.attempt,
	}
	timeout := ex.cfg.StepTimeout(st.spec)
	attempt := st.attempt
	stepID := st.spec.ID

	submitErr := ex.eng.pool.Submit(ex.runCtx, func(ctx context.Context) error {
		actx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		res, err := ex.eng.invoker.Invoke(actx, inv)
		if err == nil && res == nil {
			err = schema.NewError(schema.ErrCodeAgent, "invoker returned no result").WithStep(stepID)
		}
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", timeout).WithStep(stepID).WithCause(err)
		}

		ex.results <- stepResult{stepID: stepID, attempt: attempt, res: res, err: err}
		return err
	})
	if submitErr != nil {
		ex.results <- stepResult{stepID: stepID, attempt: attempt, err: submitErr}
	}
}

// awaitStep blocks until the result for one attempt arrives, servicing
// driver messages meanwhile.
func (ex *execution) awaitStep(stepID string, attempt int) stepResult {
	for {
		select {
		case r := <-ex.results:
			if r.stepID == stepID && r.attempt == attempt {
				return r
			}
			// Stale result from an earlier attempt.
		case m := <-ex.msgs:
			ex.handleMsg(m)
		}
	}
}

// sleep waits out a backoff delay while servicing messages. Returns
// false if the execution was cancelled during the wait.
func (ex *execution) sleep(d time.Duration) bool {
	if ex.cancelRequested {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return !ex.cancelRequested
		case m := <-ex.msgs:
			ex.handleMsg(m)
			if ex.cancelRequested {
				return false
			}
		}
	}
}

func (ex *execution) markRunning(st *stepState) {
	if st.status != schema.StepStatusPending {
		return
	}
	if err := checkStepTransition(st.spec.ID, st.status, schema.StepStatusRunning); err != nil {
		ex.log.Error("step transition rejected", "step_id", st.spec.ID, "error", err)
		return
	}
	now := time.Now().UTC()
	st.status = schema.StepStatusRunning
	st.startedAt = &now

	ex.persistStep(st)
	ex.audit(schema.EventStepStarted, st.spec.ID, map[string]any{"agent_ref": st.spec.AgentRef})
	ex.pub.StepStatus(st.spec.ID, schema.StepStatusPending, schema.StepStatusRunning, st.attempt)
	ex.logStore(st.spec.ID, schema.LogInfo, "step started", map[string]any{"agent_ref": st.spec.AgentRef})
	ex.log.Info("step started", "step_id", st.spec.ID, "agent_ref", st.spec.AgentRef)
}

func (ex *execution) completeStep(st *stepState, res *agents.Result) {
	if err := checkStepTransition(st.spec.ID, st.status, schema.StepStatusCompleted); err != nil {
		ex.log.Error("step transition rejected", "step_id", st.spec.ID, "error", err)
		return
	}
	now := time.Now().UTC()
	st.status = schema.StepStatusCompleted
	st.completedAt = &now
	st.output = res.Output
	st.metrics = res.Metrics
	if st.startedAt != nil {
		st.metrics.DurationMs = now.Sub(*st.startedAt).Milliseconds()
	}

	ex.rt.MergeOutput(st.spec.ID, st.output)
	ex.agg.RecordStep(st.spec.AgentRef, st.metrics)
	ex.agg.CountStep(schema.StepStatusCompleted)
	ex.eng.breakers.RecordSuccess(st.spec.AgentRef)

	ex.persistStep(st)
	ex.audit(schema.EventStepCompleted, st.spec.ID, map[string]any{"output": st.output})
	ex.pub.StepStatus(st.spec.ID, schema.StepStatusRunning, schema.StepStatusCompleted, st.attempt)
	ex.pub.Partial(st.spec.ID, st.output)
	ex.publishProgress()
	ex.logStore(st.spec.ID, schema.LogInfo, "step completed", map[string]any{"cost_usd": st.metrics.CostUSD})
	ex.log.Info("step completed", "step_id", st.spec.ID, "duration_ms", st.metrics.DurationMs)
}

func (ex *execution) failStep(st *stepState, crewErr *schema.CrewError) {
	if err := checkStepTransition(st.spec.ID, st.status, schema.StepStatusFailed); err != nil {
		ex.log.Error("step transition rejected", "step_id", st.spec.ID, "error", err)
		return
	}
	now := time.Now().UTC()
	from := st.status
	st.status = schema.StepStatusFailed
	st.completedAt = &now
	st.err = crewErr
	ex.agg.CountStep(schema.StepStatusFailed)

	ex.persistStep(st)
	ex.audit(schema.EventStepFailed, st.spec.ID, map[string]any{"error": crewErr})
	ex.pub.StepStatus(st.spec.ID, from, schema.StepStatusFailed, st.attempt)
	ex.pub.Error(st.spec.ID, crewErr.Code, crewErr.Message)
	ex.publishProgress()
	ex.logStore(st.spec.ID, schema.LogError, "step failed", map[string]any{"code": crewErr.Code, "error": crewErr.Message})
	ex.log.Error("step failed", "step_id", st.spec.ID, "code", crewErr.Code, "error", crewErr.Message)
}

func (ex *execution) skipStep(st *stepState, reason string) {
	if st.status != schema.StepStatusPending {
		return
	}
	st.status = schema.StepStatusSkipped
	ex.agg.CountStep(schema.StepStatusSkipped)

	ex.persistStep(st)
	ex.audit(schema.EventStepSkipped, st.spec.ID, map[string]any{"reason": reason})
	ex.pub.StepStatus(st.spec.ID, schema.StepStatusPending, schema.StepStatusSkipped, st.attempt)
	ex.publishProgress()
	ex.log.Info("step skipped", "step_id", st.spec.ID, "reason", reason)
}

// shouldRun evaluates a step's declarative conditions and when
// expression against the current scope. Both must hold.
func (ex *execution) shouldRun(st *stepState) bool {
	scope := ex.scope()
	if len(st.spec.Conditions) > 0 && !conditions.EvaluateAll(st.spec.Conditions, scope) {
		return false
	}
	return ex.eng.router.EvaluateBool(ex.runCtx, st.spec.When, scope)
}

func (ex *execution) scope() map[string]any {
	scope := ex.rt.Scope()
	scope["execution"] = map[string]any{
		"id":       ex.id,
		"strategy": string(ex.def.Strategy),
	}
	return scope
}

// publishProgress reports completed steps over the total. Failed and
// skipped steps are terminal but not completed, so they never inflate
// the count.
func (ex *execution) publishProgress() {
	completed := 0
	for _, st := range ex.order {
		if st.status == schema.StepStatusCompleted {
			completed++
		}
	}
	ex.pub.Progress(completed, len(ex.order))
}

// --- Messages ---

func (ex *execution) handleMsg(m any) {
	switch msg := m.(type) {
	case queryMsg:
		msg.reply <- ex.snapshot()
	case cancelMsg:
		if !ex.cancelRequested && !ex.status.Terminal() {
			ex.cancelRequested = true
			ex.cancelRun()
			ex.log.Info("cancellation requested")
		}
		msg.reply <- ex.snapshot()
	case subscribeMsg:
		// Subscribing on the driver goroutine makes the snapshot and the
		// stream position atomic: no event is both in the snapshot and
		// replayed on the subscription.
		sub := ex.eng.hub.Subscribe(ex.id)
		msg.reply <- subscribeReply{snap: ex.snapshot(), sub: sub}
	}
}

// --- Finalization ---

func (ex *execution) finalize() {
	for _, st := range ex.order {
		if st.status == schema.StepStatusPending {
			ex.skipStep(st, "execution ended")
		}
	}

	now := time.Now().UTC()
	ex.completedAt = &now
	if ex.startedAt != nil {
		ex.agg.SetWallClock(now.Sub(*ex.startedAt).Milliseconds())
	}

	from := ex.status
	var to schema.ExecutionStatus
	var eventType string
	switch {
	case ex.cancelRequested:
		to = schema.ExecutionStatusCancelled
		eventType = schema.EventExecutionCancelled
	case ex.firstErr != nil:
		to = schema.ExecutionStatusFailed
		eventType = schema.EventExecutionFailed
	default:
		to = schema.ExecutionStatusCompleted
		eventType = schema.EventExecutionCompleted
	}
	if err := checkExecutionTransition(ex.id, from, to); err != nil {
		ex.log.Error("execution transition rejected", "error", err)
	}
	ex.status = to

	cost, usage := ex.agg.Snapshot()
	update := store.ExecutionUpdate{
		Status:      &to,
		CompletedAt: &now,
	}
	if out, err := json.Marshal(ex.rt.Scope()); err == nil {
		update.Output = out
	}
	if metrics, err := json.Marshal(map[string]any{"cost": cost, "usage": usage}); err == nil {
		update.Metrics = metrics
	}
	if ex.firstErr != nil {
		if raw, err := json.Marshal(ex.firstErr); err == nil {
			update.Error = raw
		}
	}
	ex.persistExecution(update)

	ex.audit(eventType, "", map[string]any{"cost": cost, "usage": usage})
	ex.pub.ExecutionStatus(from, to)
	ex.logStore("", schema.LogInfo, "execution "+string(to), map[string]any{"total_usd": cost.TotalUSD})
	ex.log.Info("execution finished", "status", to, "total_usd", cost.TotalUSD, "wall_clock_ms", usage.WallClockMs)

	snap := ex.snapshot()
	ex.eng.registry.finish(ex.id, snap)
	ex.eng.hub.CloseTopic(ex.id)
}

// snapshot builds an immutable copy of the current state.
func (ex *execution) snapshot() *ExecutionSnapshot {
	cost, usage := ex.agg.Snapshot()
	snap := &ExecutionSnapshot{
		ExecutionID:   ex.id,
		WorkflowID:    ex.workflowID,
		Strategy:      ex.def.Strategy,
		Status:        ex.status,
		SharedContext: ex.rt.SharedSnapshot(),
		Cost:          cost,
		Usage:         usage,
		Error:         ex.firstErr,
		CreatedAt:     ex.createdAt,
		StartedAt:     ex.startedAt,
		CompletedAt:   ex.completedAt,
		LastSequence:  ex.pub.Seq(),
	}
	for _, st := range ex.order {
		snap.Steps = append(snap.Steps, StepSnapshot{
			StepID:      st.spec.ID,
			AgentRef:    st.spec.AgentRef,
			Role:        st.spec.Role,
			Status:      st.status,
			Attempt:     st.attempt,
			Output:      st.output,
			Error:       st.err,
			StartedAt:   st.startedAt,
			CompletedAt: st.completedAt,
			Metrics:     st.metrics,
		})
	}
	return snap
}

// --- Persistence helpers. Store failures are logged, never fatal: the
// in-memory run is authoritative while it lives. ---

func (ex *execution) persistExecution(update store.ExecutionUpdate) {
	if err := ex.eng.store.UpdateExecution(ex.pctx, ex.id, update); err != nil {
		ex.log.Error("persist execution failed", "error", err)
	}
}

func (ex *execution) persistStep(st *stepState) {
	se := &store.StepExecution{
		ExecutionID: ex.id,
		StepID:      st.spec.ID,
		AgentRef:    st.spec.AgentRef,
		Status:      st.status,
		Attempt:     st.attempt,
		CostUSD:     st.metrics.CostUSD,
		InTokens:    st.metrics.InputTokens,
		OutTokens:   st.metrics.OutputTokens,
		StartedAt:   st.startedAt,
		CompletedAt: st.completedAt,
		DurationMs:  st.metrics.DurationMs,
	}
	if st.input != nil {
		if raw, err := json.Marshal(st.input); err == nil {
			se.Input = raw
		}
	}
	if st.output != nil {
		if raw, err := json.Marshal(st.output); err == nil {
			se.Output = raw
		}
	}
	if st.err != nil {
		if raw, err := json.Marshal(st.err); err == nil {
			se.Error = raw
		}
	}
	if err := ex.eng.store.UpsertStepExecution(ex.pctx, se); err != nil {
		ex.log.Error("persist step failed", "step_id", st.spec.ID, "error", err)
	}
}

func (ex *execution) audit(eventType, stepID string, payload any) {
	event := &store.Event{
		ExecutionID: ex.id,
		StepID:      stepID,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := ex.eng.store.AppendEvent(ex.pctx, event); err != nil {
		ex.log.Error("append audit event failed", "event_type", eventType, "error", err)
	}
}

func (ex *execution) logStore(stepID string, level schema.LogLevel, message string, fields map[string]any) {
	entry := &store.LogEntry{
		ExecutionID: ex.id,
		StepID:      stepID,
		Level:       level,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
	if len(fields) > 0 {
		if raw, err := json.Marshal(fields); err == nil {
			entry.Fields = raw
		}
	}
	if err := ex.eng.store.AppendLog(ex.pctx, entry); err != nil {
		ex.log.Error("append log failed", "error", err)
	}
}

// stepError normalizes any failure into a CrewError bound to the step.
func stepError(stepID string, err error) *schema.CrewError {
	var crewErr *schema.CrewError
	if errors.As(err, &crewErr) {
		if crewErr.StepID == "" {
			crewErr.StepID = stepID
		}
		return crewErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "step timed out").WithStep(stepID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(stepID).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeAgent, "agent invocation failed: %s", err.Error()).
		WithStep(stepID).WithCause(err)
}
