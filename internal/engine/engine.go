// Package engine orchestrates team workflow executions. Each execution
// is driven by a single goroutine that owns all of its state; external
// callers interact through messages and receive immutable snapshots.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewmesh/crewmesh/internal/agents"
	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/expressions"
	"github.com/crewmesh/crewmesh/internal/store"
	"github.com/crewmesh/crewmesh/internal/validation"
	"github.com/crewmesh/crewmesh/pkg/schema"
)

// DefaultMaxConcurrent bounds total concurrent agent invocations across
// all executions.
const DefaultMaxConcurrent = 16

// Config wires an Engine's dependencies.
type Config struct {
	Store   store.Store
	Hub     events.Hub
	Invoker agents.Invoker
	Logger  *slog.Logger

	// MaxConcurrent caps agent invocations across all executions.
	MaxConcurrent int
	// Retention is how long terminal snapshots stay in memory.
	Retention time.Duration
	// Breaker overrides the default per-agent circuit breaker config.
	Breaker *CircuitBreakerConfig
}

// Engine runs workflow executions and answers status, cancel, and
// subscribe requests for them.
type Engine struct {
	store     store.Store
	hub       events.Hub
	invoker   agents.Invoker
	router    *expressions.Router
	validator *validation.Validator
	breakers  *CircuitBreakerRegistry
	pool      *WorkerPool
	registry  *registry
	log       *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if cfg.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an invoker")
	}
	if cfg.Hub == nil {
		cfg.Hub = events.NewMemoryHub()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	breakerCfg := DefaultCircuitBreakerConfig()
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	router, err := expressions.NewRouter()
	if err != nil {
		return nil, err
	}
	validator, err := validation.New()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:     cfg.Store,
		hub:       cfg.Hub,
		invoker:   cfg.Invoker,
		router:    router,
		validator: validator,
		breakers:  NewCircuitBreakerRegistry(breakerCfg),
		pool:      NewWorkerPool(cfg.MaxConcurrent),
		registry:  newRegistry(cfg.Retention, cfg.Hub.EvictTopic),
		log:       cfg.Logger,
	}, nil
}

// Validate runs the full validation pipeline on a definition without
// executing it.
func (e *Engine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return e.validator.ValidateDefinition(def)
}

// RegisterWorkflow validates a definition and saves it as a new catalog
// version.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf *store.Workflow) error {
	if res := e.validator.ValidateDefinition(&wf.Definition); !res.Valid() {
		return res.ToError()
	}
	return e.store.SaveWorkflow(ctx, wf)
}

// Start validates a definition and launches an execution for it.
// Returns the execution id; progress is observed via Status and
// Subscribe.
func (e *Engine) Start(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, runCfg schema.RunConfig) (string, error) {
	return e.start(ctx, def, input, runCfg, "", 0)
}

// StartWorkflow launches a registered workflow by catalog id. Version
// zero means latest. The initial input is checked against the
// workflow's input schema when one is registered.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, version int, input map[string]any, runCfg schema.RunConfig) (string, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID, version)
	if err != nil {
		return "", err
	}
	if len(wf.InputSchema) > 0 {
		if err := e.validator.ValidateInput(wf.InputSchema, input); err != nil {
			return "", err
		}
	}
	return e.start(ctx, &wf.Definition, input, runCfg, wf.ID, wf.Version)
}

func (e *Engine) start(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, runCfg schema.RunConfig, workflowID string, workflowVersion int) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "nil workflow definition")
	}
	if res := e.validator.ValidateDefinition(def); !res.Valid() {
		return "", res.ToError()
	}

	id := uuid.NewString()
	normCfg := runCfg.Normalized()

	row := &store.Execution{
		ID:              id,
		WorkflowID:      workflowID,
		WorkflowVersion: workflowVersion,
		Strategy:        def.Strategy,
		Status:          schema.ExecutionStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if raw, err := json.Marshal(input); err == nil {
		row.Input = raw
	}
	if raw, err := json.Marshal(normCfg); err == nil {
		row.Config = raw
	}
	if err := e.store.CreateExecution(ctx, row); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	ex := newExecution(e, id, workflowID, workflowVersion, def, input, normCfg)
	e.registry.add(ex)
	// The driver runs on its own goroutine; the worker pool is reserved
	// for agent invocations so drivers can never starve their own steps.
	go ex.run()

	return id, nil
}

// Status returns a consistent snapshot of an execution, live or recent.
// Falls back to the store for executions outside the retention window.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	ex, snap := e.registry.lookup(executionID)
	if snap != nil {
		return snap, nil
	}
	if ex != nil {
		msg := queryMsg{reply: make(chan *ExecutionSnapshot, 1)}
		if e.send(ctx, ex, msg) {
			return <-msg.reply, nil
		}
		// Driver exited while we were asking; its final snapshot is in
		// the registry now.
		if _, snap := e.registry.lookup(executionID); snap != nil {
			return snap, nil
		}
	}
	return e.snapshotFromStore(ctx, executionID)
}

// Cancel requests cooperative cancellation. Idempotent: cancelling an
// already terminal execution returns its snapshot unchanged.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	ex, snap := e.registry.lookup(executionID)
	if snap != nil {
		return snap, nil
	}
	if ex != nil {
		msg := cancelMsg{reply: make(chan *ExecutionSnapshot, 1)}
		if e.send(ctx, ex, msg) {
			return <-msg.reply, nil
		}
		if _, snap := e.registry.lookup(executionID); snap != nil {
			return snap, nil
		}
	}
	return e.snapshotFromStore(ctx, executionID)
}

// Subscribe attaches to an execution's progress stream. The returned
// snapshot and subscription are consistent: every event after the
// snapshot appears on the stream, none before it do. For terminal
// executions the snapshot is final and the stream is already closed.
func (e *Engine) Subscribe(ctx context.Context, executionID string) (*ExecutionSnapshot, *events.Subscription, error) {
	ex, snap := e.registry.lookup(executionID)
	if ex != nil {
		msg := subscribeMsg{reply: make(chan subscribeReply, 1)}
		if e.send(ctx, ex, msg) {
			r := <-msg.reply
			return r.snap, r.sub, nil
		}
		_, snap = e.registry.lookup(executionID)
	}
	if snap == nil {
		var err error
		snap, err = e.snapshotFromStore(ctx, executionID)
		if err != nil {
			return nil, nil, err
		}
	}
	// Terminal: the snapshot is final, so the stream holds nothing. A
	// pre-closed subscription avoids touching the hub, whose topic may
	// already have been evicted.
	return snap, events.ClosedSubscription(), nil
}

// send delivers a message to a driver, returning false if the driver
// exited first.
func (e *Engine) send(ctx context.Context, ex *execution, m any) bool {
	select {
	case ex.msgs <- m:
		return true
	case <-ex.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Shutdown cancels all active executions, waits for their drivers, and
// stops the worker pool.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, ex := range e.registry.activeList() {
		msg := cancelMsg{reply: make(chan *ExecutionSnapshot, 1)}
		if e.send(ctx, ex, msg) {
			<-msg.reply
		}
	}
	for _, ex := range e.registry.activeList() {
		select {
		case <-ex.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.pool.Shutdown()
	return nil
}

// snapshotFromStore rebuilds a snapshot from persisted rows for
// executions no longer held in memory.
func (e *Engine) snapshotFromStore(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	row, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}

	snap := &ExecutionSnapshot{
		ExecutionID: row.ID,
		WorkflowID:  row.WorkflowID,
		Strategy:    row.Strategy,
		Status:      row.Status,
		CreatedAt:   row.CreatedAt,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
	if len(row.Error) > 0 {
		var crewErr schema.CrewError
		if json.Unmarshal(row.Error, &crewErr) == nil {
			snap.Error = &crewErr
		}
	}
	if len(row.Metrics) > 0 {
		var metrics struct {
			Cost  schema.CostMetrics  `json:"cost"`
			Usage schema.UsageMetrics `json:"usage"`
		}
		if json.Unmarshal(row.Metrics, &metrics) == nil {
			snap.Cost = metrics.Cost
			snap.Usage = metrics.Usage
		}
	}
	if len(row.Output) > 0 {
		var out struct {
			Context map[string]any `json:"context"`
		}
		if json.Unmarshal(row.Output, &out) == nil {
			snap.SharedContext = out.Context
		}
	}

	for _, se := range steps {
		ss := StepSnapshot{
			StepID:      se.StepID,
			AgentRef:    se.AgentRef,
			Status:      se.Status,
			Attempt:     se.Attempt,
			StartedAt:   se.StartedAt,
			CompletedAt: se.CompletedAt,
			Metrics: schema.StepMetrics{
				CostUSD:      se.CostUSD,
				InputTokens:  se.InTokens,
				OutputTokens: se.OutTokens,
				DurationMs:   se.DurationMs,
			},
		}
		if len(se.Output) > 0 {
			var out any
			if json.Unmarshal(se.Output, &out) == nil {
				ss.Output = out
			}
		}
		if len(se.Error) > 0 {
			var crewErr schema.CrewError
			if json.Unmarshal(se.Error, &crewErr) == nil {
				ss.Error = &crewErr
			}
		}
		snap.Steps = append(snap.Steps, ss)
	}
	return snap, nil
}
