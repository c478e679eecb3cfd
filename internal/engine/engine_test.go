package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmesh/crewmesh/internal/agents"
	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/store"
	"github.com/crewmesh/crewmesh/pkg/schema"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	workflows map[string][]*store.Workflow
	execs     map[string]*store.Execution
	steps     map[string]map[string]*store.StepExecution
	events    map[string][]*store.Event
	logs      map[string][]*store.LogEntry
	runs      map[string]*store.ScheduledRun
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string][]*store.Workflow),
		execs:     make(map[string]*store.Execution),
		steps:     make(map[string]map[string]*store.StepExecution),
		events:    make(map[string][]*store.Event),
		logs:      make(map[string][]*store.LogEntry),
		runs:      make(map[string]*store.ScheduledRun),
	}
}

func (m *memStore) SaveWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	if cp.Version == 0 {
		cp.Version = len(m.workflows[cp.ID]) + 1
	}
	wf.Version = cp.Version
	m.workflows[cp.ID] = append(m.workflows[cp.ID], &cp)
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string, version int) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.workflows[id]
	if len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	for _, wf := range versions {
		if wf.Version == version {
			return wf, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q version %d not found", id, version)
}

func (m *memStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*store.Workflow, error) {
	return nil, nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *memStore) CreateExecution(_ context.Context, ex *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ex
	m.execs[ex.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *ex
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.execs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.Output != nil {
		ex.Output = update.Output
	}
	if update.Error != nil {
		ex.Error = update.Error
	}
	if update.Metrics != nil {
		ex.Metrics = update.Metrics
	}
	if update.StartedAt != nil {
		ex.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	ex.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, _ store.ExecutionFilter) ([]*store.Execution, error) {
	return nil, nil
}

func (m *memStore) UpsertStepExecution(_ context.Context, se *store.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep, ok := m.steps[se.ExecutionID]
	if !ok {
		byStep = make(map[string]*store.StepExecution)
		m.steps[se.ExecutionID] = byStep
	}
	cp := *se
	byStep[se.StepID] = &cp
	return nil
}

func (m *memStore) GetStepExecution(_ context.Context, executionID, stepID string) (*store.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	se, ok := m.steps[executionID][stepID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", stepID)
	}
	cp := *se
	return &cp, nil
}

func (m *memStore) ListStepExecutions(_ context.Context, executionID string) ([]*store.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepExecution
	for _, se := range m.steps[executionID] {
		cp := *se
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, event := range m.events[executionID] {
		if event.Sequence > since {
			out = append(out, event)
		}
	}
	return out, nil
}

func (m *memStore) AppendLog(_ context.Context, entry *store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.logs[entry.ExecutionID] = append(m.logs[entry.ExecutionID], &cp)
	return nil
}

func (m *memStore) GetLogs(_ context.Context, executionID string, _ int) ([]*store.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.LogEntry(nil), m.logs[executionID]...), nil
}

func (m *memStore) CreateScheduledRun(_ context.Context, run *store.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetScheduledRun(_ context.Context, id string) (*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %q not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateScheduledRun(_ context.Context, id string, update store.ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %q not found", id)
	}
	if update.Enabled != nil {
		run.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		run.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		run.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		run.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *memStore) ListScheduledRuns(_ context.Context, _ store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	return nil, nil
}

func (m *memStore) DeleteScheduledRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Vacuum(context.Context) error  { return nil }
func (m *memStore) Close() error                  { return nil }

var _ store.Store = (*memStore)(nil)

// recordingInvoker tracks invocations and delegates to a per-agent handler.
type recordingInvoker struct {
	mu       sync.Mutex
	calls    []agents.Invocation
	handlers map[string]agents.InvokerFunc
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{handlers: make(map[string]agents.InvokerFunc)}
}

func (r *recordingInvoker) on(agentRef string, fn agents.InvokerFunc) {
	r.handlers[agentRef] = fn
}

func (r *recordingInvoker) Invoke(ctx context.Context, inv agents.Invocation) (*agents.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()

	if fn, ok := r.handlers[inv.AgentRef]; ok {
		return fn(ctx, inv)
	}
	return &agents.Result{
		Output:  "out-" + inv.StepID,
		Metrics: schema.StepMetrics{CostUSD: 0.01, InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (r *recordingInvoker) callsFor(agentRef string) []agents.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agents.Invocation
	for _, inv := range r.calls {
		if inv.AgentRef == agentRef {
			out = append(out, inv)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, st store.Store, invoker agents.Invoker) *Engine {
	t.Helper()
	eng, err := New(Config{
		Store:   st,
		Invoker: invoker,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	return eng
}

func waitTerminal(t *testing.T, eng *Engine, id string) *ExecutionSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := eng.Status(context.Background(), id)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal status")
	return nil
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Invoker: newRecordingInvoker()})
	assert.Error(t, err)
	_, err = New(Config{Store: newMemStore()})
	assert.Error(t, err)
}

func TestSequentialExecution(t *testing.T) {
	st := newMemStore()
	invoker := newRecordingInvoker()
	invoker.on("researcher", func(_ context.Context, _ agents.Invocation) (*agents.Result, error) {
		return &agents.Result{
			Output:  map[string]any{"findings": "three sources"},
			Metrics: schema.StepMetrics{CostUSD: 0.02, InputTokens: 100, OutputTokens: 40},
		}, nil
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "research", AgentRef: "researcher", ExecutionOrder: 0},
			{ID: "draft", AgentRef: "writer", ExecutionOrder: 1,
				Input: &schema.InputBinding{Source: schema.BindResultOf, StepID: "research"}},
		},
	}

	id, err := eng.Start(context.Background(), def, map[string]any{"topic": "go"}, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, schema.StepStatusCompleted, snap.Step("research").Status)
	assert.Equal(t, schema.StepStatusCompleted, snap.Step("draft").Status)
	assert.Equal(t, "out-draft", snap.Step("draft").Output)

	// The binding handed research's output to the writer.
	writerCalls := invoker.callsFor("writer")
	require.Len(t, writerCalls, 1)
	assert.Equal(t, map[string]any{"findings": "three sources"}, writerCalls[0].Input)
	assert.Equal(t, id, writerCalls[0].ExecutionID)

	// Research came first.
	researcherCalls := invoker.callsFor("researcher")
	require.Len(t, researcherCalls, 1)
	assert.Equal(t, map[string]any{"topic": "go"}, researcherCalls[0].Input)

	// Totals fold both steps.
	assert.InDelta(t, 0.03, snap.Cost.TotalUSD, 1e-9)
	assert.Equal(t, int64(155), snap.Usage.TotalTokens)
	assert.Equal(t, 2, snap.Usage.StepsCompleted)

	// Outputs land in shared context under the step id.
	assert.Equal(t, "out-draft", snap.SharedContext["draft"])

	// Persistence: execution row terminal, step rows upserted, audit trail
	// starts and ends with lifecycle events.
	row, err := st.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, row.Status)
	assert.NotNil(t, row.CompletedAt)

	rows, err := st.ListStepExecutions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	auditEvents, err := st.GetEvents(context.Background(), id, 0)
	require.NoError(t, err)
	require.NotEmpty(t, auditEvents)
	assert.Equal(t, schema.EventExecutionStarted, auditEvents[0].Type)
	assert.Equal(t, schema.EventExecutionCompleted, auditEvents[len(auditEvents)-1].Type)
}

func TestPipelineFailureSkipsRemaining(t *testing.T) {
	st := newMemStore()
	invoker := newRecordingInvoker()
	invoker.on("editor", func(_ context.Context, _ agents.Invocation) (*agents.Result, error) {
		return nil, schema.NewError(schema.ErrCodeAgent, "model unavailable")
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategyPipeline,
		Steps: []schema.StepSpec{
			{ID: "draft", AgentRef: "writer", ExecutionOrder: 0},
			{ID: "edit", AgentRef: "editor", ExecutionOrder: 1, Retry: &schema.RetryPolicy{Max: 0}},
			{ID: "publish", AgentRef: "publisher", ExecutionOrder: 2},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusFailed, snap.Status)
	assert.Equal(t, schema.StepStatusCompleted, snap.Step("draft").Status)
	assert.Equal(t, schema.StepStatusFailed, snap.Step("edit").Status)
	assert.Equal(t, schema.StepStatusSkipped, snap.Step("publish").Status)

	require.NotNil(t, snap.Error)
	assert.Equal(t, schema.ErrCodeAgent, snap.Error.Code)
	assert.Equal(t, "edit", snap.Error.StepID)
	assert.Empty(t, invoker.callsFor("publisher"))

	// The editor received the writer's output through the implicit
	// pipeline binding.
	editorCalls := invoker.callsFor("editor")
	require.Len(t, editorCalls, 1)
	assert.Equal(t, "out-draft", editorCalls[0].Input)
}

func TestSequentialContinuesWhenAbortDisabled(t *testing.T) {
	st := newMemStore()
	invoker := newRecordingInvoker()
	invoker.on("editor", func(_ context.Context, _ agents.Invocation) (*agents.Result, error) {
		return nil, schema.NewError(schema.ErrCodeAgent, "model unavailable")
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "draft", AgentRef: "writer", ExecutionOrder: 0},
			{ID: "edit", AgentRef: "editor", ExecutionOrder: 1, Retry: &schema.RetryPolicy{Max: 0}},
			{ID: "publish", AgentRef: "publisher", ExecutionOrder: 2},
		},
	}

	abort := false
	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{AbortOnFailure: &abort})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	// Remaining steps still run, but the failure decides the final status.
	assert.Equal(t, schema.StepStatusCompleted, snap.Step("publish").Status)
	assert.Equal(t, schema.ExecutionStatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, "edit", snap.Error.StepID)
}

func TestParallelRespectsLimit(t *testing.T) {
	st := newMemStore()
	var active, peak int64
	var mu sync.Mutex
	invoker := agents.InvokerFunc(func(_ context.Context, inv agents.Invocation) (*agents.Result, error) {
		n := atomic.AddInt64(&active, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return &agents.Result{Output: "out-" + inv.StepID}, nil
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{Strategy: schema.StrategyParallel}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		def.Steps = append(def.Steps, schema.StepSpec{ID: id, AgentRef: "worker"})
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{ParallelLimit: 2})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, 6, snap.Usage.StepsCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestConditionalSkipsUnmetSteps(t *testing.T) {
	st := newMemStore()
	invoker := newRecordingInvoker()
	invoker.on("scorer", func(_ context.Context, _ agents.Invocation) (*agents.Result, error) {
		return &agents.Result{Output: map[string]any{"score": 3}}, nil
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategyConditional,
		Steps: []schema.StepSpec{
			{ID: "score", AgentRef: "scorer", ExecutionOrder: 0},
			{ID: "polish", AgentRef: "polisher", ExecutionOrder: 1,
				Conditions: []schema.Condition{
					{Path: "steps.score.score", Operator: schema.OpGreaterThan, Value: 5},
				}},
			{ID: "publish", AgentRef: "publisher", ExecutionOrder: 2, AlwaysRun: true},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, schema.StepStatusSkipped, snap.Step("polish").Status)
	assert.Equal(t, schema.StepStatusCompleted, snap.Step("publish").Status)
	assert.Empty(t, invoker.callsFor("polisher"), "skipped step must never be invoked")
	assert.Equal(t, 1, snap.Usage.StepsSkipped)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	st := newMemStore()
	var attempts int64
	invoker := newRecordingInvoker()
	invoker.on("flaky", func(_ context.Context, inv agents.Invocation) (*agents.Result, error) {
		if atomic.AddInt64(&attempts, 1) <= 2 {
			return nil, schema.NewError(schema.ErrCodeAgent, "transient overload")
		}
		return &agents.Result{Output: "finally"}, nil
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "work", AgentRef: "flaky", ExecutionOrder: 0,
				Retry: &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"}},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	step := snap.Step("work")
	assert.Equal(t, schema.StepStatusCompleted, step.Status)
	assert.Equal(t, 2, step.Attempt)
	assert.Equal(t, "finally", step.Output)
	assert.Equal(t, 2, snap.Usage.Retries)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

func TestRetryExhausted(t *testing.T) {
	st := newMemStore()
	invoker := newRecordingInvoker()
	invoker.on("broken", func(_ context.Context, _ agents.Invocation) (*agents.Result, error) {
		return nil, schema.NewError(schema.ErrCodeAgent, "permanently down")
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "work", AgentRef: "broken", ExecutionOrder: 0,
				Retry: &schema.RetryPolicy{Max: 1, Backoff: "constant", Delay: "1ms"}},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusFailed, snap.Status)
	step := snap.Step("work")
	require.NotNil(t, step.Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, step.Error.Code)
	assert.Equal(t, 1, step.Attempt)
	assert.Len(t, invoker.callsFor("broken"), 2)
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	st := newMemStore()
	invoker := newRecordingInvoker()
	invoker.on("strict", func(_ context.Context, _ agents.Invocation) (*agents.Result, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed input")
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "work", AgentRef: "strict", ExecutionOrder: 0,
				Retry: &schema.RetryPolicy{Max: 5, Delay: "1ms"}},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusFailed, snap.Status)
	assert.Equal(t, 0, snap.Step("work").Attempt)
	assert.Len(t, invoker.callsFor("strict"), 1)
}

func TestStepTimeout(t *testing.T) {
	st := newMemStore()
	invoker := newRecordingInvoker()
	invoker.on("slow", func(ctx context.Context, _ agents.Invocation) (*agents.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "work", AgentRef: "slow", ExecutionOrder: 0,
				Timeout: "30ms", Retry: &schema.RetryPolicy{Max: 0}},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusFailed, snap.Status)
	step := snap.Step("work")
	require.NotNil(t, step.Error)
	assert.Equal(t, schema.ErrCodeTimeout, step.Error.Code)
}

func TestCancelMarksPendingSkipped(t *testing.T) {
	st := newMemStore()
	started := make(chan struct{}, 1)
	invoker := newRecordingInvoker()
	invoker.on("blocker", func(ctx context.Context, _ agents.Invocation) (*agents.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "first", AgentRef: "blocker", ExecutionOrder: 0},
			{ID: "second", AgentRef: "writer", ExecutionOrder: 1},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)
	<-started

	snap, err := eng.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, snap.Status == schema.ExecutionStatusRunning || snap.Status.Terminal())

	final := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusCancelled, final.Status)
	assert.Equal(t, schema.StepStatusFailed, final.Step("first").Status)
	assert.Equal(t, schema.ErrCodeCancelled, final.Step("first").Error.Code)
	assert.Equal(t, schema.StepStatusSkipped, final.Step("second").Status)
	assert.Empty(t, invoker.callsFor("writer"))

	// Cancel is idempotent on a terminal execution.
	again, err := eng.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, again.Status)
}

func TestSubscribeStreamIsContiguous(t *testing.T) {
	st := newMemStore()
	invoker := agents.InvokerFunc(func(_ context.Context, inv agents.Invocation) (*agents.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return &agents.Result{Output: "out-" + inv.StepID}, nil
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps: []schema.StepSpec{
			{ID: "a", AgentRef: "worker", ExecutionOrder: 0},
			{ID: "b", AgentRef: "worker", ExecutionOrder: 1},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	snap, sub, err := eng.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer sub.Close()

	// Every event after the snapshot arrives exactly once, in order, with
	// no gap against the snapshot's last sequence.
	next := snap.LastSequence + 1
	sawTerminal := snap.Status.Terminal()
	deadline := time.After(10 * time.Second)
	for !sawTerminal {
		select {
		case event, ok := <-sub.C:
			if !ok {
				t.Fatal("stream closed before a terminal status event")
			}
			assert.Equal(t, next, event.Sequence)
			next++
			if event.Type == schema.ProgressExecutionStatusChanged {
				change := event.Payload.(events.StatusChange)
				if change.To.Terminal() {
					sawTerminal = true
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestSubscribeAfterCompletionStreamClosed(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, newRecordingInvoker())

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps:    []schema.StepSpec{{ID: "only", AgentRef: "worker", ExecutionOrder: 0}},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)
	waitTerminal(t, eng, id)

	// A late subscriber gets the final snapshot and a stream that has
	// already ended; ranging over it must return, not block.
	snap, sub, err := eng.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "expected a closed stream for a terminal execution")
	case <-time.After(5 * time.Second):
		t.Fatal("stream for a terminal execution never closed")
	}
}

func TestProgressCountsCompletedStepsOnly(t *testing.T) {
	st := newMemStore()
	release := make(chan struct{})
	invoker := newRecordingInvoker()
	invoker.on("scorer", func(_ context.Context, _ agents.Invocation) (*agents.Result, error) {
		<-release
		return &agents.Result{Output: map[string]any{"score": 3}}, nil
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategyConditional,
		Steps: []schema.StepSpec{
			{ID: "score", AgentRef: "scorer", ExecutionOrder: 0},
			{ID: "polish", AgentRef: "polisher", ExecutionOrder: 1,
				Conditions: []schema.Condition{
					{Path: "steps.score.score", Operator: schema.OpGreaterThan, Value: 5},
				}},
			{ID: "publish", AgentRef: "publisher", ExecutionOrder: 2, AlwaysRun: true},
		},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)

	_, sub, err := eng.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer sub.Close()
	close(release)

	// score completes, polish is skipped, publish completes: the final
	// progress reports 2 of 3, never counting the skipped step.
	var last events.Progress
	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case event, ok := <-sub.C:
			if !ok {
				done = true
				break
			}
			switch payload := event.Payload.(type) {
			case events.Progress:
				last = payload
				assert.LessOrEqual(t, payload.CompletedSteps, 2)
			case events.StatusChange:
				if payload.To.Terminal() {
					done = true
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
	assert.Equal(t, events.Progress{CompletedSteps: 2, TotalSteps: 3}, last)
}

func TestStartRejectsInvalidDefinition(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newRecordingInvoker())

	_, err := eng.Start(context.Background(), &schema.WorkflowDefinition{Strategy: "bogus"}, nil, schema.RunConfig{})
	require.Error(t, err)
	var crewErr *schema.CrewError
	require.ErrorAs(t, err, &crewErr)
	assert.Equal(t, schema.ErrCodeValidation, crewErr.Code)

	_, err = eng.Start(context.Background(), nil, nil, schema.RunConfig{})
	require.Error(t, err)
}

func TestStartWorkflowFromCatalog(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, newRecordingInvoker())

	wf := &store.Workflow{
		ID:   "research-brief",
		Name: "Research brief",
		Definition: schema.WorkflowDefinition{
			Strategy: schema.StrategySequential,
			Steps: []schema.StepSpec{
				{ID: "research", AgentRef: "researcher", ExecutionOrder: 0},
			},
		},
		InputSchema: json.RawMessage(`{"type":"object","required":["topic"]}`),
	}
	require.NoError(t, eng.RegisterWorkflow(context.Background(), wf))

	// Input schema gates the start.
	_, err := eng.StartWorkflow(context.Background(), "research-brief", 0, map[string]any{}, schema.RunConfig{})
	require.Error(t, err)

	id, err := eng.StartWorkflow(context.Background(), "research-brief", 0, map[string]any{"topic": "go"}, schema.RunConfig{})
	require.NoError(t, err)

	snap := waitTerminal(t, eng, id)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, "research-brief", snap.WorkflowID)

	// Unknown catalog ids are refused.
	_, err = eng.StartWorkflow(context.Background(), "ghost", 0, nil, schema.RunConfig{})
	require.Error(t, err)
}

func TestRegisterWorkflowValidates(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newRecordingInvoker())

	err := eng.RegisterWorkflow(context.Background(), &store.Workflow{
		ID:         "bad",
		Definition: schema.WorkflowDefinition{Strategy: "bogus"},
	})
	require.Error(t, err)
}

func TestShutdownCancelsActiveExecutions(t *testing.T) {
	st := newMemStore()
	started := make(chan struct{}, 1)
	invoker := newRecordingInvoker()
	invoker.on("blocker", func(ctx context.Context, _ agents.Invocation) (*agents.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	eng := newTestEngine(t, st, invoker)

	def := &schema.WorkflowDefinition{
		Strategy: schema.StrategySequential,
		Steps:    []schema.StepSpec{{ID: "work", AgentRef: "blocker", ExecutionOrder: 0}},
	}

	id, err := eng.Start(context.Background(), def, nil, schema.RunConfig{})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	snap, err := eng.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, snap.Status)
}

func TestStatusUnknownExecution(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newRecordingInvoker())

	_, err := eng.Status(context.Background(), "no-such-id")
	require.Error(t, err)
	var crewErr *schema.CrewError
	require.ErrorAs(t, err, &crewErr)
	assert.Equal(t, schema.ErrCodeNotFound, crewErr.Code)
}
