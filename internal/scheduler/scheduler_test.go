package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmesh/crewmesh/internal/store"
	"github.com/crewmesh/crewmesh/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	runs map[string]*store.ScheduledRun
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{runs: make(map[string]*store.ScheduledRun)}
}

func (m *mockSchedulerStore) CreateScheduledRun(_ context.Context, run *store.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledRun(_ context.Context, id string) (*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledRun(_ context.Context, id string, update store.ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		r.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledRuns(_ context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledRun
	for _, r := range m.runs {
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockSchedulerStore) DeleteScheduledRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

// mockLauncher tracks StartWorkflow calls.
type mockLauncher struct {
	mu    sync.Mutex
	calls []launchCall
	err   error
}

type launchCall struct {
	WorkflowID string
	Version    int
	Input      map[string]any
}

func (l *mockLauncher) StartWorkflow(_ context.Context, workflowID string, version int, input map[string]any, _ schema.RunConfig) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, launchCall{
		WorkflowID: workflowID,
		Version:    version,
		Input:      input,
	})
	if l.err != nil {
		return "", l.err
	}
	return "exec-1", nil
}

func (l *mockLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func newTestScheduler(s store.Store, launcher WorkflowLauncher) *Scheduler {
	return New(s, launcher, slog.Default())
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockLauncher{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickLaunchesDueRuns(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-1",
		WorkflowID:     "nightly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, launcher.callCount())

	// Verify run was updated.
	got, _ := ms.GetScheduledRun(ctx, "run-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueRuns(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-future",
		WorkflowID:     "nightly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, launcher.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-missed",
		WorkflowID:     "cleanup",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, launcher.callCount())

	got, _ := ms.GetScheduledRun(ctx, "run-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDisabledRunsSkipped(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-disabled",
		WorkflowID:     "nightly-report",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, launcher.callCount())
}

func TestRunUpdateAfterLaunch(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:              "run-update",
		WorkflowID:      "digest",
		WorkflowVersion: 3,
		CronExpression:  "*/15 * * * *",
		Input:           json.RawMessage(`{"env":"staging"}`),
		Enabled:         true,
		NextRunAt:       &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, launcher.callCount())
	launcher.mu.Lock()
	call := launcher.calls[0]
	launcher.mu.Unlock()

	assert.Equal(t, "digest", call.WorkflowID)
	assert.Equal(t, 3, call.Version)
	assert.Equal(t, "staging", call.Input["env"])

	got, _ := ms.GetScheduledRun(ctx, "run-update")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
	// NextRunAt should be in the future.
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestLaunchFailure(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{err: assert.AnError}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-fail",
		WorkflowID:     "nightly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetScheduledRun(ctx, "run-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()

	// Run with nil NextRunAt is treated as overdue.
	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-nil-next",
		WorkflowID:     "nightly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      nil,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, launcher.callCount())
}

func TestDedupPreventsDoubleLaunch(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-dedup",
		WorkflowID:     "nightly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	// Pre-acquire to simulate an in-flight launch.
	acquired := sched.tryAcquire("run-dedup")
	assert.True(t, acquired)

	// Tick should skip the run because it's in-flight.
	sched.tick(ctx)
	assert.Equal(t, 0, launcher.callCount())

	// Release and tick again: now it should launch.
	sched.release("run-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, launcher.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-release",
		WorkflowID:     "nightly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	// Launch once.
	sched.tick(ctx)
	assert.Equal(t, 1, launcher.callCount())

	// Inflight should be released after tick completes.
	// Reset NextRunAt to past so it's due again.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledRun(ctx, "run-release", store.ScheduledRunUpdate{
		NextRunAt: &past2,
	}))

	sched.tick(ctx)
	assert.Equal(t, 2, launcher.callCount())
}

func TestMultipleRunsSomeDue(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "due-1", WorkflowID: "alpha", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "not-due", WorkflowID: "beta", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID: "due-2", WorkflowID: "gamma", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: nil,
	}))

	sched.tick(ctx)

	assert.Equal(t, 2, launcher.callCount())
	launcher.mu.Lock()
	ids := make([]string, len(launcher.calls))
	for i, c := range launcher.calls {
		ids[i] = c.WorkflowID
	}
	launcher.mu.Unlock()
	assert.Contains(t, ids, "alpha")
	assert.Contains(t, ids, "gamma")
	assert.NotContains(t, ids, "beta")
}
