package store

import (
	"context"
	"fmt"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
// The events table is the authoritative execution history; step_executions
// is a materialized view that can be rebuilt from it.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ReplayStepStates replays an execution's events and returns the
// reconstructed step states. Returns an error on sequence gaps.
func (el *EventLog) ReplayStepStates(ctx context.Context, executionID string) (map[string]*StepExecution, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepExecution), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepExecution)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		se, ok := states[e.StepID]
		if !ok {
			se = &StepExecution{
				ExecutionID: executionID,
				StepID:      e.StepID,
				Status:      schema.StepStatusPending,
			}
			states[e.StepID] = se
		}

		switch e.Type {
		case schema.EventStepStarted:
			se.Status = schema.StepStatusRunning
			ts := e.Timestamp
			se.StartedAt = &ts

		case schema.EventStepCompleted:
			se.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			se.CompletedAt = &ts
			se.Output = e.Payload
			if se.StartedAt != nil {
				se.DurationMs = ts.Sub(*se.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			se.Status = schema.StepStatusFailed
			ts := e.Timestamp
			se.CompletedAt = &ts
			se.Error = e.Payload

		case schema.EventStepSkipped:
			se.Status = schema.StepStatusSkipped

		case schema.EventStepRetryAttempt:
			// A retry keeps the step running with a fresh attempt.
			se.Status = schema.StepStatusRunning
			se.Attempt++

		case schema.EventStepTimedOut:
			// Timeout alone is not terminal; a failed or retry event follows.
		}
	}

	return states, nil
}
