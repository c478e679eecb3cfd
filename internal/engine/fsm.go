package engine

import (
	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Lifecycle transition tables. The driver consults these before every
// status change; an off-table transition is a bug, not a recoverable
// condition, and surfaces as INVALID_TRANSITION.

// ValidExecutionTransitions defines the allowed execution status changes.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed step status changes. A retry
// keeps the step in running; there is no separate retrying status.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// CanTransitionExecution reports whether from -> to is on the table.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether from -> to is on the table.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// checkExecutionTransition returns INVALID_TRANSITION for an off-table
// execution status change.
func checkExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	if CanTransitionExecution(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// checkStepTransition returns INVALID_TRANSITION for an off-table step
// status change.
func checkStepTransition(stepID string, from, to schema.StepStatus) error {
	if CanTransitionStep(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
