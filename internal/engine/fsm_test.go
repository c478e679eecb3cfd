package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

func TestExecutionTransitions(t *testing.T) {
	allowed := []struct{ from, to schema.ExecutionStatus }{
		{schema.ExecutionStatusPending, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCancelled},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransitionExecution(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to schema.ExecutionStatus }{
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusPending, schema.ExecutionStatusFailed},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusCancelled, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	}
	for _, tr := range denied {
		assert.False(t, CanTransitionExecution(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestStepTransitions(t *testing.T) {
	// Skip decisions happen before dispatch, so only pending can skip.
	assert.True(t, CanTransitionStep(schema.StepStatusPending, schema.StepStatusRunning))
	assert.True(t, CanTransitionStep(schema.StepStatusPending, schema.StepStatusSkipped))
	assert.True(t, CanTransitionStep(schema.StepStatusRunning, schema.StepStatusCompleted))
	assert.True(t, CanTransitionStep(schema.StepStatusRunning, schema.StepStatusFailed))

	assert.False(t, CanTransitionStep(schema.StepStatusRunning, schema.StepStatusSkipped))
	assert.False(t, CanTransitionStep(schema.StepStatusRunning, schema.StepStatusPending))
	assert.False(t, CanTransitionStep(schema.StepStatusPending, schema.StepStatusCompleted))
	assert.False(t, CanTransitionStep(schema.StepStatusCompleted, schema.StepStatusRunning))
	assert.False(t, CanTransitionStep(schema.StepStatusFailed, schema.StepStatusRunning))
	assert.False(t, CanTransitionStep(schema.StepStatusSkipped, schema.StepStatusRunning))
}

func TestTransitionErrors(t *testing.T) {
	require.NoError(t, checkExecutionTransition("e1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning))

	err := checkExecutionTransition("e1", schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning)
	require.Error(t, err)
	var crewErr *schema.CrewError
	require.True(t, errors.As(err, &crewErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, crewErr.Code)
	assert.Equal(t, "e1", crewErr.Details["execution_id"])

	err = checkStepTransition("draft", schema.StepStatusRunning, schema.StepStatusSkipped)
	require.Error(t, err)
	require.True(t, errors.As(err, &crewErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, crewErr.Code)
	assert.Equal(t, "draft", crewErr.StepID)
}
