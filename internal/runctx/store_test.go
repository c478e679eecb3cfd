package runctx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmesh/crewmesh/internal/expressions"
	"github.com/crewmesh/crewmesh/pkg/schema"
)

func TestResolveInitialPrompt(t *testing.T) {
	s := New(map[string]any{"topic": "quantum computing"}, nil)

	// Nil binding means initial_prompt.
	got, err := s.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"topic": "quantum computing"}, got)

	// The explicit form behaves the same.
	got, err = s.Resolve(context.Background(), &schema.InputBinding{Source: schema.BindInitialPrompt})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"topic": "quantum computing"}, got)

	// Resolved input is a copy; mutating it never touches the store.
	got.(map[string]any)["topic"] = "mutated"
	again, err := s.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "quantum computing", again.(map[string]any)["topic"])
}

func TestResolveResultOfPassthrough(t *testing.T) {
	s := New(nil, nil)
	s.MergeOutput("draft", "the draft text")

	got, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source: schema.BindResultOf,
		StepID: "draft",
	})
	require.NoError(t, err)
	assert.Equal(t, "the draft text", got)
}

func TestResolveUnresolvedBinding(t *testing.T) {
	s := New(nil, nil)

	_, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source: schema.BindResultOf,
		StepID: "missing",
	})
	require.Error(t, err)

	var crewErr *schema.CrewError
	require.True(t, errors.As(err, &crewErr))
	assert.Equal(t, schema.ErrCodeUnresolvedBinding, crewErr.Code)
}

func TestResolveCombinedLaterOverrides(t *testing.T) {
	s := New(nil, nil)
	s.MergeOutput("a", map[string]any{"x": 1, "shared": "from-a"})
	s.MergeOutput("b", map[string]any{"y": 2, "shared": "from-b"})

	got, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source: schema.BindCombined,
		Sources: []schema.InputBinding{
			{Source: schema.BindResultOf, StepID: "a"},
			{Source: schema.BindResultOf, StepID: "b"},
		},
	})
	require.NoError(t, err)

	m := got.(map[string]any)
	assert.Equal(t, 1, m["x"])
	assert.Equal(t, 2, m["y"])
	assert.Equal(t, "from-b", m["shared"])
}

func TestResolveCombinedScalarKeying(t *testing.T) {
	s := New(map[string]any{"prompt": "hello"}, nil)
	s.MergeOutput("score", 42)

	got, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source: schema.BindCombined,
		Sources: []schema.InputBinding{
			{Source: schema.BindInitialPrompt},
			{Source: schema.BindResultOf, StepID: "score"},
		},
	})
	require.NoError(t, err)

	m := got.(map[string]any)
	assert.Equal(t, "hello", m["prompt"])
	assert.Equal(t, 42, m["score"])
}

func TestResolveCombinedPropagatesUnresolved(t *testing.T) {
	s := New(nil, nil)

	_, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source: schema.BindCombined,
		Sources: []schema.InputBinding{
			{Source: schema.BindResultOf, StepID: "nope"},
		},
	})
	require.Error(t, err)
	var crewErr *schema.CrewError
	require.True(t, errors.As(err, &crewErr))
	assert.Equal(t, schema.ErrCodeUnresolvedBinding, crewErr.Code)
}

func TestResolveTransform(t *testing.T) {
	s := New(nil, nil)
	s.MergeOutput("analysis", map[string]any{
		"summary": "short",
		"detail":  "very long detail",
	})

	got, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source:    schema.BindResultOf,
		StepID:    "analysis",
		Transform: ".summary",
	})
	require.NoError(t, err)
	assert.Equal(t, "short", got)
}

func TestResolveTransformError(t *testing.T) {
	s := New(nil, nil)
	s.MergeOutput("x", "scalar")

	// Key lookup on a string is a jq runtime error. Note that array
	// indexing would not be: jq indexes strings, so .[0] on "scalar"
	// yields "s".
	_, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source:    schema.BindResultOf,
		StepID:    "x",
		Transform: ".a",
	})
	require.Error(t, err)
}

func TestResolveTransformSharedEngine(t *testing.T) {
	// The driver hands every store the router's jq engine so compiled
	// filters are cached across executions.
	jq := expressions.NewGoJQEngine()
	s := New(nil, jq)
	s.MergeOutput("analysis", map[string]any{"summary": "short"})

	got, err := s.Resolve(context.Background(), &schema.InputBinding{
		Source:    schema.BindResultOf,
		StepID:    "analysis",
		Transform: ".summary",
	})
	require.NoError(t, err)
	assert.Equal(t, "short", got)
}

func TestScopeNamespaces(t *testing.T) {
	s := New(map[string]any{"topic": "go"}, nil)
	s.Set("score", 7)
	s.MergeOutput("draft", "text")

	scope := s.Scope()
	assert.Equal(t, 7, scope["context"].(map[string]any)["score"])
	assert.Equal(t, "text", scope["steps"].(map[string]any)["draft"])
	assert.Equal(t, "go", scope["inputs"].(map[string]any)["topic"])

	// Step outputs are mirrored into shared context under the step id.
	assert.Equal(t, "text", scope["context"].(map[string]any)["draft"])
	assert.Equal(t, "text", s.SharedSnapshot()["draft"])
}

func TestSharedSnapshotIsCopy(t *testing.T) {
	s := New(nil, nil)
	s.Set("k", "v")

	snap := s.SharedSnapshot()
	snap["k"] = "mutated"
	snap["new"] = true

	assert.Equal(t, "v", s.SharedSnapshot()["k"])
	_, ok := s.SharedSnapshot()["new"]
	assert.False(t, ok)
}

func TestOutputLookup(t *testing.T) {
	s := New(nil, nil)
	_, ok := s.Output("draft")
	assert.False(t, ok)

	s.MergeOutput("draft", nil) // nil outputs are still recorded
	_, ok = s.Output("draft")
	assert.True(t, ok)
}
