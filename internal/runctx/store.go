// Package runctx holds the shared and per-step state for one execution
// and resolves input bindings against it.
//
// A Store is owned by the execution's driving goroutine: all writes come
// from that single goroutine, so no locking is done here. Concurrent
// steps never touch the Store directly; they receive resolved input
// snapshots and send their results back to the owner.
package runctx

import (
	"context"

	"github.com/crewmesh/crewmesh/internal/expressions"
	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Store accumulates shared context and step outputs for one execution.
type Store struct {
	inputs  map[string]any // initial input, read-only after construction
	shared  map[string]any // shared_context key/value state
	outputs map[string]any // step outputs keyed by step id
	jq      *expressions.GoJQEngine
}

// New creates a Store seeded with the execution's initial input. jq is
// the engine used for binding transforms; the driver passes the shared
// one so compiled filters are cached across executions. A nil jq gets a
// private engine.
func New(initial map[string]any, jq *expressions.GoJQEngine) *Store {
	inputs := make(map[string]any, len(initial))
	for k, v := range initial {
		inputs[k] = v
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &Store{
		inputs:  inputs,
		shared:  make(map[string]any),
		outputs: make(map[string]any),
		jq:      jq,
	}
}

// Set writes a shared context key. Overwrites are explicit and allowed;
// the driver is the sole caller.
func (s *Store) Set(key string, value any) {
	s.shared[key] = value
}

// MergeOutput records a completed step's output and mirrors it into
// shared context under the step id, making it visible to later bindings
// and to bare condition paths.
func (s *Store) MergeOutput(stepID string, out any) {
	s.outputs[stepID] = out
	s.shared[stepID] = out
}

// Output returns a step's recorded output, if any.
func (s *Store) Output(stepID string) (any, bool) {
	v, ok := s.outputs[stepID]
	return v, ok
}

// Scope exposes the store as the three-namespace view used by condition
// and expression evaluation: context (shared), steps (outputs), inputs.
func (s *Store) Scope() map[string]any {
	return map[string]any{
		"context": s.shared,
		"steps":   s.outputs,
		"inputs":  s.inputs,
	}
}

// SharedSnapshot returns a copy of the shared context map for status
// reporting. The copy is shallow; values are treated as immutable once
// stored.
func (s *Store) SharedSnapshot() map[string]any {
	cp := make(map[string]any, len(s.shared))
	for k, v := range s.shared {
		cp[k] = v
	}
	return cp
}

// Resolve turns an input binding into the concrete value a step will
// receive. A nil binding means initial_prompt. Referencing a step that
// has not produced output fails with UNRESOLVED_BINDING; the validator
// and driver should make that impossible, so hitting it indicates an
// engine bug.
func (s *Store) Resolve(ctx context.Context, b *schema.InputBinding) (any, error) {
	resolved, err := s.resolve(b)
	if err != nil {
		return nil, err
	}
	if b != nil && b.Transform != "" {
		out, err := s.jq.Transform(ctx, b.Transform, resolved)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return resolved, nil
}

func (s *Store) resolve(b *schema.InputBinding) (any, error) {
	if b == nil || b.Source == schema.BindInitialPrompt || b.Source == "" {
		cp := make(map[string]any, len(s.inputs))
		for k, v := range s.inputs {
			cp[k] = v
		}
		return cp, nil
	}

	switch b.Source {
	case schema.BindResultOf:
		out, ok := s.outputs[b.StepID]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedBinding,
				"step %q has produced no output", b.StepID)
		}
		return out, nil

	case schema.BindCombined:
		merged := make(map[string]any)
		for i := range b.Sources {
			src := &b.Sources[i]
			val, err := s.resolve(src)
			if err != nil {
				return nil, err
			}
			mergeInto(merged, src, val)
		}
		return merged, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeUnresolvedBinding,
		"unknown binding source %q", b.Source)
}

// mergeInto folds one resolved source into the combined result. Map
// values merge key-by-key, later sources overriding earlier ones.
// Scalar values land under a key derived from the source.
func mergeInto(dst map[string]any, src *schema.InputBinding, val any) {
	if m, ok := val.(map[string]any); ok {
		for k, v := range m {
			dst[k] = v
		}
		return
	}
	key := "value"
	switch src.Source {
	case schema.BindResultOf:
		key = src.StepID
	case schema.BindInitialPrompt, "":
		key = "initial"
	}
	dst[key] = val
}
