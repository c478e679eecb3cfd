// Package conditions evaluates (path, operator, value) condition triples
// against an execution's accumulated scope.
//
// Evaluation is total: a path that resolves to nothing, or an operator
// applied to an incompatible type, yields false rather than an error.
// This keeps conditional workflows running end to end regardless of what
// shapes earlier steps produced.
package conditions

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// EvaluateAll reports whether every condition in the list holds (AND).
// An empty list holds trivially.
func EvaluateAll(conds []schema.Condition, scope map[string]any) bool {
	for i := range conds {
		if !Evaluate(&conds[i], scope) {
			return false
		}
	}
	return true
}

// Evaluate applies one condition triple to the scope.
func Evaluate(cond *schema.Condition, scope map[string]any) bool {
	actual, ok := resolvePath(cond.Path, scope)
	if !ok {
		return false
	}

	switch cond.Operator {
	case schema.OpEquals:
		return equals(actual, cond.Value)
	case schema.OpContains:
		return contains(actual, cond.Value)
	case schema.OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case schema.OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	}
	return false
}

// resolvePath looks up a dotted path in the scope. Bare paths (no
// namespace prefix) resolve against the shared context first, so
// "score" finds context["score"]. Prefixed paths ("steps.draft.tone",
// "inputs.topic") walk the named namespace.
func resolvePath(path string, scope map[string]any) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")

	if _, isNS := scope[segments[0]]; isNS && len(segments) > 1 {
		return walk(scope, segments)
	}

	if ctx, ok := scope["context"].(map[string]any); ok {
		if v, ok := walk(ctx, segments); ok {
			return v, true
		}
	}
	// Fall back to treating the first segment as a namespace after all
	// (covers a bare "context" or "steps" lookup).
	return walk(scope, segments)
}

func walk(root map[string]any, segments []string) (any, bool) {
	var cur any = root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equals compares after numeric normalization, so 3 == 3.0 and a
// json.Number matches a float. Non-numeric values use deep equality.
func equals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// contains: substring on strings, element membership on slices, key
// presence on maps. Anything else is a type mismatch.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, el := range h {
			if equals(el, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[key]
		return present
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
