// Package expressions provides the expression engines used for `when`
// conditions and input-binding transforms: CEL for guard conditions,
// Expr for deterministic logic, and GoJQ for reshaping values.
package expressions

import (
	"context"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Engine evaluates an expression against an execution scope. The scope
// map carries the namespaces context, steps, inputs, and execution.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}

// scopeKeys are the namespaces every engine exposes to expressions.
var scopeKeys = []string{"context", "steps", "inputs", "execution"}

// Router owns one instance of each engine and selects by language tag.
type Router struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewRouter builds all three engines. The CEL environment is validated
// at construction so misconfiguration surfaces at startup.
func NewRouter() (*Router, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Router{
		cel:  celEng,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// ForLang returns the engine for a language tag. Empty defaults to CEL.
func (r *Router) ForLang(lang string) (Engine, error) {
	switch lang {
	case "", "cel":
		return r.cel, nil
	case "expr":
		return r.expr, nil
	case "jq":
		return r.jq, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", lang)
}

// EvaluateBool evaluates a when-expression and reduces the result to a
// boolean. Only an actual true counts; any other value or an evaluation
// error is false, keeping condition evaluation total.
func (r *Router) EvaluateBool(ctx context.Context, when *schema.WhenExpr, scope map[string]any) bool {
	if when == nil || when.Expr == "" {
		return true
	}
	eng, err := r.ForLang(when.Lang)
	if err != nil {
		return false
	}
	out, err := eng.Evaluate(ctx, when.Expr, scope)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// JQ exposes the shared GoJQ engine for binding transforms.
func (r *Router) JQ() *GoJQEngine {
	return r.jq
}
