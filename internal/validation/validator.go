// Package validation checks workflow definitions before execution. The
// pipeline has three stages: structural (JSON Schema), semantic
// (binding references, ordering, per-strategy rules), and graph (cycle
// detection over binding dependencies).
package validation

import (
	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Validator orchestrates the three-stage validation pipeline.
type Validator struct {
	jsonSchema *JSONSchemaValidator
}

// New creates a Validator with the workflow schema pre-compiled.
func New() (*Validator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{jsonSchema: jsv}, nil
}

// ValidateDefinition runs the full pipeline and returns an aggregated
// result. Structural errors short-circuit: semantic and graph stages
// assume a well-formed document.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(v.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))

	// Graph stage is skipped when semantic errors exist; the reference
	// graph may be malformed.
	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateInput checks an execution's initial input against a
// registered workflow input schema.
func (v *Validator) ValidateInput(inputSchema []byte, input map[string]any) error {
	return v.jsonSchema.ValidateInput(inputSchema, input)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition,
// converting its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	crewErr, ok := err.(*schema.CrewError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if crewErr.Details != nil {
		if violations, ok := crewErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, crewErr.Message)
	return result
}
