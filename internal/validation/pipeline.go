package validation

import (
	"errors"

	"github.com/rendis/tagflow/pkg/schema"
)

// PipelineValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (processor types, entry, route references, emits)
// 3. Graph (cycles, reachability; warnings only)
type PipelineValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeLookup
}

// NewPipelineValidator creates a PipelineValidator.
// lookup may be nil to skip processor type checks.
func NewPipelineValidator(lookup TypeLookup) (*PipelineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PipelineValidator{jsonSchema: jsv, types: lookup}, nil
}

// Validate runs all stages and returns the aggregated result.
// Structural errors short-circuit the later stages.
func (pv *PipelineValidator) Validate(def *schema.PipelineDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "pipeline definition is nil")
		return r
	}

	result := validateStructural(pv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, pv.types))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies Validator. Failures are CONFIGURATION_ERROR.
func (pv *PipelineValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	return pv.Validate(def).ToError()
}

func validateStructural(v *JSONSchemaValidator, def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var tfErr *schema.TagflowError
	if !errors.As(err, &tfErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := tfErr.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, tfErr.Message)
	return result
}
