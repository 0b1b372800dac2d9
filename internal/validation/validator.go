package validation

import "github.com/rendis/tagflow/pkg/schema"

// Validator checks pipeline definitions before they are built.
// Uses JSON Schema Draft 2020-12 for the structural pass.
type Validator interface {
	ValidateDefinition(def *schema.PipelineDefinition) error
}

// TypeLookup reports whether a processor type is registered.
// *processors.Registry satisfies it.
type TypeLookup interface {
	Has(name string) bool
}
