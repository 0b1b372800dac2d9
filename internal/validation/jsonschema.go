package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/tagflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const pipelineSchemaURL = "https://tagflow.dev/schemas/pipeline.json"

// pipelineSchemaJSON is the JSON Schema for PipelineDefinition validation.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tagflow.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "name": { "type": "string" },
    "entry": { "$ref": "#/$defs/tag" },
    "terminal": { "$ref": "#/$defs/tag" },
    "max_steps": {
      "type": "integer",
      "minimum": 1
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "routes": {
      "type": "object",
      "propertyNames": { "$ref": "#/$defs/tag" },
      "additionalProperties": {
        "type": "object",
        "propertyNames": { "$ref": "#/$defs/tag" },
        "additionalProperties": {
          "type": "array",
          "items": { "$ref": "#/$defs/tag" }
        }
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "tag": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[^\\s]+$"
    },
    "node": {
      "type": "object",
      "required": ["tag", "type"],
      "properties": {
        "tag": { "$ref": "#/$defs/tag" },
        "type": {
          "type": "string",
          "pattern": "^[A-Za-z0-9_.-]+$"
        },
        "params": { "type": "object" },
        "emits": {
          "type": "array",
          "items": { "$ref": "#/$defs/tag" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of pipeline definitions.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the pipeline schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource(pipelineSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return &JSONSchemaValidator{pipelineSchema: compiled}, nil
}

// ValidateDefinition validates def against the pipeline schema and rejects
// duplicate node tags.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize pipeline definition").WithCause(err)
	}
	if err := v.ValidateDocument(doc); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, exists := seen[n.Tag]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node tag %q", n.Tag).WithTag(n.Tag)
		}
		seen[n.Tag] = struct{}{}
	}
	return nil
}

// ValidateDocument validates an already-decoded JSON document (numbers as
// json.Number) against the pipeline schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if err := v.pipelineSchema.Validate(doc); err != nil {
		return toTagflowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toTagflowError flattens a jsonschema.ValidationError into a TagflowError
// listing every leaf violation with its instance location.
func toTagflowError(err error) *schema.TagflowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
