// Package definition loads pipeline definitions from YAML (or JSON) files.
//
// Two layouts are accepted. The flat layout lists nodes in order:
//
//	entry: start
//	nodes:
//	  - tag: start
//	    type: start.classify
//	routes:
//	  start: {error: [end]}
//
// The wrapped layout nests everything under "pipeline" and maps tags to
// processor types:
//
//	pipeline:
//	  entry: start
//	  nodes:
//	    start: start.classify
//	  routes: ...
//
// In both layouts a mapping value may also be {type, params, emits}.
// Mapping order is kept as registration order.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/tagflow/internal/validation"
	"github.com/rendis/tagflow/pkg/schema"
)

// document is the flat layout; nodes is decoded by hand to accept both
// list and mapping forms.
type document struct {
	Name     string            `yaml:"name"`
	Entry    string            `yaml:"entry"`
	Terminal string            `yaml:"terminal"`
	MaxSteps int               `yaml:"max_steps"`
	Nodes    yaml.Node         `yaml:"nodes"`
	Routes   schema.RouteTable `yaml:"routes"`
}

type wrapped struct {
	Pipeline *document `yaml:"pipeline"`
}

// nodeSpec is the mapping-form value of one node.
type nodeSpec struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
	Emits  []string       `yaml:"emits"`
}

// Loader decodes definitions and, when a validator is set, validates them.
type Loader struct {
	validator validation.Validator
}

// NewLoader creates a Loader. v may be nil to skip validation.
func NewLoader(v validation.Validator) *Loader {
	return &Loader{validator: v}
}

// Load reads and parses the definition at path.
func (l *Loader) Load(path string) (*schema.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read pipeline definition %s", path).WithCause(err)
	}
	def, err := l.Parse(data)
	if err != nil {
		var tfErr *schema.TagflowError
		if errors.As(err, &tfErr) {
			tfErr.Details = mergeDetails(tfErr.Details, map[string]any{"path": path})
		}
		return nil, err
	}
	return def, nil
}

// Read parses a definition from r.
func (l *Loader) Read(r io.Reader) (*schema.PipelineDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "read pipeline definition").WithCause(err)
	}
	return l.Parse(data)
}

// Parse decodes data and validates the result.
func (l *Loader) Parse(data []byte) (*schema.PipelineDefinition, error) {
	def, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if l.validator != nil {
		if err := l.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	return def, nil
}

// Decode parses data in either layout without validating references.
// Malformed documents are CONFIGURATION_ERROR.
func Decode(data []byte) (*schema.PipelineDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline definition is empty")
	}

	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, decodeErr(err)
	}

	doc := &document{}
	if _, ok := probe["pipeline"]; ok {
		var w wrapped
		if err := strictUnmarshal(data, &w); err != nil {
			return nil, decodeErr(err)
		}
		if w.Pipeline == nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline mapping is empty")
		}
		doc = w.Pipeline
	} else if err := strictUnmarshal(data, doc); err != nil {
		return nil, decodeErr(err)
	}

	nodes, err := decodeNodes(&doc.Nodes)
	if err != nil {
		return nil, err
	}

	return &schema.PipelineDefinition{
		Name:     doc.Name,
		Entry:    doc.Entry,
		Terminal: doc.Terminal,
		MaxSteps: doc.MaxSteps,
		Nodes:    nodes,
		Routes:   doc.Routes,
	}, nil
}

func strictUnmarshal(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

func decodeNodes(n *yaml.Node) ([]schema.NodeDefinition, error) {
	switch n.Kind {
	case 0:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline definition has no nodes")
	case yaml.SequenceNode:
		var nodes []schema.NodeDefinition
		if err := n.Decode(&nodes); err != nil {
			return nil, decodeErr(err)
		}
		return nodes, nil
	case yaml.MappingNode:
		nodes := make([]schema.NodeDefinition, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			node := schema.NodeDefinition{Tag: key.Value}
			switch val.Kind {
			case yaml.ScalarNode:
				node.Type = val.Value
			case yaml.MappingNode:
				var spec nodeSpec
				if err := val.Decode(&spec); err != nil {
					return nil, decodeErr(err)
				}
				node.Type, node.Params, node.Emits = spec.Type, spec.Params, spec.Emits
			default:
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"node %q: expected a processor type or mapping (line %d)", key.Value, val.Line).WithTag(key.Value)
			}
			nodes = append(nodes, node)
		}
		return nodes, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"nodes must be a list or a mapping (line %d)", n.Line)
	}
}

func decodeErr(err error) error {
	return schema.NewError(schema.ErrCodeConfiguration, fmt.Sprintf("decode pipeline definition: %v", err)).WithCause(err)
}

func mergeDetails(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
