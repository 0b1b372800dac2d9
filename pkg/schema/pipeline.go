package schema

// Reserved tags and defaults.
const (
	DefaultTerminalTag = "end"
	DefaultEntryTag    = "start"
	DefaultRouteKey    = "default"
	DefaultMaxSteps    = 10000
)

// PipelineDefinition is the already-parsed node/route table consumed by the engine.
type PipelineDefinition struct {
	Name     string           `json:"name,omitempty" yaml:"name,omitempty"`
	Entry    string           `json:"entry" yaml:"entry"`
	Terminal string           `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	MaxSteps int              `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	Nodes    []NodeDefinition `json:"nodes" yaml:"nodes"`
	Routes   RouteTable       `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// NodeDefinition binds a tag to a processor implementation reference.
type NodeDefinition struct {
	Tag    string         `json:"tag" yaml:"tag"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// Emits overrides (or supplies) the tags the processor may emit.
	Emits []string `json:"emits,omitempty" yaml:"emits,omitempty"`
}

// RouteTable maps source tag -> output tag -> destination tags.
type RouteTable map[string]map[string][]string

// Destinations resolves the destinations for an emission from source with the
// given output tag: exact match first, then the default bucket. The bool is
// false when neither exists (the payload is dropped).
func (rt RouteTable) Destinations(source, output string) ([]string, bool) {
	outs, ok := rt[source]
	if !ok {
		return nil, false
	}
	if dests, ok := outs[output]; ok {
		return dests, true
	}
	if dests, ok := outs[DefaultRouteKey]; ok {
		return dests, true
	}
	return nil, false
}

// EntryTag returns the configured entry tag or the default.
func (d *PipelineDefinition) EntryTag() string {
	if d.Entry == "" {
		return DefaultEntryTag
	}
	return d.Entry
}

// TerminalTag returns the configured terminal tag or the default.
func (d *PipelineDefinition) TerminalTag() string {
	if d.Terminal == "" {
		return DefaultTerminalTag
	}
	return d.Terminal
}

// StepLimit returns the configured max steps or the default.
func (d *PipelineDefinition) StepLimit() int {
	if d.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return d.MaxSteps
}

// Tags returns node tags in declaration order.
func (d *PipelineDefinition) Tags() []string {
	tags := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		tags = append(tags, n.Tag)
	}
	return tags
}
