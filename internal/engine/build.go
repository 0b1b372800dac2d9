package engine

import (
	"log/slog"

	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/processors"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

// Deps holds the collaborators a built Router is wired to. All optional.
type Deps struct {
	Store  *observe.Store
	Hub    streaming.EventHub
	Logger *slog.Logger
	// IDs overrides uuid generation, for deterministic tests.
	IDs func() string
}

// Build resolves every node of def through reg, registers them in
// declaration order, installs the routes and validates the result. All
// failures surface before any processing: CONFIGURATION_ERROR for bad
// declarations, RESOLUTION_ERROR for unresolvable processor types.
func Build(def *schema.PipelineDefinition, reg *processors.Registry, deps Deps) (*Router, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline definition has no nodes")
	}

	resolved, err := reg.Resolve(def.Nodes)
	if err != nil {
		return nil, err
	}

	opts := []RouterOption{
		WithEntry(def.EntryTag()),
		WithTerminal(def.TerminalTag()),
		WithMaxSteps(def.StepLimit()),
		WithStore(deps.Store),
		WithHub(deps.Hub),
	}
	if deps.Logger != nil {
		opts = append(opts, WithLogger(deps.Logger))
	}
	if deps.IDs != nil {
		opts = append(opts, WithIDGenerator(deps.IDs))
	}

	r := NewRouter(opts...)
	for _, node := range resolved {
		if err := r.Register(node.Tag, node.Processor); err != nil {
			return nil, err
		}
	}
	r.SetRoutes(def.Routes)

	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := r.ValidateRoutes(); err != nil {
		return nil, err
	}

	r.logger.Debug("pipeline built",
		slog.String("name", def.Name),
		slog.String("entry", r.entry),
		slog.Int("nodes", len(resolved)),
	)
	return r, nil
}
