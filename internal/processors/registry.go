package processors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/tagflow/pkg/schema"
)

// Factory builds a processor instance from node params. Stateful processors
// get a fresh instance per node.
type Factory func(params map[string]any) (Processor, error)

// Definition is one registrable processor type.
type Definition struct {
	Name        string
	Description string
	Factory     Factory
}

// Resolved is a node whose type has been turned into a live processor.
type Resolved struct {
	Tag       string
	Type      string
	Processor Processor
}

// Registry maps processor type names to factories. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Definition),
	}
}

// Register adds a processor type. Returns error on duplicate name.
func (r *Registry) Register(name string, factory Factory, description string) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "processor name is empty")
	}
	if factory == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "processor %q has a nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "processor %q already registered", name)
	}

	r.entries[name] = Definition{Name: name, Description: description, Factory: factory}
	return nil
}

// RegisterPlugin bulk-registers processor types under a prefixed namespace.
// Each name becomes "prefix.originalName" (e.g. "acme.dedupe").
func (r *Registry) RegisterPlugin(prefix string, defs []Definition) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, d := range defs {
		if d.Name == "" || d.Factory == nil {
			return registered, schema.NewErrorf(schema.ErrCodeValidation,
				"plugin %q: processor %q needs a name and a factory", prefix, d.Name)
		}
		prefixed := fmt.Sprintf("%s.%s", prefix, d.Name)
		if _, exists := r.entries[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin processor %q already registered", prefixed)
		}
		d.Name = prefixed
		r.entries[prefixed] = d
		registered++
	}
	return registered, nil
}

// Get retrieves a factory by name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.entries[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeResolution, "processor type %q not registered", name).
			WithDetails(map[string]any{"type": name})
	}
	return d.Factory, nil
}

// Has checks if a processor type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Count returns the number of registered processor types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns info for all registered processor types, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for _, d := range r.entries {
		infos = append(infos, Info{Name: d.Name, Description: d.Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// New instantiates one processor of type name. Every failure is a
// RESOLUTION_ERROR: unknown name, factory error or panic, nil processor.
func (r *Registry) New(name string, params map[string]any) (p Processor, err error) {
	factory, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			p = nil
			err = schema.NewErrorf(schema.ErrCodeResolution, "processor %q factory panicked: %v", name, rec).
				WithDetails(map[string]any{"type": name})
		}
	}()

	p, err = factory(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution, "processor %q could not be instantiated: %s", name, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"type": name})
	}
	if p == nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution, "processor %q is not invocable: factory returned nil", name).
			WithDetails(map[string]any{"type": name})
	}
	return p, nil
}

// Resolve instantiates every node in order. A node's explicit emits list
// overrides whatever the processor declares. Duplicate or empty tags are a
// CONFIGURATION_ERROR; type failures are a RESOLUTION_ERROR naming the tag.
func (r *Registry) Resolve(nodes []schema.NodeDefinition) ([]Resolved, error) {
	seen := make(map[string]bool, len(nodes))
	var dups []string
	for _, n := range nodes {
		if strings.TrimSpace(n.Tag) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "node of type %q has an empty tag", n.Type)
		}
		if seen[n.Tag] {
			dups = append(dups, n.Tag)
		}
		seen[n.Tag] = true
	}
	if len(dups) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate node tags: %s", strings.Join(dups, ", ")).
			WithDetails(map[string]any{"tags": dups})
	}

	out := make([]Resolved, 0, len(nodes))
	for _, n := range nodes {
		p, err := r.New(n.Type, n.Params)
		if err != nil {
			var te *schema.TagflowError
			if errors.As(err, &te) {
				te.WithTag(n.Tag)
			}
			return nil, err
		}
		if len(n.Emits) > 0 {
			p = WithEmits(p, n.Emits...)
		}
		out = append(out, Resolved{Tag: n.Tag, Type: n.Type, Processor: p})
	}
	return out, nil
}
