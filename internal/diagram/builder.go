package diagram

import (
	"fmt"
	"slices"
	"sort"

	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/pkg/schema"
)

// Input is what Build draws: a definition plus optional observed counts.
type Input struct {
	Definition *schema.PipelineDefinition
	// Transitions are (source, output tag) emission counts.
	Transitions map[engine.Edge]int64
	// Metrics are per-stage metrics keyed by tag.
	Metrics map[string]observe.StageMetrics
}

// Build constructs a DiagramModel from a pipeline definition. Routed edges
// are labeled with their output tag and weighted by the emissions that took
// them; emissions with no route are drawn to a dropped node.
func Build(in Input) (*DiagramModel, error) {
	def := in.Definition
	if def == nil {
		return nil, fmt.Errorf("diagram: nil pipeline definition")
	}

	entry, terminal := def.EntryTag(), def.TerminalTag()
	index := make(map[string]*Node, len(def.Nodes)+1)
	nodes := make([]*Node, 0, len(def.Nodes)+1)
	add := func(n *Node) *Node {
		if existing, ok := index[n.ID]; ok {
			return existing
		}
		index[n.ID] = n
		nodes = append(nodes, n)
		return n
	}

	for _, nd := range def.Nodes {
		kind := NodeKindProcessor
		if nd.Tag == entry {
			kind = NodeKindEntry
		}
		n := add(&Node{ID: nd.Tag, Label: nodeLabel(nd), Kind: kind})
		if m, ok := in.Metrics[nd.Tag]; ok {
			n.Stats = &StageOverlay{Count: m.Count, Errors: m.Errors, AvgMs: m.AvgTime * 1000}
		}
	}
	add(&Node{ID: terminal, Label: terminal, Kind: NodeKindTerminal})

	edges := routedEdges(def.Routes, in.Transitions, add)
	edges = append(edges, droppedEdges(def.Routes, in.Transitions, add)...)

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(entry, nodes, edges),
	}, nil
}

func nodeLabel(nd schema.NodeDefinition) string {
	if nd.Type == "" || nd.Type == nd.Tag {
		return nd.Tag
	}
	return fmt.Sprintf("%s\n(%s)", nd.Tag, nd.Type)
}

// routedEdges emits one edge per (source, output, destination) route entry.
// The default bucket is weighted by every output without an explicit entry.
func routedEdges(routes schema.RouteTable, counts map[engine.Edge]int64, add func(*Node) *Node) []Edge {
	var edges []Edge
	for _, source := range sortedKeys(routes) {
		outs := routes[source]
		for _, out := range sortedKeys(outs) {
			n := counts[engine.Edge{From: source, To: out}]
			if out == schema.DefaultRouteKey {
				n = 0
				for e, c := range counts {
					if _, explicit := outs[e.To]; e.From == source && (!explicit || e.To == schema.DefaultRouteKey) {
						n += c
					}
				}
			}
			for _, dest := range outs[out] {
				add(&Node{ID: dest, Label: dest, Kind: NodeKindProcessor})
				edges = append(edges, Edge{From: source, To: dest, Label: out, Count: n})
			}
		}
	}
	return edges
}

func droppedEdges(routes schema.RouteTable, counts map[engine.Edge]int64, add func(*Node) *Node) []Edge {
	var dropped []engine.Edge
	for e := range counts {
		if _, ok := routes.Destinations(e.From, e.To); !ok {
			dropped = append(dropped, e)
		}
	}
	sort.Slice(dropped, func(i, j int) bool {
		if dropped[i].From != dropped[j].From {
			return dropped[i].From < dropped[j].From
		}
		return dropped[i].To < dropped[j].To
	})

	edges := make([]Edge, 0, len(dropped))
	for _, e := range dropped {
		id := "dropped:" + e.To
		add(&Node{ID: id, Label: e.To, Kind: NodeKindDropped})
		edges = append(edges, Edge{From: e.From, To: id, Label: e.To, Count: counts[e], Dropped: true})
	}
	return edges
}

// buildLevels assigns nodes to breadth-first levels from entry. Nodes the
// entry cannot reach form a trailing level.
func buildLevels(entry string, nodes []*Node, edges []Edge) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	seen := map[string]bool{}
	var levels [][]string
	frontier := []string{}
	for _, n := range nodes {
		if n.ID == entry {
			frontier = append(frontier, entry)
			seen[entry] = true
		}
	}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range adj[id] {
				if !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	var rest []string
	for _, n := range nodes {
		if !seen[n.ID] {
			rest = append(rest, n.ID)
		}
	}
	if len(rest) > 0 {
		levels = append(levels, rest)
	}
	return levels
}

func titleFromDef(def *schema.PipelineDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "Pipeline"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
