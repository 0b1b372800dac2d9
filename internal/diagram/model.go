package diagram

// NodeKind classifies a diagram node by its role in the routing graph.
type NodeKind string

const (
	NodeKindEntry     NodeKind = "entry"
	NodeKindProcessor NodeKind = "processor"
	NodeKindTerminal  NodeKind = "terminal"
	// NodeKindDropped stands for an output tag that had no route.
	NodeKindDropped NodeKind = "dropped"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one tag in the diagram.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	Stats *StageOverlay
}

// StageOverlay carries observed metrics for a node.
type StageOverlay struct {
	Count  int64
	Errors int64
	AvgMs  float64
}

// Edge is a route from one node to another, weighted by the number of
// emissions that took it.
type Edge struct {
	From  string
	To    string
	Label string
	Count int64
	// Dropped marks emissions that had no route.
	Dropped bool
}
