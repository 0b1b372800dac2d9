package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph LR\n")

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Dropped {
			arrow = "-.->"
		}
		b.WriteString(fmt.Sprintf("    %s %s|%s| %s\n",
			mermaidSafeID(edge.From), arrow, mermaidEscapeLabel(edgeLabel(edge)), mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef entry fill:#a1d99b,stroke:#31a354,color:#000\n")
	b.WriteString("    classDef terminal fill:#fc9272,stroke:#de2d26,color:#000\n")
	b.WriteString("    classDef processor fill:#9ecae1,stroke:#3182bd,color:#000\n")
	b.WriteString("    classDef dropped fill:#e8e8e8,stroke:#888,color:#555,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), node.Kind))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))
	if node.Stats != nil {
		label += fmt.Sprintf(" (%d)", node.Stats.Count)
	}

	switch node.Kind {
	case NodeKindEntry:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindTerminal:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindDropped:
		return fmt.Sprintf("%s>%q]", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// edgeLabel is the output tag, followed by the count when one was observed.
func edgeLabel(e Edge) string {
	if e.Count == 0 {
		return e.Label
	}
	return fmt.Sprintf("%s: %d", e.Label, e.Count)
}

var mermaidKeywords = map[string]bool{
	"end": true, "graph": true, "subgraph": true, "flowchart": true,
	"class": true, "classDef": true, "style": true, "click": true,
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Keywords such as "end" get a trailing underscore.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "__")
	id = r.Replace(id)
	if mermaidKeywords[id] {
		id += "_"
	}
	return id
}

// mermaidEscapeLabel strips characters Mermaid treats as edge-label syntax.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer("|", "/", `"`, "'").Replace(s)
}
