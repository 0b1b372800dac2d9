package diagram

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output format.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
	FormatDOT ImageFormat = "dot"
)

// ParseImageFormat maps a user-supplied format name to an ImageFormat.
func ParseImageFormat(s string) (ImageFormat, error) {
	switch ImageFormat(s) {
	case FormatPNG, FormatSVG, FormatDOT:
		return ImageFormat(s), nil
	}
	return "", fmt.Errorf("diagram: unsupported image format %q", s)
}

// RenderImage renders a DiagramModel with graphviz in the given format.
// Edge widths grow with the square root of their counts.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	gvFormat, err := toGraphvizFormat(format)
	if err != nil {
		return nil, err
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.LRRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		label := firstLine(node.Label)
		if node.Stats != nil {
			label += fmt.Sprintf("\n%d in / %d err", node.Stats.Count, node.Stats.Errors)
		}
		gvNode.SetLabel(label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		e.SetLabel(edgeLabel(edge))
		e.SetPenWidth(penWidth(edge.Count))
		if edge.Dropped {
			e.SetStyle(cgraph.DashedEdgeStyle)
			e.SetColor("#888888")
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}

	return buf.Bytes(), nil
}

func toGraphvizFormat(f ImageFormat) (graphviz.Format, error) {
	switch f {
	case FormatPNG:
		return graphviz.PNG, nil
	case FormatSVG:
		return graphviz.SVG, nil
	case FormatDOT:
		return graphviz.XDOT, nil
	}
	return "", fmt.Errorf("diagram: unsupported image format %q", f)
}

// penWidth is 1 + sqrt(count).
func penWidth(count int64) float64 {
	if count <= 0 {
		return 1
	}
	w := 1 + math.Sqrt(float64(count))
	// keep two decimals so DOT output stays readable
	v, _ := strconv.ParseFloat(strconv.FormatFloat(w, 'f', 2, 64), 64)
	return v
}

// applyNodeStyle sets graphviz attributes based on node kind.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch node.Kind {
	case NodeKindEntry:
		gvNode.SetShape(cgraph.EllipseShape)
		gvNode.SetFillColor("#a1d99b")
	case NodeKindTerminal:
		gvNode.SetShape(cgraph.DoubleCircleShape)
		gvNode.SetFillColor("#fc9272")
	case NodeKindDropped:
		gvNode.SetShape(cgraph.NoteShape)
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#555555")
	default:
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetFillColor("#9ecae1")
	}
}
