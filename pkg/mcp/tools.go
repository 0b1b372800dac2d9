package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/tagflow/internal/diagram"
	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
)

// --- Tool definitions ---

func metricsTool() mcp.Tool {
	return mcp.NewTool("tagflow.metrics",
		mcp.WithDescription("Get per-stage metrics: invocation count, total and average time in seconds, error count"),
	)
}

func tracesTool() mcp.Tool {
	return mcp.NewTool("tagflow.traces",
		mcp.WithDescription("Get recent per-line traces (newest first), or one trace by line_id. Fails when tracing is disabled"),
		mcp.WithNumber("limit", mcp.Description("Maximum traces to return (default 100)"), mcp.Min(1)),
		mcp.WithString("line_id", mcp.Description("Correlation id of a single trace")),
	)
}

func errorsTool() mcp.Tool {
	return mcp.NewTool("tagflow.errors",
		mcp.WithDescription("Get recent error records (newest first) with the offending payload"),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default 100)"), mcp.Min(1)),
	)
}

func transitionsTool() mcp.Tool {
	return mcp.NewTool("tagflow.transitions",
		mcp.WithDescription("Get (source tag, output tag) emission counts of the routing engine, highest first"),
	)
}

func routeTool() mcp.Tool {
	return mcp.NewTool("tagflow.route",
		mcp.WithDescription("Route lines through the loaded pipeline and return the payloads that reached the terminal tag"),
		mcp.WithArray("lines", mcp.Required(), mcp.WithStringItems(), mcp.MinItems(1),
			mcp.Description("Input lines, seeded at the entry tag in order")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("tagflow.diagram",
		mcp.WithDescription("Draw the routing graph weighted by observed transitions. Returns ASCII art, Mermaid flowchart syntax, or a PNG image"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("tagflow.runs",
		mcp.WithDescription("List archived run summaries, most recent first"),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20)"), mcp.Min(1)),
	)
}

// --- Handlers ---

func (s *TagflowServer) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.store.SnapshotMetrics())
}

func (s *TagflowServer) handleTraces(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.store.TracingEnabled() {
		return mcp.NewToolResultError("tracing disabled"), nil
	}
	if id := req.GetString("line_id", ""); id != "" {
		trace, ok := s.store.Trace(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("trace %q not found", id)), nil
		}
		return marshalResult(trace)
	}
	limit := req.GetInt("limit", 100)
	if limit <= 0 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	traces := s.store.RecentTraces(limit)
	if traces == nil {
		traces = []observe.TraceEntry{}
	}
	return marshalResult(traces)
}

func (s *TagflowServer) handleErrors(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 100)
	if limit <= 0 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	errs := s.store.RecentErrors(limit)
	if errs == nil {
		errs = []observe.ErrorRecord{}
	}
	return marshalResult(errs)
}

// TransitionView is one (source, output tag) count.
type TransitionView struct {
	From    string `json:"from"`
	Output  string `json:"output"`
	Count   int64  `json:"count"`
	Dropped int64  `json:"dropped,omitempty"`
}

func (s *TagflowServer) handleTransitions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.router == nil {
		return mcp.NewToolResultError("no pipeline loaded"), nil
	}
	counts, drops := s.router.TransitionCounts(), s.router.DropCounts()
	out := make([]TransitionView, 0, len(counts))
	for e, n := range counts {
		out = append(out, TransitionView{From: e.From, Output: e.To, Count: n, Dropped: drops[e]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Output < out[j].Output
	})
	return marshalResult(out)
}

// RouteItem is one payload that reached the terminal tag.
type RouteItem struct {
	LineID  string `json:"line_id"`
	Payload any    `json:"payload"`
}

// RouteResult is the tagflow.route response.
type RouteResult struct {
	Run   engine.RunSummary `json:"run"`
	Items []RouteItem       `json:"items"`
}

func (s *TagflowServer) handleRoute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.router == nil {
		return mcp.NewToolResultError("no pipeline loaded"), nil
	}
	lines, err := req.RequireStringSlice("lines")
	if err != nil || len(lines) == 0 {
		return mcp.NewToolResultError("lines is required"), nil
	}

	s.routeMu.Lock()
	defer s.routeMu.Unlock()

	items, runErr := engine.Collect(s.router.Run(ctx, engine.Lines(lines...)))
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("routing failed: %v", runErr)), nil
	}

	result := RouteResult{Run: s.router.LastRun(), Items: make([]RouteItem, 0, len(items))}
	for _, it := range items {
		result.Items = append(result.Items, RouteItem{LineID: it.CorrelationID, Payload: it.Payload})
	}
	return marshalResult(result)
}

// handleDiagram draws the routing graph in the requested format.
func (s *TagflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	if s.definition == nil {
		return mcp.NewToolResultError("no pipeline loaded"), nil
	}

	in := diagram.Input{Definition: s.definition, Metrics: s.store.SnapshotMetrics()}
	if s.router != nil {
		in.Transitions = s.router.TransitionCounts()
	}
	model, buildErr := diagram.Build(in)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

func (s *TagflowServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.archive == nil {
		return mcp.NewToolResultError("no archive configured"), nil
	}
	runs, err := s.archive.RecentRuns(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	return marshalResult(runs)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
