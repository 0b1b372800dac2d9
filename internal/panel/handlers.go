package panel

import (
	"net/http"
	"sort"

	"github.com/rendis/tagflow/internal/diagram"
	"github.com/rendis/tagflow/internal/observe"
)

const defaultLimit = 100

// TransitionView is one (source, output tag) count.
type TransitionView struct {
	From   string `json:"from"`
	Output string `json:"output"`
	Count  int64  `json:"count"`
}

type stageRow struct {
	Name string
	observe.StageMetrics
}

type dashboardData struct {
	Title          string
	Stages         []stageRow
	Errors         []observe.ErrorRecord
	Transitions    []TransitionView
	Graph          string
	TracingEnabled bool
	LiveEvents     bool
}

func (s *PanelServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Store.SnapshotMetrics()
	data := dashboardData{
		Title:          "tagflow",
		Errors:         s.deps.Store.RecentErrors(10),
		Transitions:    s.transitions(),
		TracingEnabled: s.deps.Store.TracingEnabled(),
		LiveEvents:     s.deps.Hub != nil,
	}
	for _, name := range s.deps.Store.StageNames() {
		data.Stages = append(data.Stages, stageRow{Name: name, StageMetrics: snap[name]})
	}
	if def := s.deps.Definition; def != nil {
		if def.Name != "" {
			data.Title = def.Name
		}
		if model, err := s.model(); err == nil {
			data.Graph = diagram.RenderMermaid(model)
		}
	}
	s.renderPage(w, "dashboard", data)
}

func (s *PanelServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.SnapshotMetrics())
}

func (s *PanelServer) handleTraces(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Store.TracingEnabled() {
		writeError(w, http.StatusBadRequest, "tracing disabled")
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	traces := s.deps.Store.RecentTraces(limit)
	if traces == nil {
		traces = []observe.TraceEntry{}
	}
	writeJSON(w, http.StatusOK, traces)
}

func (s *PanelServer) handleTrace(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Store.TracingEnabled() {
		writeError(w, http.StatusBadRequest, "tracing disabled")
		return
	}
	trace, ok := s.deps.Store.Trace(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *PanelServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	errs := s.deps.Store.RecentErrors(limit)
	if errs == nil {
		errs = []observe.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *PanelServer) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transitions == nil {
		writeError(w, http.StatusNotFound, "no routing engine attached")
		return
	}
	writeJSON(w, http.StatusOK, s.transitions())
}

// handleGraph renders the routing graph. format is mermaid (default), svg,
// png or dot.
func (s *PanelServer) handleGraph(w http.ResponseWriter, r *http.Request) {
	if s.deps.Definition == nil {
		writeError(w, http.StatusNotFound, "no pipeline definition attached")
		return
	}
	model, err := s.model()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" || format == "mermaid" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
		return
	}

	imgFormat, err := diagram.ParseImageFormat(format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	img, err := diagram.RenderImage(r.Context(), model, imgFormat)
	if err != nil {
		s.deps.Logger.Error("graph render failed", "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, "graph render failed")
		return
	}
	w.Header().Set("Content-Type", imageContentType(imgFormat))
	_, _ = w.Write(img)
}

func (s *PanelServer) model() (*diagram.DiagramModel, error) {
	in := diagram.Input{
		Definition: s.deps.Definition,
		Metrics:    s.deps.Store.SnapshotMetrics(),
	}
	if s.deps.Transitions != nil {
		in.Transitions = s.deps.Transitions.TransitionCounts()
	}
	return diagram.Build(in)
}

// transitions returns counts ordered by count descending, then by edge.
func (s *PanelServer) transitions() []TransitionView {
	out := []TransitionView{}
	if s.deps.Transitions == nil {
		return out
	}
	for e, n := range s.deps.Transitions.TransitionCounts() {
		out = append(out, TransitionView{From: e.From, Output: e.To, Count: n})
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
	return out
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := queryInt(r, "limit", defaultLimit)
	if limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func imageContentType(f diagram.ImageFormat) string {
	switch f {
	case diagram.FormatPNG:
		return "image/png"
	case diagram.FormatSVG:
		return "image/svg+xml"
	default:
		return "text/vnd.graphviz; charset=utf-8"
	}
}
