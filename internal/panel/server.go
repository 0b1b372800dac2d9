// Package panel serves the HTTP dashboard over the observability store:
// JSON query endpoints, the routing graph, Prometheus metrics and a live
// event stream.
package panel

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

//go:embed templates static
var content embed.FS

// TransitionSource reports (source, output tag) emission counts.
// *engine.Router satisfies it.
type TransitionSource interface {
	TransitionCounts() map[engine.Edge]int64
}

// PanelDeps holds the dependencies for the panel server. Only Store is
// required; endpoints backed by a missing dependency answer 404.
type PanelDeps struct {
	Store       *observe.Store
	Hub         streaming.EventHub
	Transitions TransitionSource
	Definition  *schema.PipelineDefinition
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// PanelServer serves the dashboard.
type PanelServer struct {
	deps PanelDeps
	page *template.Template
}

// NewPanelServer creates a PanelServer with its parsed page template.
func NewPanelServer(deps PanelDeps) (*PanelServer, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "panel requires an observability store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	funcMap := template.FuncMap{
		"json":     toJSON,
		"timeAgo":  timeAgo,
		"truncate": truncate,
		"ms":       millis,
	}
	page, err := template.New("").Funcs(funcMap).ParseFS(content, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("panel: parse templates: %w", err)
	}

	return &PanelServer{deps: deps, page: page}, nil
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	staticFS, _ := fs.Sub(content, "static")
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	mux.HandleFunc("GET /{$}", s.handleDashboard)

	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /trace", s.handleTraces)
	mux.HandleFunc("GET /trace/{id}", s.handleTrace)
	mux.HandleFunc("GET /errors", s.handleErrors)
	mux.HandleFunc("GET /transitions", s.handleTransitions)
	mux.HandleFunc("GET /graph", s.handleGraph)

	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	}

	return mux
}

// renderPage executes the named template.
func (s *PanelServer) renderPage(w http.ResponseWriter, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.ExecuteTemplate(w, page, data); err != nil {
		s.deps.Logger.Error("template render error", "page", page, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
