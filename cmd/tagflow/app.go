package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/tagflow/internal/archive"
	"github.com/rendis/tagflow/internal/definition"
	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/processors"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/internal/validation"
	"github.com/rendis/tagflow/pkg/schema"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg     Config
	logger  *slog.Logger
	metrics *prometheus.Registry
	store   *observe.Store
	hub     *streaming.MemoryHub
	archive *archive.Store
	guarded *processors.GuardedArchiver
	procs   *processors.Registry
	loader  *definition.Loader
}

func newApp(ctx context.Context, c Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     c,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		hub:     streaming.NewMemoryHub(),
	}

	collectors, err := observe.NewCollectors(a.metrics, "tagflow")
	if err != nil {
		return nil, fmt.Errorf("register collectors: %w", err)
	}
	a.store, err = observe.NewStore(c.Observe, observe.WithCollectors(collectors), observe.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if c.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		a.archive, err = archive.Open("file:" + c.DBPath)
		if err != nil {
			return nil, err
		}
		if err := a.archive.Migrate(ctx); err != nil {
			_ = a.archive.Close()
			return nil, err
		}
		a.guarded = processors.Guard(a.archive, processors.DefaultRetryPolicy(),
			processors.NewBreakers(processors.DefaultBreakerConfig()), logger)
	}

	a.procs, err = processors.NewDefaultRegistry(processors.Deps{Logger: logger, Archive: a.archiver()})
	if err != nil {
		a.Close()
		return nil, err
	}
	v, err := validation.NewPipelineValidator(a.procs)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.loader = definition.NewLoader(v)
	return a, nil
}

// archiver returns the guarded archive for sinks, nil when disabled.
func (a *app) archiver() processors.Archiver {
	if a.guarded == nil {
		return nil
	}
	return a.guarded
}

func (a *app) Close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("close archive", slog.String("error", err.Error()))
		}
	}
}

// loadPipeline reads the definition named by the pipeline setting.
func (a *app) loadPipeline() (*schema.PipelineDefinition, error) {
	if a.cfg.Pipeline == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "no pipeline definition: pass --pipeline or set pipeline in settings")
	}
	return a.loader.Load(a.cfg.Pipeline)
}

// router loads the pipeline and builds a Router wired to the store and hub.
func (a *app) router() (*schema.PipelineDefinition, *engine.Router, error) {
	def, err := a.loadPipeline()
	if err != nil {
		return nil, nil, err
	}
	r, err := engine.Build(def, a.procs, engine.Deps{Store: a.store, Hub: a.hub, Logger: a.logger})
	if err != nil {
		return nil, nil, err
	}
	return def, r, nil
}

// recordRun persists a run summary when the archive is enabled. Failures are
// logged, never returned.
func (a *app) recordRun(ctx context.Context, run archive.Run) {
	if a.archive == nil {
		return
	}
	if run.Snapshot == nil {
		if data, err := json.Marshal(a.store.SnapshotMetrics()); err == nil {
			run.Snapshot = data
		}
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	if err := a.archive.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		a.logger.Warn("record run", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

// routeRun maps a routing summary onto an archive run.
func routeRun(sum engine.RunSummary) archive.Run {
	run := archive.Run{
		ID:        sum.ID,
		Kind:      "route",
		Status:    string(sum.Status),
		Processed: int64(sum.Steps),
		Error:     sum.Error,
	}
	if sum.Status == schema.RunStatusFailed {
		run.Failed = 1
	}
	return run
}

// openInput opens path for reading; "" and "-" mean stdin.
func openInput(cmdIn io.Reader, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmdIn), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// readerLines adapts the non-blank lines of r into a Run input.
func readerLines(ctx context.Context, r io.Reader) iter.Seq[any] {
	lines := engine.ReaderSource(r)(ctx)
	return func(yield func(any) bool) {
		for line := range lines {
			if !yield(line) {
				return
			}
		}
	}
}

// routeInput drives every line of r through router, handing terminal items
// to emit. The summary is returned even when the run fails.
func routeInput(ctx context.Context, router *engine.Router, r io.Reader, emit func(engine.Item) error) (engine.RunSummary, error) {
	var runErr error
	for item, err := range router.Run(ctx, readerLines(ctx, r)) {
		if err != nil {
			runErr = err
			break
		}
		if emit == nil {
			continue
		}
		if err := emit(item); err != nil {
			runErr = err
			break
		}
	}
	return router.LastRun(), runErr
}

// serveHTTP runs h on addr inside g until ctx is done. Request contexts
// derive from ctx so streaming handlers end with it.
func serveHTTP(ctx context.Context, g *errgroup.Group, addr string, h http.Handler, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	})
}
