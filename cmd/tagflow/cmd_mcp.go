package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/panel"
	"github.com/rendis/tagflow/pkg/mcp"
	"github.com/rendis/tagflow/pkg/schema"
)

var mcpFlags struct {
	http bool
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tagflow MCP tools",
	Long: `Starts an MCP server exposing metrics, traces, errors, transitions, runs,
the routing graph and a route tool for the configured pipeline. The server
speaks stdio by default; --http serves the streamable HTTP transport at /mcp
on --listen, with the dashboard mounted at / when --panel is set.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	f := mcpCmd.Flags()
	f.BoolVar(&mcpFlags.http, "http", false, "serve over streamable HTTP instead of stdio")
	f.String("listen", "", "HTTP listen address")
	f.Bool("panel", false, "mount the dashboard next to the HTTP transport")
	f.Bool("trace", false, "record per-line traces")
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		def    *schema.PipelineDefinition
		router *engine.Router
	)
	if cfg.Pipeline != "" {
		if def, router, err = a.router(); err != nil {
			return err
		}
	}

	srv, err := mcp.NewTagflowServer(mcp.ServerDeps{
		Store:      a.store,
		Router:     router,
		Definition: def,
		Archive:    a.archive,
		Hub:        a.hub,
		Logger:     logger,
		Version:    version,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	background, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error { return srv.ForwardEvents(background) })

	if !mcpFlags.http {
		g.Go(func() error {
			defer stop()
			if err := srv.Serve(background); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		return g.Wait()
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", srv.HTTPHandler())
	if cfg.Panel {
		deps := panel.PanelDeps{
			Store:      a.store,
			Hub:        a.hub,
			Definition: def,
			Gatherer:   a.metrics,
			Logger:     logger,
		}
		if router != nil {
			deps.Transitions = router
		}
		p, err := panel.NewPanelServer(deps)
		if err != nil {
			return err
		}
		mux.Handle("/", p.Handler())
	}
	serveHTTP(background, g, cfg.ListenAddr, mux, logger)
	return g.Wait()
}
