package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/tagflow/internal/archive"
	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/panel"
	"github.com/rendis/tagflow/internal/report"
	"github.com/rendis/tagflow/internal/scheduler"
)

var loopFlags struct {
	input string
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run the linear parse/enrich/classify/sink loop",
	Long: `Feeds records through the fixed parse, enrich, classify and sink stages.
Records come from --input, or from a synthetic generator paced at --rate
lines per second. The run stops after --duration (0 runs until interrupted)
and prints the final per-stage metrics. With --panel the dashboard is served
on --listen while the loop runs; --schedule logs periodic snapshots.`,
	Args: cobra.NoArgs,
	RunE: runLoop,
}

func init() {
	f := loopCmd.Flags()
	f.StringVar(&loopFlags.input, "input", "", `read records from a file ("-" for stdin) instead of generating them`)
	f.Int("workers", 0, "records processed concurrently")
	f.Float64("rate", 0, "synthetic lines per second; 0 is unpaced")
	f.Duration("duration", 0, "stop accepting records after this long; 0 runs until interrupted")
	f.Bool("trace", false, "record per-record traces")
	f.Int("traces-max", 0, "traces kept")
	f.Int("errors-max", 0, "error records kept")
	f.Bool("panel", false, "serve the dashboard while the loop runs")
	f.String("listen", "", "dashboard listen address")
	f.String("schedule", "", `cron spec for periodic snapshots, e.g. "@every 10s"; empty disables`)
	f.String("report", "", "final report format: table, markdown or none")
}

func runLoop(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	mode, showReport, err := reportMode(cfg.Report.Mode)
	if err != nil {
		return err
	}
	if err := cfg.Loop.Validate(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	loop, err := engine.NewLoop(a.store,
		engine.DefaultStages(engine.StageDeps{Archive: a.archiver()}),
		engine.WithLoopSettings(cfg.Loop),
		engine.WithLoopHub(a.hub),
		engine.WithLoopLogger(logger),
	)
	if err != nil {
		return err
	}

	src := engine.SyntheticSource(cfg.Loop.Rate, nil)
	if loopFlags.input != "" {
		in, err := openInput(cmd.InOrStdin(), loopFlags.input)
		if err != nil {
			return err
		}
		defer in.Close()
		src = engine.ReaderSource(in)
	}

	g, gctx := errgroup.WithContext(ctx)
	background, stopBackground := context.WithCancel(gctx)
	defer stopBackground()

	if cfg.Panel {
		srv, err := panel.NewPanelServer(panel.PanelDeps{
			Store:    a.store,
			Hub:      a.hub,
			Gatherer: a.metrics,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		serveHTTP(background, g, cfg.ListenAddr, srv.Handler(), logger)
	}

	if cfg.Report.Schedule != "" {
		sched := scheduler.NewScheduler(logger)
		reporter := &scheduler.SnapshotReporter{Store: a.store, Hub: a.hub, Logger: logger}
		if err := scheduler.ScheduleSnapshots(sched, cfg.Report.Schedule, reporter); err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(background) })
	}

	var result engine.LoopResult
	g.Go(func() error {
		defer stopBackground()
		var err error
		result, err = loop.Run(gctx, src)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	run := archive.Run{
		ID:        result.RunID,
		Kind:      "loop",
		Status:    "completed",
		Processed: result.Processed,
		Failed:    result.Failed,
	}
	if result.Interrupted {
		run.Status = "cancelled"
	}
	if data, err := json.Marshal(result.Snapshot); err == nil {
		run.Snapshot = data
	}
	a.recordRun(ctx, run)

	if showReport {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s: %d processed, %d failed in %s\n",
			result.RunID, result.Processed, result.Failed, result.Elapsed.Round(1e6))
		fmt.Fprintln(out, report.Snapshot(result.Snapshot, mode))
	}
	return nil
}
