package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/report"
)

var routeFlags struct {
	asJSON bool
}

var routeCmd = &cobra.Command{
	Use:   "route [input]",
	Short: "Route lines through a pipeline definition",
	Long: `Reads lines from input (a file, or stdin when omitted or "-"), routes them
from the pipeline's entry tag and prints every payload that reaches the
terminal tag. Transition counts and recorded errors are reported on stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRoute,
}

func init() {
	f := routeCmd.Flags()
	f.BoolVar(&routeFlags.asJSON, "json", false, "print terminal items as JSON objects")
	f.Bool("trace", false, "record per-line traces")
	f.String("report", "", "report format on stderr: table, markdown or none")
}

func runRoute(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mode, showReport, err := reportMode(cfg.Report.Mode)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	_, router, err := a.router()
	if err != nil {
		return err
	}

	var path string
	if len(args) > 0 {
		path = args[0]
	}
	in, err := openInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	defer in.Close()

	out := cmd.OutOrStdout()
	sum, runErr := routeInput(ctx, router, in, func(item engine.Item) error {
		return writeItem(out, item, routeFlags.asJSON)
	})
	a.recordRun(ctx, routeRun(sum))

	logger.Info("route finished",
		slog.String("run_id", sum.ID),
		slog.String("status", string(sum.Status)),
		slog.Int("steps", sum.Steps),
		slog.Int("yielded", sum.Yielded),
	)

	if showReport {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintln(errOut, report.Transitions(router.TransitionCounts(), router.DropCounts(), mode))
		if recs := a.store.RecentErrors(0); len(recs) > 0 {
			fmt.Fprintln(errOut, report.Errors(recs, mode))
		}
	}
	return runErr
}
