package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/tagflow/internal/report"
	"github.com/rendis/tagflow/pkg/schema"
)

var runsFlags struct {
	limit int
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List archived runs, or show one as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

func init() {
	f := runsCmd.Flags()
	f.IntVarP(&runsFlags.limit, "limit", "n", 20, "runs listed")
	f.String("report", "", "table or markdown")
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if cfg.DBPath == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "archive is disabled: set db_path or pass --db")
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		run, err := a.archive.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	runs, err := a.archive.RecentRuns(ctx, runsFlags.limit)
	if err != nil {
		return err
	}
	mode, ok, err := reportMode(cfg.Report.Mode)
	if err != nil {
		return err
	}
	if !ok {
		mode = report.ASCII
	}
	_, err = fmt.Fprintln(out, report.Runs(runs, mode))
	return err
}
