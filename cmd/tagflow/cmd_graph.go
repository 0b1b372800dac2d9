package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/tagflow/internal/diagram"
)

var graphFlags struct {
	input  string
	format string
	output string
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render the routing graph of a pipeline",
	Long: `Renders the pipeline's routing graph as Mermaid text (default), ASCII
boxes, or a Graphviz png, svg or dot document. With --input the lines are
routed first and edges are labelled with the observed transition counts.`,
	Args: cobra.NoArgs,
	RunE: runGraph,
}

func init() {
	f := graphCmd.Flags()
	f.StringVar(&graphFlags.input, "input", "", `route lines from a file ("-" for stdin) to weight the edges`)
	f.StringVarP(&graphFlags.format, "format", "f", "mermaid", "mermaid, ascii, png, svg or dot")
	f.StringVarP(&graphFlags.output, "output", "o", "", "write to a file instead of stdout")
}

func runGraph(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	def, router, err := a.router()
	if err != nil {
		return err
	}

	in := diagram.Input{Definition: def}
	if graphFlags.input != "" {
		r, err := openInput(cmd.InOrStdin(), graphFlags.input)
		if err != nil {
			return err
		}
		sum, runErr := routeInput(ctx, router, r, nil)
		r.Close()
		a.recordRun(ctx, routeRun(sum))
		if runErr != nil {
			return runErr
		}
		in.Transitions = router.TransitionCounts()
		in.Metrics = a.store.SnapshotMetrics()
	}

	model, err := diagram.Build(in)
	if err != nil {
		return err
	}

	var data []byte
	switch graphFlags.format {
	case "mermaid", "":
		data = []byte(diagram.RenderMermaid(model))
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	default:
		format, err := diagram.ParseImageFormat(graphFlags.format)
		if err != nil {
			return err
		}
		data, err = diagram.RenderImage(ctx, model, format)
		if err != nil {
			return err
		}
	}

	var w io.Writer = cmd.OutOrStdout()
	if graphFlags.output != "" {
		f, err := os.Create(graphFlags.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	_, err = w.Write(data)
	return err
}
