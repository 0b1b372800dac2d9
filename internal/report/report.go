// Package report renders metric snapshots, transitions, errors and archived
// runs as terminal or Markdown tables.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/rendis/tagflow/internal/archive"
	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
)

// Mode controls the output format.
type Mode int

const (
	ASCII    Mode = iota // Fixed-width terminal tables
	Markdown             // GitHub-flavoured Markdown tables
)

// ParseMode maps "table"/"ascii" and "markdown"/"md" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "table", "ascii":
		return ASCII, nil
	case "markdown", "md":
		return Markdown, nil
	}
	return ASCII, fmt.Errorf("report: unknown mode %q", s)
}

func newWriter(m Mode) table.Writer {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return w
}

func render(w table.Writer, m Mode) string {
	if m == Markdown {
		return w.RenderMarkdown()
	}
	return w.Render()
}

func rightAligned(cols ...int) []table.ColumnConfig {
	cfgs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		cfgs[i] = table.ColumnConfig{Number: c, Align: text.AlignRight, AlignFooter: text.AlignRight}
	}
	return cfgs
}

// Snapshot renders per-stage metrics sorted by stage name with a totals footer.
func Snapshot(snap map[string]observe.StageMetrics, m Mode) string {
	w := newWriter(m)
	w.AppendHeader(table.Row{"stage", "count", "avg ms", "total ms", "errors"})

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var count, errors int64
	var total float64
	for _, name := range names {
		s := snap[name]
		w.AppendRow(table.Row{name, s.Count, ms(s.AvgTime), ms(s.TotalTime), s.Errors})
		count += s.Count
		errors += s.Errors
		total += s.TotalTime
	}
	w.AppendFooter(table.Row{"total", count, "", ms(total), errors})
	w.SetColumnConfigs(rightAligned(2, 3, 4, 5))
	return render(w, m)
}

// Transitions renders (source, output) counts, highest first. Edges present
// in drops are marked as dropped.
func Transitions(counts, drops map[engine.Edge]int64, m Mode) string {
	w := newWriter(m)
	w.AppendHeader(table.Row{"from", "output", "count", "dropped"})

	edges := make([]engine.Edge, 0, len(counts))
	for e := range counts {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if counts[edges[i]] != counts[edges[j]] {
			return counts[edges[i]] > counts[edges[j]]
		}
		return edges[i].String() < edges[j].String()
	})

	var total int64
	for _, e := range edges {
		dropped := ""
		if n := drops[e]; n > 0 {
			dropped = fmt.Sprint(n)
		}
		w.AppendRow(table.Row{e.From, e.To, counts[e], dropped})
		total += counts[e]
	}
	w.AppendFooter(table.Row{"total", "", total, ""})
	w.SetColumnConfigs(rightAligned(3, 4))
	return render(w, m)
}

// Errors renders error records in the order given.
func Errors(recs []observe.ErrorRecord, m Mode) string {
	w := newWriter(m)
	w.AppendHeader(table.Row{"time", "stage", "line id", "error"})
	for _, r := range recs {
		w.AppendRow(table.Row{r.Timestamp.Format("15:04:05.000"), r.Stage, r.CorrelationID, r.Error})
	}
	w.SetColumnConfigs([]table.ColumnConfig{{Number: 4, WidthMax: 80}})
	return render(w, m)
}

// Runs renders archived run summaries.
func Runs(runs []archive.Run, m Mode) string {
	w := newWriter(m)
	w.AppendHeader(table.Row{"id", "kind", "status", "processed", "failed", "finished", "error"})
	for _, r := range runs {
		w.AppendRow(table.Row{r.ID, r.Kind, r.Status, r.Processed, r.Failed, r.FinishedAt.Format("2006-01-02 15:04:05"), r.Error})
	}
	w.SetColumnConfigs(append(rightAligned(4, 5), table.ColumnConfig{Number: 7, WidthMax: 60}))
	return render(w, m)
}

func ms(seconds float64) string {
	return fmt.Sprintf("%.3f", seconds*1000)
}
