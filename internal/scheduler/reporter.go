package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/report"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

// SnapshotJobName is the name the snapshot reporter registers under.
const SnapshotJobName = "metrics-snapshot"

// SnapshotReporter logs the store's metrics snapshot, one record per stage.
// When Out is set a table is written there too; when Hub is set a
// metrics.snapshot event is published.
type SnapshotReporter struct {
	Store  *observe.Store
	Hub    streaming.EventHub
	Out    io.Writer
	Logger *slog.Logger
}

// Run takes one snapshot. It satisfies JobFunc.
func (r *SnapshotReporter) Run(ctx context.Context) error {
	snap := r.Store.SnapshotMetrics()
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := snap[name]
		logger.Info("stage metrics",
			slog.String("stage", name),
			slog.Int64("count", m.Count),
			slog.Float64("avg_ms", m.AvgTime*1000),
			slog.Int64("errors", m.Errors),
		)
	}

	if r.Out != nil {
		if _, err := io.WriteString(r.Out, report.Snapshot(snap, report.ASCII)+"\n"); err != nil {
			return err
		}
	}
	if r.Hub != nil {
		return r.Hub.Publish(ctx, streaming.StreamEvent{
			EventType: schema.EventMetricsSnapshot,
			Payload:   snap,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// ScheduleSnapshots registers r on s under SnapshotJobName.
func ScheduleSnapshots(s *Scheduler, spec string, r *SnapshotReporter) error {
	return s.Add(SnapshotJobName, spec, r.Run)
}
