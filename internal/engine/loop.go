package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rendis/tagflow/internal/logging"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

// Stage is one step of the linear pipeline. It receives the record's
// correlation id, the value produced by the previous stage and the shared
// store, and returns the value for the next stage.
type Stage interface {
	Name() string
	Process(ctx context.Context, id string, value any, store *observe.Store) (any, error)
}

// StageFunc adapts a function to a named Stage via NewStage.
type StageFunc func(ctx context.Context, id string, value any, store *observe.Store) (any, error)

type namedStage struct {
	name string
	fn   StageFunc
}

// NewStage wraps fn as a Stage called name.
func NewStage(name string, fn StageFunc) Stage { return namedStage{name: name, fn: fn} }

func (s namedStage) Name() string { return s.name }

func (s namedStage) Process(ctx context.Context, id string, value any, store *observe.Store) (any, error) {
	return s.fn(ctx, id, value, store)
}

// LoopSettings bounds a loop run.
type LoopSettings struct {
	// Workers is the number of records processed concurrently.
	Workers int `json:"workers" mapstructure:"workers" validate:"min=1,max=1024"`
	// Rate is the synthetic source pace in lines per second; 0 is unpaced.
	Rate float64 `json:"rate" mapstructure:"rate" validate:"gte=0"`
	// Duration stops accepting records once elapsed; 0 runs until interrupted.
	Duration time.Duration `json:"duration" mapstructure:"duration" validate:"gte=0"`
}

// DefaultLoopSettings: 4 workers, 200 lines/s, 10s.
func DefaultLoopSettings() LoopSettings {
	return LoopSettings{Workers: 4, Rate: 200, Duration: 10 * time.Second}
}

var loopValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings bounds.
func (s LoopSettings) Validate() error {
	if err := loopValidator.Struct(s); err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid loop settings").WithCause(err)
	}
	return nil
}

// RecordResult is the outcome of one record.
type RecordResult struct {
	ID     string `json:"line_id"`
	Value  any    `json:"value,omitempty"`
	Failed bool   `json:"failed"`
	// Stage names the failing stage when Failed.
	Stage string `json:"stage,omitempty"`
	Err   error  `json:"-"`
}

// LoopResult summarizes a loop run.
type LoopResult struct {
	RunID       string                          `json:"run_id"`
	Processed   int64                           `json:"processed"`
	Failed      int64                           `json:"failed"`
	Elapsed     time.Duration                   `json:"elapsed"`
	Interrupted bool                            `json:"interrupted"`
	Snapshot    map[string]observe.StageMetrics `json:"snapshot"`
}

// Loop drives records through a fixed list of stages. A failing stage is
// recorded in the store and ends that record only; the run continues.
type Loop struct {
	store    *observe.Store
	stages   []Stage
	settings LoopSettings
	hub      streaming.EventHub
	logger   *slog.Logger
	newID    func() string
	fsm      *RunFSM
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithLoopSettings overrides DefaultLoopSettings.
func WithLoopSettings(s LoopSettings) LoopOption { return func(l *Loop) { l.settings = s } }

// WithLoopHub publishes record and run events to hub.
func WithLoopHub(hub streaming.EventHub) LoopOption { return func(l *Loop) { l.hub = hub } }

// WithLoopLogger sets the loop logger.
func WithLoopLogger(logger *slog.Logger) LoopOption { return func(l *Loop) { l.logger = logger } }

// WithLoopIDs overrides correlation and run id generation.
func WithLoopIDs(fn func() string) LoopOption { return func(l *Loop) { l.newID = fn } }

// NewLoop creates a Loop over stages, recording into store.
func NewLoop(store *observe.Store, stages []Stage, opts ...LoopOption) (*Loop, error) {
	if store == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "loop requires an observability store")
	}
	if len(stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "loop requires at least one stage")
	}
	seen := make(map[string]bool, len(stages))
	for i, st := range stages {
		if st == nil || st.Name() == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "stage %d is nil or unnamed", i)
		}
		if seen[st.Name()] {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate stage %q", st.Name())
		}
		seen[st.Name()] = true
	}

	l := &Loop{
		store:    store,
		stages:   stages,
		settings: DefaultLoopSettings(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.settings.Validate(); err != nil {
		return nil, err
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	l.fsm = NewRunFSM(l.hub)
	return l, nil
}

// Settings returns the loop settings.
func (l *Loop) Settings() LoopSettings { return l.settings }

// Stages returns the stage names in order.
func (l *Loop) Stages() []string {
	names := make([]string, len(l.stages))
	for i, st := range l.stages {
		names[i] = st.Name()
	}
	return names
}

// ProcessRecord runs raw through every stage under correlation id id.
func (l *Loop) ProcessRecord(ctx context.Context, id, raw string) RecordResult {
	l.store.AddTrace(id, "ingest", "ingested")

	var value any = raw
	for _, st := range l.stages {
		name := st.Name()
		stageCtx := logging.WithStage(logging.WithCorrelationID(ctx, id), name)
		l.store.AddTrace(id, name, "start")

		out, err := l.invoke(stageCtx, st, id, value)
		if err != nil {
			l.store.RecordError(name, id, err, value)
			l.store.AddTrace(id, name, "error:"+err.Error())
			logging.LogWith(stageCtx, l.logger).Debug("record failed", slog.String("error", err.Error()))
			l.publish(ctx, schema.EventRecordFailed, name, id, map[string]any{"error": err.Error()})
			return RecordResult{ID: id, Value: value, Failed: true, Stage: name, Err: err}
		}
		value = out
	}

	l.store.AddTrace(id, "complete", "completed")
	l.publish(ctx, schema.EventRecordCompleted, "", id, nil)
	return RecordResult{ID: id, Value: value}
}

func (l *Loop) invoke(ctx context.Context, st Stage, id string, value any) (out any, err error) {
	defer l.store.Timed(st.Name())()
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeProcessor, "stage %s panicked: %v", st.Name(), r).WithTag(st.Name())
		}
	}()
	return st.Process(ctx, id, value, l.store)
}

// Run feeds records from src through the stages until the source ends, the
// duration elapses or ctx is cancelled. In-flight records always complete.
// The final snapshot is taken after every accepted record has finished.
func (l *Loop) Run(ctx context.Context, src Source) (LoopResult, error) {
	runID := l.newID()
	state := newRunState(l.fsm, runID)
	if err := state.advance(ctx, schema.RunStatusRunning, nil); err != nil {
		return LoopResult{RunID: runID}, err
	}

	log := l.logger.With(slog.String("run_id", runID))
	log.Info("loop started",
		slog.Int("workers", l.settings.Workers),
		slog.Duration("duration", l.settings.Duration),
		slog.Any("stages", l.Stages()),
	)

	feedCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.settings.Duration > 0 {
		feedCtx, cancel = context.WithTimeout(ctx, l.settings.Duration)
	}
	defer cancel()

	pool := NewWorkerPool(l.settings.Workers, WithPanicHandler(func(r any) {
		log.Error("record worker panicked", slog.Any("panic", r))
	}))

	var processed, failed atomic.Int64
	recordCtx := logging.WithRunID(context.WithoutCancel(ctx), runID)
	start := time.Now()

	for line := range src(feedCtx) {
		if feedCtx.Err() != nil {
			break
		}
		id := l.newID()
		err := pool.Submit(feedCtx, func(context.Context) error {
			res := l.ProcessRecord(recordCtx, id, line)
			processed.Add(1)
			if res.Failed {
				failed.Add(1)
				return res.Err
			}
			return nil
		})
		if err != nil {
			break
		}
	}
	pool.Shutdown()

	res := LoopResult{
		RunID:       runID,
		Processed:   processed.Load(),
		Failed:      failed.Load(),
		Elapsed:     time.Since(start),
		Interrupted: ctx.Err() != nil,
		Snapshot:    l.store.SnapshotMetrics(),
	}

	final := schema.RunStatusCompleted
	if res.Interrupted {
		final = schema.RunStatusCancelled
	}
	_ = state.advance(recordCtx, final, map[string]any{"processed": res.Processed, "failed": res.Failed})
	l.publish(recordCtx, schema.EventMetricsSnapshot, "", "", res.Snapshot)

	log.Info("loop finished",
		slog.Int64("processed", res.Processed),
		slog.Int64("failed", res.Failed),
		slog.Duration("elapsed", res.Elapsed),
		slog.Bool("interrupted", res.Interrupted),
	)
	return res, nil
}

func (l *Loop) publish(ctx context.Context, eventType, stage, id string, payload any) {
	if l.hub == nil {
		return
	}
	_ = l.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		RunID:         logging.RunID(ctx),
		Stage:         stage,
		CorrelationID: id,
		EventType:     eventType,
		Payload:       payload,
	})
}

// Source yields raw records until exhausted or ctx is done.
type Source func(ctx context.Context) iter.Seq[string]

// SliceSource yields lines in order.
func SliceSource(lines ...string) Source {
	return func(ctx context.Context) iter.Seq[string] {
		return func(yield func(string) bool) {
			for _, line := range lines {
				if ctx.Err() != nil || !yield(line) {
					return
				}
			}
		}
	}
}

// ReaderSource yields the non-blank lines of r.
func ReaderSource(r io.Reader) Source {
	return func(ctx context.Context) iter.Seq[string] {
		return func(yield func(string) bool) {
			sc := bufio.NewScanner(r)
			for sc.Scan() {
				if ctx.Err() != nil {
					return
				}
				line := strings.TrimSpace(sc.Text())
				if line == "" {
					continue
				}
				if !yield(line) {
					return
				}
			}
		}
	}
}

// SyntheticSource generates records at about perSecond lines per second
// (unpaced when perSecond is 0). About 2% of lines are malformed and 5% of
// the rest carry type=bad. rng may be nil.
func SyntheticSource(perSecond float64, rng *rand.Rand) Source {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return func(ctx context.Context) iter.Seq[string] {
		return func(yield func(string) bool) {
			limiter := rate.NewLimiter(limit, 1)
			for n := 1; ; n++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				if !yield(syntheticLine(rng, n)) {
					return
				}
			}
		}
	}
}

func syntheticLine(rng *rand.Rand, n int) string {
	if rng.Float64() < 0.02 {
		return fmt.Sprintf("badline,missing_eq,%d", n)
	}
	kind := "good"
	if rng.Float64() >= 0.95 {
		kind = "bad"
	}
	return fmt.Sprintf("id=%d,type=%s,value=%d", n, kind, rng.IntN(100))
}
