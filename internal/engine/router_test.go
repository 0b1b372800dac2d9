package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/processors"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestStore(t *testing.T) *observe.Store {
	t.Helper()
	s, err := observe.NewStore(observe.Settings{EnableTracing: true, TracesMax: 100, ErrorsMax: 100})
	require.NoError(t, err)
	return s
}

// errorClassifier tags ERROR lines as end with a marker, everything else as general.
func errorClassifier() processors.Processor {
	return processors.Lines(func(line string) (string, string, bool) {
		if strings.Contains(line, "ERROR") {
			return "end", "[ERROR]: " + line, true
		}
		return "general", line, true
	})
}

func TestRouter_ClassifyExample(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", errorClassifier()))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})

	items, err := Collect(r.Run(context.Background(), Lines("ERROR disk", "ok", "ERROR net")))
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "end", items[0].Tag)
	assert.Equal(t, "[ERROR]: ERROR disk", items[0].Payload)
	assert.Equal(t, "end", items[1].Tag)
	assert.Equal(t, "[ERROR]: ERROR net", items[1].Payload)

	counts := r.TransitionCounts()
	assert.Equal(t, int64(2), counts[Edge{"start", "end"}])
	assert.Equal(t, int64(1), counts[Edge{"start", "general"}])
	assert.Equal(t, map[Edge]int64{{"start", "general"}: 1}, r.DropCounts())
}

func TestRouter_TransitionCountsMatchEmissions(t *testing.T) {
	emitted := map[Edge]int64{}
	fanout := processors.PerItem(func(_ context.Context, payload any, emit processors.Emit) error {
		line := payload.(string)
		for _, out := range []string{"a", "b", "nowhere"} {
			emitted[Edge{"start", out}]++
			if err := emit(out, line+out); err != nil {
				return err
			}
		}
		return nil
	})
	sink := processors.PerItem(func(_ context.Context, payload any, emit processors.Emit) error {
		emitted[Edge{"collect", "done"}]++
		return emit("done", payload)
	})

	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", fanout))
	require.NoError(t, r.Register("collect", sink))
	r.SetRoutes(schema.RouteTable{
		"start":   {"a": {"collect"}, "b": {"collect", "end"}},
		"collect": {"default": {"end"}},
	})

	items, err := Collect(r.Run(context.Background(), Lines("x", "y", "z")))
	require.NoError(t, err)
	assert.Len(t, items, 3+6)
	assert.Equal(t, emitted, r.TransitionCounts())
	assert.Equal(t, int64(3), r.DropCounts()[Edge{"start", "nowhere"}])
}

func TestRouter_DefaultBucket(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", processors.Lines(func(line string) (string, string, bool) {
		return "anything-" + line, line, true
	})))
	r.SetRoutes(schema.RouteTable{"start": {"default": {"end"}}})

	items, err := Collect(r.Run(context.Background(), Lines("1", "2")))
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Empty(t, r.DropCounts())
}

func TestRouter_NoImplicitIdentityRoute(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", processors.Lines(func(line string) (string, string, bool) {
		return "end", line, true
	})))

	items, err := Collect(r.Run(context.Background(), Lines("a")))
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int64(1), r.DropCounts()[Edge{"start", "end"}])
}

func TestRouter_DropWarnsOncePerEdge(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	r := NewRouter(WithLogger(logger))
	require.NoError(t, r.Register("start", errorClassifier()))

	_, err := Collect(r.Run(context.Background(), Lines("a", "b", "c")))
	require.NoError(t, err)
	_, err = Collect(r.Run(context.Background(), Lines("d")))
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(buf.String(), "dropping emissions with no route"))
	assert.Equal(t, int64(4), r.DropCounts()[Edge{"start", "general"}])
}

func TestRouter_RoutingErrorForUnregisteredDestination(t *testing.T) {
	store := newTestStore(t)
	r := NewRouter(WithLogger(quietLogger()), WithStore(store))
	require.NoError(t, r.Register("start", errorClassifier()))
	r.SetRoutes(schema.RouteTable{"start": {"general": {"ghost"}}})

	items, err := Collect(r.Run(context.Background(), Lines("ERROR first", "ok")))
	require.Error(t, err)
	assert.Empty(t, items)

	var te *schema.TagflowError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeRouting, te.Code)
	assert.Equal(t, "start", te.Tag)
	assert.Equal(t, "ok", te.Payload)
	assert.Equal(t, "ghost", te.Details["destination"])

	errs := store.RecentErrors(0)
	require.Len(t, errs, 1)
	assert.Equal(t, "start", errs[0].Stage)
	assert.Equal(t, schema.RunStatusFailed, r.LastRun().Status)
}

func TestRouter_StepLimitOnSelfLoop(t *testing.T) {
	loop := processors.PerItem(func(_ context.Context, payload any, emit processors.Emit) error {
		return emit("again", payload)
	})
	r := NewRouter(WithLogger(quietLogger()), WithEntry("loop"), WithMaxSteps(100))
	require.NoError(t, r.Register("loop", loop))
	r.SetRoutes(schema.RouteTable{"loop": {"again": {"loop"}}})

	done := make(chan error, 1)
	go func() {
		_, err := Collect(r.Run(context.Background(), Lines("spin")))
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeStepLimit))
		var te *schema.TagflowError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "loop", te.Tag)
		assert.Equal(t, 101, r.LastRun().Steps)
	case <-time.After(5 * time.Second):
		t.Fatal("self-loop did not terminate")
	}
}

func TestRouter_StepLimitCountsPayloads(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()), WithMaxSteps(3))
	require.NoError(t, r.Register("start", processors.Lines(func(line string) (string, string, bool) {
		return "end", line, true
	})))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})

	items, err := Collect(r.Run(context.Background(), Lines("a", "b", "c")))
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = Collect(r.Run(context.Background(), Lines("a", "b", "c", "d")))
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepLimit))
	assert.Len(t, items, 3, "results before the failure are kept")
}

func TestRouter_ProcessorError(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("boom")
	r := NewRouter(WithLogger(quietLogger()), WithStore(store), WithIDGenerator(sequentialIDs("id")))
	require.NoError(t, r.Register("start", processors.PerItem(func(_ context.Context, payload any, emit processors.Emit) error {
		if payload == "bad" {
			return boom
		}
		return emit("end", payload)
	})))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})

	items, err := Collect(r.Run(context.Background(), Lines("good", "bad", "never")))
	require.Len(t, items, 1)
	assert.Equal(t, "good", items[0].Payload)

	var te *schema.TagflowError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, schema.ErrCodeProcessor, te.Code)
	assert.Equal(t, "start", te.Tag)
	assert.Equal(t, "bad", te.Payload)
	assert.ErrorIs(t, err, boom)

	snap := store.SnapshotMetrics()["start"]
	assert.Equal(t, int64(1), snap.Count)
	assert.Equal(t, int64(1), snap.Errors)

	errs := store.RecentErrors(0)
	require.Len(t, errs, 1)
	// id-1 is the run, id-2..4 the lines.
	assert.Equal(t, "id-3", errs[0].CorrelationID)
}

func TestRouter_ProcessorPanic(t *testing.T) {
	store := newTestStore(t)
	r := NewRouter(WithLogger(quietLogger()), WithStore(store))
	require.NoError(t, r.Register("start", processors.PerItem(func(context.Context, any, processors.Emit) error {
		panic("exploded")
	})))

	_, err := Collect(r.Run(context.Background(), Lines("x")))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeProcessor))
	assert.Contains(t, err.Error(), "exploded")
	assert.Equal(t, int64(1), store.SnapshotMetrics()["start"].Count)
}

func TestRouter_BatchPerTag(t *testing.T) {
	store := newTestStore(t)
	var batchSizes []int
	counting := processors.Func(func(_ context.Context, batch processors.Batch, emit processors.Emit) error {
		n := 0
		for payload := range batch {
			n++
			if err := emit("next", payload); err != nil {
				return err
			}
		}
		batchSizes = append(batchSizes, n)
		return nil
	})
	r := NewRouter(WithLogger(quietLogger()), WithStore(store))
	require.NoError(t, r.Register("start", counting))
	require.NoError(t, r.Register("fmt", processors.Lines(func(line string) (string, string, bool) {
		return "out", "<" + line + ">", true
	})))
	r.SetRoutes(schema.RouteTable{
		"start": {"next": {"fmt"}},
		"fmt":   {"out": {"end"}},
	})

	items, err := Collect(r.Run(context.Background(), Lines("a", "b", "c")))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []any{"<a>", "<b>", "<c>"}, []any{items[0].Payload, items[1].Payload, items[2].Payload})

	assert.Equal(t, []int{3}, batchSizes, "entry processor sees one batch")
	snap := store.SnapshotMetrics()
	assert.Equal(t, int64(1), snap["start"].Count)
	assert.Equal(t, int64(1), snap["fmt"].Count)
}

func TestRouter_SelfEmissionsWaitForNextBatch(t *testing.T) {
	var batches [][]any
	halve := processors.Func(func(_ context.Context, batch processors.Batch, emit processors.Emit) error {
		var seen []any
		for payload := range batch {
			seen = append(seen, payload)
			n := payload.(int)
			out := "done"
			if n > 1 {
				out = "again"
			}
			if err := emit(out, n/2); err != nil {
				return err
			}
		}
		batches = append(batches, seen)
		return nil
	})
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", halve))
	r.SetRoutes(schema.RouteTable{"start": {"again": {"start"}, "done": {"end"}}})

	input := func(yield func(any) bool) {
		for _, n := range []int{4, 1} {
			if !yield(n) {
				return
			}
		}
	}
	items, err := Collect(r.Run(context.Background(), input))
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, [][]any{{4, 1}, {2}, {1}}, batches)
}

func TestRouter_CorrelationIDsInherited(t *testing.T) {
	store := newTestStore(t)
	r := NewRouter(WithLogger(quietLogger()), WithStore(store), WithIDGenerator(sequentialIDs("id")))
	require.NoError(t, r.Register("start", processors.Lines(func(line string) (string, string, bool) {
		return "fmt", line, true
	})))
	require.NoError(t, r.Register("fmt", processors.Lines(func(line string) (string, string, bool) {
		return "done", strings.ToUpper(line), true
	})))
	r.SetRoutes(schema.RouteTable{"start": {"fmt": {"fmt"}}, "fmt": {"done": {"end"}}})

	items, err := Collect(r.Run(context.Background(), Lines("a", "b")))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "id-2", items[0].CorrelationID)
	assert.Equal(t, "id-3", items[1].CorrelationID)

	trace, ok := store.Trace("id-2")
	require.True(t, ok)
	var stages []string
	for _, s := range trace.Steps {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"ingest", "start", "fmt"}, stages)
	assert.Equal(t, "completed via done", trace.Steps[2].Note)
}

func TestRouter_ConsumableOnce(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", errorClassifier()))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})

	seq := r.Run(context.Background(), Lines("ERROR a"))
	items, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = Collect(seq)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestRouter_LazyAndEarlyStop(t *testing.T) {
	invoked := 0
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", processors.PerItem(func(_ context.Context, payload any, emit processors.Emit) error {
		invoked++
		return emit("end", payload)
	})))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})

	seq := r.Run(context.Background(), Lines("a", "b", "c"))
	assert.Equal(t, 0, invoked, "nothing runs before iteration")

	for item, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "a", item.Payload)
		break
	}
	assert.Equal(t, 1, invoked)
	assert.Equal(t, schema.RunStatusCancelled, r.LastRun().Status)
	assert.Empty(t, r.LastRun().Error)
}

func TestRouter_ContextCancelled(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", errorClassifier()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(r.Run(ctx, Lines("a")))
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouter_EntryMustBeRegistered(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("other", errorClassifier()))

	_, err := Collect(r.Run(context.Background(), Lines("a")))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
	assert.True(t, schema.IsCode(r.ValidateRoutes(), schema.ErrCodeConfiguration))
}

func TestRouter_PublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	r := NewRouter(WithLogger(quietLogger()), WithHub(hub))
	require.NoError(t, r.Register("start", errorClassifier()))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})

	_, err = Collect(r.Run(context.Background(), Lines("ERROR a", "ok")))
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).EventType)
	}
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventItemTerminal,
		schema.EventItemDropped,
		schema.EventRunCompleted,
	}, types)
}

func TestRouter_Register(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	p := errorClassifier()

	require.NoError(t, r.Register("start", p))
	assert.True(t, schema.IsCode(r.Register("start", p), schema.ErrCodeConfiguration))
	assert.True(t, schema.IsCode(r.Register("", p), schema.ErrCodeConfiguration))
	assert.True(t, schema.IsCode(r.Register("end", p), schema.ErrCodeConfiguration))
	assert.True(t, schema.IsCode(r.Register("x", nil), schema.ErrCodeConfiguration))

	require.NoError(t, r.Register("b", p))
	require.NoError(t, r.Register("a", p))
	assert.Equal(t, []string{"start", "b", "a"}, r.Tags())
}

func TestRouter_Validate(t *testing.T) {
	tests := []struct {
		name    string
		emits   []string
		extra   []string
		missing []string
	}{
		{"all registered", []string{"fmt", "end"}, []string{"fmt"}, nil},
		{"terminal only", []string{"end"}, nil, nil},
		{"nothing declared", nil, nil, nil},
		{"default bucket key", []string{"default", "end"}, nil, nil},
		{"missing tags", []string{"warn", "error", "fmt", "warn"}, []string{"fmt"}, []string{"error", "warn"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(WithLogger(quietLogger()))
			var start processors.Processor = errorClassifier()
			if tt.emits != nil {
				start = processors.WithEmits(start, tt.emits...)
			}
			require.NoError(t, r.Register("start", start))
			for _, tag := range tt.extra {
				require.NoError(t, r.Register(tag, errorClassifier()))
			}

			err := r.Validate()
			if tt.missing == nil {
				assert.NoError(t, err)
				return
			}
			var te *schema.TagflowError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, schema.ErrCodeConfiguration, te.Code)
			assert.Equal(t, tt.missing, te.Details["tags"])
		})
	}
}

func TestRouter_ValidateRoutes(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", errorClassifier()))
	require.NoError(t, r.Register("fmt", errorClassifier()))

	r.SetRoutes(schema.RouteTable{"start": {"general": {"fmt", "end"}}})
	assert.NoError(t, r.ValidateRoutes())

	r.SetRoutes(schema.RouteTable{"start": {"general": {"ghost"}}, "nobody": {"x": {"end"}}})
	err := r.ValidateRoutes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start.general -> ghost")
	assert.Contains(t, err.Error(), "nobody (unknown source)")
}

func TestRouter_StepLimitWhenBatchIgnored(t *testing.T) {
	spin := processors.Func(func(_ context.Context, _ processors.Batch, emit processors.Emit) error {
		return emit("again", "x")
	})
	r := NewRouter(WithLogger(quietLogger()), WithEntry("loop"), WithMaxSteps(100))
	require.NoError(t, r.Register("loop", processors.WithEmits(spin, "again")))
	r.SetRoutes(schema.RouteTable{"loop": {"again": {"loop"}}})

	done := make(chan error, 1)
	go func() {
		_, err := Collect(r.Run(context.Background(), Lines("spin")))
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeStepLimit))
		var te *schema.TagflowError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "loop", te.Tag)
		assert.Equal(t, "x", te.Payload)
		assert.Equal(t, 101, r.LastRun().Steps)
		assert.Equal(t, schema.RunStatusFailed, r.LastRun().Status)
	case <-time.After(5 * time.Second):
		t.Fatal("batch-ignoring self-loop did not terminate")
	}
}

func TestRouter_UnreadPayloadsAreChargedAndTraced(t *testing.T) {
	store := newTestStore(t)
	first := processors.Func(func(_ context.Context, batch processors.Batch, emit processors.Emit) error {
		for p := range batch {
			return emit("out", p)
		}
		return nil
	})
	var logs bytes.Buffer
	r := NewRouter(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))), WithStore(store))
	require.NoError(t, r.Register("start", processors.WithEmits(first, "out")))
	r.SetRoutes(schema.RouteTable{"start": {"out": {"end"}}})

	items, err := Collect(r.Run(context.Background(), Lines("a", "b", "c")))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].Payload)

	last := r.LastRun()
	assert.Equal(t, schema.RunStatusCompleted, last.Status)
	assert.Equal(t, 3, last.Steps)
	assert.Equal(t, 2, last.Unread)
	assert.Contains(t, logs.String(), "processor returned without reading its batch")

	discarded := 0
	for _, tr := range store.RecentTraces(0) {
		for _, step := range tr.Steps {
			if strings.HasPrefix(step.Note, "discarded") {
				assert.Equal(t, "start", step.Stage)
				discarded++
			}
		}
	}
	assert.Equal(t, 2, discarded)
}

func TestRouter_UnreadPayloadsCountTowardStepLimit(t *testing.T) {
	ignore := processors.Func(func(context.Context, processors.Batch, processors.Emit) error { return nil })
	r := NewRouter(WithLogger(quietLogger()), WithMaxSteps(2))
	require.NoError(t, r.Register("start", processors.WithEmits(ignore)))

	_, err := Collect(r.Run(context.Background(), Lines("a", "b", "c")))
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepLimit))
	var te *schema.TagflowError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "c", te.Payload)
}

func TestRouter_ConsumerPanicPropagates(t *testing.T) {
	store := newTestStore(t)
	r := NewRouter(WithLogger(quietLogger()), WithStore(store))
	require.NoError(t, r.Register("start", errorClassifier()))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})

	assert.PanicsWithValue(t, "consumer bug", func() {
		for range r.Run(context.Background(), Lines("ERROR disk", "ERROR net")) {
			panic("consumer bug")
		}
	})
	assert.Empty(t, store.RecentErrors(0), "a consumer panic is not a processor failure")

	items, err := Collect(r.Run(context.Background(), Lines("ERROR disk")))
	require.NoError(t, err, "the router is usable after the panic")
	assert.Len(t, items, 1)
}

func TestRouter_LifecycleVetoFailsRun(t *testing.T) {
	r := NewRouter(WithLogger(quietLogger()))
	require.NoError(t, r.Register("start", errorClassifier()))
	r.SetRoutes(schema.RouteTable{"start": {"end": {"end"}}})
	r.Lifecycle().OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(_, _ schema.RunStatus) error {
		return errors.New("veto")
	})

	items, err := Collect(r.Run(context.Background(), Lines("ERROR a", "ERROR b")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "veto")
	assert.Empty(t, items)

	last := r.LastRun()
	assert.Equal(t, schema.RunStatusFailed, last.Status)
	assert.True(t, last.Finished)
	assert.Zero(t, last.Steps)
}
