package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rendis/tagflow/internal/logging"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/processors"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

// Item is a payload that reached the terminal tag.
type Item struct {
	Tag           string `json:"tag"`
	Payload       any    `json:"payload"`
	CorrelationID string `json:"line_id"`
}

// Edge is a (source tag, output tag) pair.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e Edge) String() string { return e.From + "->" + e.To }

// RunSummary describes the most recent run of a Router.
type RunSummary struct {
	ID      string           `json:"run_id"`
	Status  schema.RunStatus `json:"status"`
	Steps   int              `json:"steps"`
	Yielded int              `json:"yielded"`
	// Unread counts payloads a processor returned without reading. They
	// are charged as steps and traced, then discarded.
	Unread   int    `json:"unread"`
	Error    string `json:"error,omitempty"`
	Finished bool   `json:"finished"`
}

// errStopped is returned from emit once the caller stops consuming results.
var errStopped = errors.New("run stopped by consumer")

// workItem is one payload waiting in a tag's queue.
type workItem struct {
	payload any
	id      string
}

// Router is the queue-driven routing engine. Nodes are registered under
// tags; emissions are routed through a RouteTable until they reach the
// terminal tag. A Router runs one traversal at a time and has no internal
// parallelism. Independent Routers may run concurrently.
type Router struct {
	entry    string
	terminal string
	maxSteps int
	store    *observe.Store
	hub      streaming.EventHub
	fsm      *RunFSM
	logger   *slog.Logger
	newID    func() string

	order  []string
	nodes  map[string]processors.Processor
	routes schema.RouteTable

	active atomic.Bool

	mu          sync.Mutex
	transitions map[Edge]int64
	drops       map[Edge]int64
	warned      map[Edge]bool
	last        RunSummary
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithEntry sets the tag input lines are seeded at.
func WithEntry(tag string) RouterOption { return func(r *Router) { r.entry = tag } }

// WithTerminal sets the tag whose payloads are yielded to the caller.
func WithTerminal(tag string) RouterOption { return func(r *Router) { r.terminal = tag } }

// WithMaxSteps sets the step ceiling. Values <= 0 keep the default.
func WithMaxSteps(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// WithStore records timings, traces and errors in s.
func WithStore(s *observe.Store) RouterOption { return func(r *Router) { r.store = s } }

// WithHub publishes run and item events to hub.
func WithHub(hub streaming.EventHub) RouterOption { return func(r *Router) { r.hub = hub } }

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// WithIDGenerator overrides run and correlation id generation.
func WithIDGenerator(fn func() string) RouterOption { return func(r *Router) { r.newID = fn } }

// NewRouter creates an empty Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		entry:       schema.DefaultEntryTag,
		terminal:    schema.DefaultTerminalTag,
		maxSteps:    schema.DefaultMaxSteps,
		newID:       uuid.NewString,
		nodes:       make(map[string]processors.Processor),
		routes:      schema.RouteTable{},
		transitions: make(map[Edge]int64),
		drops:       make(map[Edge]int64),
		warned:      make(map[Edge]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	r.fsm = NewRunFSM(r.hub)
	return r
}

// Entry returns the entry tag.
func (r *Router) Entry() string { return r.entry }

// Terminal returns the terminal tag.
func (r *Router) Terminal() string { return r.terminal }

// MaxSteps returns the step ceiling.
func (r *Router) MaxSteps() int { return r.maxSteps }

// Lifecycle exposes the run FSM for hook registration.
func (r *Router) Lifecycle() *RunFSM { return r.fsm }

// Register adds a processor under tag. Tags are selected for processing in
// registration order.
func (r *Router) Register(tag string, p processors.Processor) error {
	switch {
	case strings.TrimSpace(tag) == "":
		return schema.NewError(schema.ErrCodeConfiguration, "cannot register a processor under an empty tag")
	case tag == r.terminal:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "tag %q is the terminal tag and cannot have a processor", tag).WithTag(tag)
	case p == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "processor is nil").WithTag(tag)
	}
	if r.active.Load() {
		return schema.NewError(schema.ErrCodeConflict, "cannot register while a run is in progress").WithTag(tag)
	}
	if _, exists := r.nodes[tag]; exists {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "tag %q already registered", tag).WithTag(tag)
	}
	r.nodes[tag] = p
	r.order = append(r.order, tag)
	return nil
}

// SetRoutes replaces the routing table.
func (r *Router) SetRoutes(routes schema.RouteTable) {
	if routes == nil {
		routes = schema.RouteTable{}
	}
	r.routes = routes
}

// Routes returns the routing table.
func (r *Router) Routes() schema.RouteTable { return r.routes }

// Tags returns registered tags in registration order.
func (r *Router) Tags() []string { return slices.Clone(r.order) }

// Processor returns the processor registered under tag.
func (r *Router) Processor(tag string) (processors.Processor, bool) {
	p, ok := r.nodes[tag]
	return p, ok
}

func (r *Router) live(tag string) bool {
	if tag == r.terminal {
		return true
	}
	_, ok := r.nodes[tag]
	return ok
}

// Validate checks that every tag a processor declares it may emit is a
// registered tag or the terminal tag. The default route key is exempt: it
// resolves through the source's default bucket. Unresolved tags are listed
// in a CONFIGURATION_ERROR.
func (r *Router) Validate() error {
	var missing []string
	for _, tag := range r.order {
		for _, out := range processors.DeclaredEmits(r.nodes[tag]) {
			if out == schema.DefaultRouteKey {
				continue
			}
			if !r.live(out) && !slices.Contains(missing, out) {
				missing = append(missing, out)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return schema.NewErrorf(schema.ErrCodeConfiguration, "unmapped tags in config: %s", strings.Join(missing, ", ")).
		WithDetails(map[string]any{"tags": missing})
}

// ValidateRoutes checks the entry tag and every route: sources and
// destinations must be registered, destinations may also be the terminal tag.
func (r *Router) ValidateRoutes() error {
	if _, ok := r.nodes[r.entry]; !ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "entry tag %q has no registered processor", r.entry).WithTag(r.entry)
	}
	var bad []string
	for source, outs := range r.routes {
		if _, ok := r.nodes[source]; !ok {
			bad = append(bad, fmt.Sprintf("%s (unknown source)", source))
		}
		for out, dests := range outs {
			for _, d := range dests {
				if !r.live(d) {
					bad = append(bad, fmt.Sprintf("%s.%s -> %s", source, out, d))
				}
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return schema.NewErrorf(schema.ErrCodeConfiguration, "routes reference unregistered tags: %s", strings.Join(bad, "; ")).
		WithDetails(map[string]any{"routes": bad})
}

// TransitionCounts returns a copy of the (source, output) emission counts,
// accumulated over every run of this Router.
func (r *Router) TransitionCounts() map[Edge]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Edge]int64, len(r.transitions))
	for k, v := range r.transitions {
		out[k] = v
	}
	return out
}

// DropCounts returns a copy of the emissions dropped for lack of a route.
func (r *Router) DropCounts() map[Edge]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Edge]int64, len(r.drops))
	for k, v := range r.drops {
		out[k] = v
	}
	return out
}

// LastRun returns the summary of the most recent run.
func (r *Router) LastRun() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Lines adapts string lines into a Run input.
func Lines(lines ...string) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, l := range lines {
			if !yield(l) {
				return
			}
		}
	}
}

// Collect drains a run, returning every terminal item and the first error.
func Collect(seq iter.Seq2[Item, error]) ([]Item, error) {
	var items []Item
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Run seeds every input payload at the entry tag and returns the lazy
// sequence of payloads that reach the terminal tag, in arrival order. A
// fatal error is yielded once as the last element. The sequence can be
// consumed once; nothing is processed until it is iterated.
func (r *Router) Run(ctx context.Context, input iter.Seq[any]) iter.Seq2[Item, error] {
	var consumed atomic.Bool
	return func(yield func(Item, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Item{}, schema.NewError(schema.ErrCodeConflict, "run result already consumed"))
			return
		}
		if !r.active.CompareAndSwap(false, true) {
			yield(Item{}, schema.NewError(schema.ErrCodeConflict, "router is already running"))
			return
		}
		defer r.active.Store(false)

		t := r.newTraversal(ctx, yield)
		t.execute(input)
	}
}

// traversal is the state of one Run.
type traversal struct {
	r      *Router
	ctx    context.Context
	yield  func(Item, error) bool
	state  *runState
	logger *slog.Logger

	queues  map[string][]workItem
	steps   int
	yielded int
	unread  int
	stopped bool
	// yielding is set while the caller's loop body runs.
	yielding bool
}

func (r *Router) newTraversal(ctx context.Context, yield func(Item, error) bool) *traversal {
	runID := r.newID()
	ctx = logging.WithRunID(ctx, runID)
	return &traversal{
		r:      r,
		ctx:    ctx,
		yield:  yield,
		state:  newRunState(r.fsm, runID),
		logger: logging.LogWith(ctx, r.logger),
		queues: make(map[string][]workItem, len(r.order)),
	}
}

func (t *traversal) execute(input iter.Seq[any]) {
	r := t.r
	t.summarize(nil)
	if err := t.state.advance(t.ctx, schema.RunStatusRunning, nil); err != nil {
		t.fail(err)
		return
	}
	t.logger.Debug("run started", slog.String("entry", r.entry), slog.Int("max_steps", r.maxSteps))

	if _, ok := r.nodes[r.entry]; !ok {
		t.fail(schema.NewErrorf(schema.ErrCodeConfiguration, "entry tag %q has no registered processor", r.entry).WithTag(r.entry))
		return
	}

	for payload := range input {
		id := r.newID()
		t.trace(id, "ingest", "ingested")
		t.queues[r.entry] = append(t.queues[r.entry], workItem{payload: payload, id: id})
	}

	for {
		if err := t.ctx.Err(); err != nil {
			t.cancel(err)
			return
		}
		tag, ok := t.next()
		if !ok {
			break
		}
		batch := t.queues[tag]
		t.queues[tag] = nil

		if err := t.invoke(tag, batch); err != nil {
			if errors.Is(err, errStopped) {
				t.stopped = true
				t.cancel(nil)
				return
			}
			t.fail(err)
			return
		}
	}

	if err := t.state.advance(t.ctx, schema.RunStatusCompleted, map[string]any{"steps": t.steps, "yielded": t.yielded}); err != nil {
		t.fail(err)
		return
	}
	t.summarize(nil)
	t.logger.Debug("run completed", slog.Int("steps", t.steps), slog.Int("yielded", t.yielded))
}

// next picks the first tag in registration order with queued work.
func (t *traversal) next() (string, bool) {
	for _, tag := range t.r.order {
		if len(t.queues[tag]) > 0 {
			return tag, true
		}
	}
	return "", false
}

// invoke hands tag's whole batch to its processor once.
func (t *traversal) invoke(tag string, batch []workItem) (err error) {
	r := t.r
	proc := r.nodes[tag]
	ctx := logging.WithStage(t.ctx, tag)

	var (
		current  *workItem
		read     int
		stepErr  error
		routeErr error
	)

	// seq resumes from the first unread item; no item is charged twice.
	seq := func(yield func(any) bool) {
		for read < len(batch) {
			if stepErr != nil || routeErr != nil {
				return
			}
			current = &batch[read]
			read++
			if stepErr = t.charge(tag, current); stepErr != nil {
				return
			}
			if !yield(current.payload) {
				return
			}
		}
	}

	emit := func(out string, payload any) error {
		if routeErr != nil {
			return routeErr
		}
		if stepErr != nil {
			return stepErr
		}
		id := ""
		if current != nil {
			id = current.id
		}
		if err := t.route(tag, out, payload, id); err != nil {
			routeErr = err
			return err
		}
		return nil
	}

	if r.store != nil {
		defer r.store.Timed(tag)()
	}

	defer func() {
		if rec := recover(); rec != nil {
			if t.yielding {
				panic(rec)
			}
			err = t.processorFailure(tag, current, fmt.Errorf("panic: %v", rec))
		}
	}()

	perr := proc.Process(ctx, seq, emit)

	switch {
	case errors.Is(routeErr, errStopped):
		return errStopped
	case routeErr != nil:
		return t.record(tag, current, routeErr)
	case stepErr != nil:
		return t.record(tag, current, stepErr)
	case perr != nil:
		return t.processorFailure(tag, current, perr)
	}

	if read < len(batch) {
		return t.discardUnread(tag, batch[read:])
	}
	return nil
}

// charge counts one step for item and fails once the ceiling is passed.
func (t *traversal) charge(tag string, item *workItem) error {
	t.steps++
	if t.steps <= t.r.maxSteps {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStepLimit,
		"max steps (%d) exceeded, possible infinite loop; increase max_steps or inspect the graph", t.r.maxSteps).
		WithTag(tag).
		WithPayload(item.payload).
		WithDetails(map[string]any{"max_steps": t.r.maxSteps})
}

// discardUnread charges and traces the items a processor returned without
// reading.
func (t *traversal) discardUnread(tag string, rest []workItem) error {
	for i := range rest {
		item := &rest[i]
		if err := t.charge(tag, item); err != nil {
			return t.record(tag, item, err)
		}
		t.unread++
		t.trace(item.id, tag, "discarded: not read by processor")
	}
	t.logger.Warn("processor returned without reading its batch",
		slog.String("stage", tag),
		slog.Int("unread", len(rest)),
	)
	return nil
}

// route counts the emission and delivers it per the routing table.
func (t *traversal) route(source, out string, payload any, id string) error {
	r := t.r
	edge := Edge{From: source, To: out}

	dests, ok := r.routes.Destinations(source, out)

	r.mu.Lock()
	r.transitions[edge]++
	firstDrop := false
	if !ok {
		r.drops[edge]++
		if !r.warned[edge] {
			r.warned[edge] = true
			firstDrop = true
		}
	}
	r.mu.Unlock()

	if !ok {
		if firstDrop {
			t.logger.Warn("dropping emissions with no route",
				slog.String("stage", source),
				slog.String("output_tag", out),
			)
		}
		t.trace(id, source, "dropped: no route for "+out)
		t.publish(schema.EventItemDropped, source, id, map[string]any{"output_tag": out})
		return nil
	}

	for _, dest := range dests {
		if dest == r.terminal {
			t.trace(id, source, "completed via "+out)
			t.publish(schema.EventItemTerminal, source, id, nil)
			t.yielded++
			t.yielding = true
			more := t.yield(Item{Tag: dest, Payload: payload, CorrelationID: id}, nil)
			t.yielding = false
			if !more {
				return errStopped
			}
			continue
		}
		if _, live := r.nodes[dest]; !live {
			return schema.NewErrorf(schema.ErrCodeRouting,
				"emission %q from %q routed to %q, which has no registered processor and is not the terminal tag", out, source, dest).
				WithTag(source).
				WithPayload(payload).
				WithDetails(map[string]any{"output_tag": out, "destination": dest})
		}
		t.queues[dest] = append(t.queues[dest], workItem{payload: payload, id: id})
		t.trace(id, source, fmt.Sprintf("%s -> %s", out, dest))
	}
	return nil
}

func (t *traversal) processorFailure(tag string, current *workItem, cause error) error {
	var payload any
	if current != nil {
		payload = current.payload
	}
	err := schema.NewErrorf(schema.ErrCodeProcessor, "processor failed: %s", cause.Error()).
		WithTag(tag).
		WithPayload(payload).
		WithCause(cause)
	return t.record(tag, current, err)
}

// record captures a fatal error in the store before the run aborts.
func (t *traversal) record(tag string, current *workItem, err error) error {
	if t.r.store == nil {
		return err
	}
	var id string
	var payload any
	if current != nil {
		id, payload = current.id, current.payload
	}
	t.r.store.RecordError(tag, id, err, payload)
	t.trace(id, tag, "error: "+err.Error())
	return err
}

func (t *traversal) fail(err error) {
	t.logger.Error("run failed", slog.String("error", err.Error()), slog.Int("steps", t.steps))
	if aerr := t.state.advance(t.ctx, schema.RunStatusFailed, err.Error()); aerr != nil {
		t.logger.Warn("run status not recorded", slog.String("status", string(schema.RunStatusFailed)), slog.String("error", aerr.Error()))
	}
	t.summarize(err)
	t.yield(Item{}, err)
}

// cancel finishes the run as cancelled. A non-nil cause (context
// cancellation) is reported to the caller; a consumer stop is not.
func (t *traversal) cancel(cause error) {
	if aerr := t.state.advance(t.ctx, schema.RunStatusCancelled, nil); aerr != nil {
		t.logger.Warn("run status not recorded", slog.String("status", string(schema.RunStatusCancelled)), slog.String("error", aerr.Error()))
	}
	if cause == nil {
		t.summarize(nil)
		return
	}
	err := schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(cause)
	t.summarize(err)
	if !t.stopped {
		t.yield(Item{}, err)
	}
}

func (t *traversal) summarize(err error) {
	s := RunSummary{
		ID:       t.state.id,
		Status:   t.state.current(),
		Steps:    t.steps,
		Yielded:  t.yielded,
		Unread:   t.unread,
		Finished: t.state.current().IsTerminal(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	t.r.mu.Lock()
	t.r.last = s
	t.r.mu.Unlock()
}

func (t *traversal) trace(id, stage, note string) {
	if t.r.store != nil && id != "" {
		t.r.store.AddTrace(id, stage, note)
	}
}

func (t *traversal) publish(eventType, stage, id string, payload any) {
	if t.r.hub == nil {
		return
	}
	_ = t.r.hub.Publish(t.ctx, streaming.StreamEvent{
		RunID:         t.state.id,
		Stage:         stage,
		CorrelationID: id,
		EventType:     eventType,
		Payload:       payload,
	})
}
