package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(from, to schema.RunStatus) error

type runHookKey struct {
	from, to schema.RunStatus
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusRunning: {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
}

// RunFSM manages run lifecycle state transitions and publishes a stream
// event for each one.
type RunFSM struct {
	mu     sync.Mutex
	hub    streaming.EventHub
	before map[runHookKey][]TransitionHook
	after  map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM publishing to hub. hub may be nil.
func NewRunFSM(hub streaming.EventHub) *RunFSM {
	return &RunFSM{
		hub:    hub,
		before: make(map[runHookKey][]TransitionHook),
		after:  make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a run state transition, runs hooks and publishes the
// matching event. payload is attached to the event (e.g. the failure).
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" && f.hub != nil {
		// A cancelled caller context must not hide the final transition.
		_ = f.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			RunID:     runID,
			EventType: eventType,
			Payload:   payload,
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// runState tracks one run's status through a RunFSM.
type runState struct {
	fsm    *RunFSM
	id     string
	mu     sync.Mutex
	status schema.RunStatus
}

func newRunState(fsm *RunFSM, id string) *runState {
	return &runState{fsm: fsm, id: id, status: schema.RunStatusPending}
}

// advance moves to the next status. Transitions out of a terminal status are
// ignored so a run finishes exactly once.
func (s *runState) advance(ctx context.Context, to schema.RunStatus, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return nil
	}
	if err := s.fsm.Transition(ctx, s.id, s.status, to, payload); err != nil {
		return err
	}
	s.status = to
	return nil
}

func (s *runState) current() schema.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
