package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFSM_ValidTransitionsPublish(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	fsm := NewRunFSM(hub)
	ctx := context.Background()
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusPending, schema.RunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusFailed, "boom"))

	for _, want := range []string{schema.EventRunStarted, schema.EventRunFailed} {
		select {
		case ev := <-ch:
			assert.Equal(t, want, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	fsm := NewRunFSM(nil)
	tests := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusPending, schema.RunStatusCompleted},
		{schema.RunStatusFailed, schema.RunStatusCancelled},
		{schema.RunStatusRunning, schema.RunStatusPending},
	}
	for _, tt := range tests {
		err := fsm.Transition(context.Background(), "r", tt.from, tt.to, nil)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	}
}

func TestRunFSM_Hooks(t *testing.T) {
	fsm := NewRunFSM(nil)
	var calls []string
	fsm.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(from, to schema.RunStatus) error {
		calls = append(calls, "before:"+string(from)+">"+string(to))
		return nil
	})
	fsm.OnAfter(schema.RunStatusPending, schema.RunStatusRunning, func(_, _ schema.RunStatus) error {
		calls = append(calls, "after")
		return nil
	})
	require.NoError(t, fsm.Transition(context.Background(), "r", schema.RunStatusPending, schema.RunStatusRunning, nil))
	assert.Equal(t, []string{"before:pending>running", "after"}, calls)

	veto := errors.New("veto")
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusCompleted, func(_, _ schema.RunStatus) error { return veto })
	assert.ErrorIs(t, fsm.Transition(context.Background(), "r", schema.RunStatusRunning, schema.RunStatusCompleted, nil), veto)
}

func TestRunState_FinishesOnce(t *testing.T) {
	st := newRunState(NewRunFSM(nil), "r")
	ctx := context.Background()
	require.NoError(t, st.advance(ctx, schema.RunStatusRunning, nil))
	require.NoError(t, st.advance(ctx, schema.RunStatusFailed, nil))
	require.NoError(t, st.advance(ctx, schema.RunStatusCompleted, nil))
	assert.Equal(t, schema.RunStatusFailed, st.current())
}

func TestValidRunTransitions_TerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled} {
		_, ok := ValidRunTransitions[s]
		assert.False(t, ok, s)
		assert.True(t, s.IsTerminal())
	}
}
