package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	err = hub.Publish(ctx, StreamEvent{
		RunID:         "run-1",
		Stage:         "start",
		CorrelationID: "line-1",
		EventType:     "item.terminal",
		Payload:       "[ERROR]: ERROR disk",
	})
	require.NoError(t, err)

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "start", got.Stage)
	assert.Equal(t, "line-1", got.CorrelationID)
	assert.Equal(t, "[ERROR]: ERROR disk", got.Payload)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublish_KeepsExplicitTimestamp(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "x", Timestamp: ts}))
	assert.Equal(t, ts, receive(t, ch).Timestamp)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byRun, c1, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer c1()
	byStage, c2, err := hub.Subscribe(ctx, EventFilter{Stage: "parse"})
	require.NoError(t, err)
	defer c2()
	byType, c3, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"run.failed", "run.completed"}})
	require.NoError(t, err)
	defer c3()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", Stage: "enrich", EventType: "run.started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Stage: "parse", EventType: "run.failed"}))

	assert.Equal(t, "run-1", receive(t, byRun).RunID)
	assert.Equal(t, "parse", receive(t, byStage).Stage)
	assert.Equal(t, "run.failed", receive(t, byType).EventType)

	assertNoEvent(t, byRun)
	assertNoEvent(t, byStage)
	assertNoEvent(t, byType)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var chans []<-chan StreamEvent
	for i := 0; i < 3; i++ {
		ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)
		defer cancel()
		chans = append(chans, ch)
	}
	assert.Equal(t, 3, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "run.started"}))
	for _, ch := range chans {
		assert.Equal(t, "run.started", receive(t, ch).EventType)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel() // idempotent

	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "run.started"}))

	_, ok := <-ch
	assert.False(t, ok, "channel must be closed after cancel")
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	total := defaultChannelBuffer + 10
	for i := 0; i < total; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "item.terminal"}))
	}

	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			go func() {
				for range ch {
				}
			}()
			time.Sleep(time.Millisecond)
			cancel()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "item.terminal"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, hub.Publish(ctx, StreamEvent{RunID: "r"}))
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}
