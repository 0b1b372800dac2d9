package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_RunsRecords(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var processed int64
	for i := 0; i < 5; i++ {
		if err := pool.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&processed, 1)
			return nil
		}); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	pool.Wait()

	if got := atomic.LoadInt64(&processed); got != 5 {
		t.Errorf("expected 5 records processed, got %d", got)
	}
	if m := pool.Metrics(); m.Completed != 5 || m.Active != 0 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if pool.Size() != 2 {
		t.Errorf("expected size 2, got %d", pool.Size())
	}
	if NewWorkerPool(0).Size() != 1 {
		t.Error("non-positive size must clamp to 1")
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const poolSize = 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown()

	var current, maxConcurrent int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	pool.Wait()

	if maxConcurrent > poolSize {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Error("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Error("second submit did not unblock after first task completed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var recovered atomic.Value
	pool := NewWorkerPool(2, WithPanicHandler(func(r any) { recovered.Store(r) }))
	defer pool.Shutdown()

	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("stage exploded")
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failure, got %+v", m)
	}
	if recovered.Load() != "stage exploded" {
		t.Errorf("panic handler got %v", recovered.Load())
	}

	var ran int64
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic failed: %v", err)
	}
	pool.Wait()
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestWorkerPool_ContextCancellationWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	defer close(block)
	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	if err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWorkerPool_ShutdownWaitsForInFlight(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished int64
	for i := 0; i < 2; i++ {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&finished, 1)
			return nil
		})
	}
	pool.Shutdown()
	pool.Shutdown() // idempotent

	if atomic.LoadInt64(&finished) != 2 {
		t.Errorf("shutdown returned before in-flight work finished")
	}
	if err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil }); err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_FailedTasksCounted(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	for i := 0; i < 6; i++ {
		i := i
		_ = pool.Submit(context.Background(), func(ctx context.Context) error {
			if i%2 == 0 {
				return context.Canceled
			}
			return nil
		})
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 3 || m.Failed != 3 {
		t.Errorf("expected 3 completed and 3 failed, got %+v", m)
	}
}
