package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitenvats16/jasper/internal/voice"
	"github.com/hitenvats16/jasper/internal/worker/domain"
)

func okFactory(slotID int) (voice.Extractor, error) {
	return &stubExtractor{slotID: slotID}, nil
}

func TestNewPool_RejectsInvalidSize(t *testing.T) {
	cache := NewResourceCache(okFactory, slog.Default())

	for _, size := range []int{0, -1} {
		_, err := NewPool(size, cache, nil, slog.Default())
		require.Error(t, err, "size %d", size)
		assert.Contains(t, err.Error(), "pool size must be positive")
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	const (
		slots = 3
		jobs  = 10
	)

	var current, peak atomic.Int32

	run := func(ctx context.Context, msg *domain.JobMessage, rc *ResourceContext) Outcome {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		// The pool must have claimed the slot's resource before running us.
		if !rc.InUse() {
			return Outcome{Kind: OutcomeFailed, Err: errors.New("resource not claimed")}
		}

		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return Outcome{Kind: OutcomeCompleted, Result: map[string]interface{}{"job": msg.JobID}}
	}

	cache := NewResourceCache(okFactory, slog.Default())
	pool, err := NewPool(slots, cache, run, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// Drain completions concurrently; Submit blocks while all slots are busy.
	completions := make(chan Completion, jobs)
	go func() {
		for i := 0; i < jobs; i++ {
			completions <- <-pool.Completions()
		}
		close(completions)
	}()

	for i := 0; i < jobs; i++ {
		msg := &domain.JobMessage{JobID: fmt.Sprintf("job-%d", i)}
		require.NoError(t, pool.Submit(ctx, msg))
	}

	seen := make(map[string]bool)
	for comp := range completions {
		assert.Equal(t, OutcomeCompleted, comp.Outcome.Kind)
		seen[comp.Msg.JobID] = true
	}

	assert.Len(t, seen, jobs, "every accepted task must produce exactly one completion")
	assert.LessOrEqual(t, peak.Load(), int32(slots), "no more tasks in flight than slots")
	assert.Len(t, cache.ConstructedSlots(), slots)

	pool.Shutdown(time.Second)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	cache := NewResourceCache(okFactory, slog.Default())
	pool, err := NewPool(1, cache, func(ctx context.Context, msg *domain.JobMessage, rc *ResourceContext) Outcome {
		return Outcome{Kind: OutcomeCompleted}
	}, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	pool.Start(ctx)
	pool.Shutdown(time.Second)

	for i := 0; i < 100; i++ {
		err = pool.Submit(ctx, &domain.JobMessage{JobID: "late"})
		require.ErrorIs(t, err, ErrPoolClosed)
	}
}

func TestPool_ConcurrentSubmitDuringShutdown(t *testing.T) {
	cache := NewResourceCache(okFactory, slog.Default())
	pool, err := NewPool(2, cache, func(ctx context.Context, msg *domain.JobMessage, rc *ResourceContext) Outcome {
		return Outcome{Kind: OutcomeCompleted}
	}, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	pool.Start(ctx)

	// Keep slots from blocking on the completion channel.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-pool.Completions():
			case <-stop:
				return
			}
		}
	}()

	// Submits racing Shutdown must either be accepted or refused, never panic.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.Submit(ctx, &domain.JobMessage{JobID: fmt.Sprintf("job-%d", i)})
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolClosed)
			}
		}(i)
	}

	pool.Shutdown(time.Second)
	wg.Wait()
	close(stop)
}

func TestPool_SubmitHonorsContext(t *testing.T) {
	// A pool that was never started has no slot to hand the task to, so
	// Submit blocks until the context gives up.
	cache := NewResourceCache(okFactory, slog.Default())
	pool, err := NewPool(1, cache, nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = pool.Submit(ctx, &domain.JobMessage{JobID: "blocked"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_BrokenSlotCompletesTaskAsRetryable(t *testing.T) {
	factory := func(slotID int) (voice.Extractor, error) {
		return nil, errors.New("model load failed")
	}

	cache := NewResourceCache(factory, slog.Default())
	pool, err := NewPool(1, cache, func(ctx context.Context, msg *domain.JobMessage, rc *ResourceContext) Outcome {
		t.Error("task must not run on a broken slot")
		return Outcome{}
	}, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	pool.Start(ctx)

	require.NoError(t, pool.Submit(ctx, &domain.JobMessage{JobID: "orphan"}))

	select {
	case comp := <-pool.Completions():
		assert.Equal(t, OutcomeFailed, comp.Outcome.Kind)
		assert.True(t, domain.IsRetryable(comp.Outcome.Err), "another consumer instance can still run the job")
		assert.ErrorIs(t, comp.Outcome.Err, domain.ErrSlotBroken)
	case <-time.After(time.Second):
		t.Fatal("no completion for task dispatched to broken slot")
	}

	pool.Shutdown(time.Second)
}

func TestPool_ShutdownDrainsInFlightTasks(t *testing.T) {
	// Canceling the start context stops intake only: a job the pool already
	// accepted keeps its context and runs to completion during the drain.
	started := make(chan struct{})

	cache := NewResourceCache(okFactory, slog.Default())
	pool, err := NewPool(1, cache, func(ctx context.Context, msg *domain.JobMessage, rc *ResourceContext) Outcome {
		close(started)
		select {
		case <-ctx.Done():
			return Outcome{Kind: OutcomeFailed, Err: domain.NewRetryableError(ctx.Err())}
		case <-time.After(50 * time.Millisecond):
			return Outcome{Kind: OutcomeCompleted}
		}
	}, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.NoError(t, pool.Submit(ctx, &domain.JobMessage{JobID: "in-flight"}))
	<-started

	cancel()
	pool.Shutdown(time.Second)

	select {
	case comp := <-pool.Completions():
		require.NoError(t, comp.Outcome.Err)
		assert.Equal(t, OutcomeCompleted, comp.Outcome.Kind)
	default:
		t.Fatal("in-flight task did not complete before drain deadline")
	}
}
