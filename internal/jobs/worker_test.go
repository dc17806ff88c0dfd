package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAtMostWorkersConcurrently(t *testing.T) {
	const workers = 3
	pool := NewPool(workers, 100)

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(Task{
			JobID: fmt.Sprintf("job-%d", i),
			Run: func(context.Context) {
				defer wg.Done()
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
			},
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Equal(t, int32(workers), peak.Load(), "all slots should be used under load")
	require.Eventually(t, func() bool { return pool.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	pool := NewPool(2, 2)
	release := make(chan struct{})

	var (
		ran      atomic.Int32
		rejected int
	)
	for i := 0; i < 6; i++ {
		err := pool.Submit(Task{
			JobID: fmt.Sprintf("job-%d", i),
			Run: func(context.Context) {
				<-release
				ran.Add(1)
			},
		})
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			rejected++
		}
	}

	assert.Equal(t, 2, rejected)
	assert.Equal(t, 2, pool.Running())
	assert.Equal(t, 2, pool.Waiting())

	close(release)
	require.Eventually(t, func() bool { return ran.Load() == 4 }, time.Second, 5*time.Millisecond)
}

func TestPoolStartsWaitingTasksInOrder(t *testing.T) {
	pool := NewPool(1, 10)
	release := make(chan struct{})

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(6)
	require.NoError(t, pool.Submit(Task{JobID: "blocker", Run: func(context.Context) {
		defer wg.Done()
		<-release
	}}))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(Task{JobID: fmt.Sprintf("job-%d", i), Run: func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}}))
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPoolRecoversFromPanics(t *testing.T) {
	pool := NewPool(1, 10)
	done := make(chan struct{})

	require.NoError(t, pool.Submit(Task{JobID: "bad", Run: func(context.Context) { panic("boom") }}))
	require.NoError(t, pool.Submit(Task{JobID: "good", Run: func(context.Context) { close(done) }}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after a panic never ran")
	}
	require.Eventually(t, func() bool { return pool.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolShutdownDropsWaitingTasks(t *testing.T) {
	pool := NewPool(1, 10)
	release := make(chan struct{})
	started := make(chan struct{})

	var dropped atomic.Int32
	require.NoError(t, pool.Submit(Task{JobID: "running", Run: func(context.Context) {
		close(started)
		<-release
	}}))
	<-started
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(Task{
			JobID: fmt.Sprintf("job-%d", i),
			Run:   func(context.Context) { t.Error("dropped task must not run") },
			Drop: func(err error) {
				assert.ErrorIs(t, err, ErrPoolShutdown)
				dropped.Add(1)
			},
		}))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool { return dropped.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, pool.Submit(Task{JobID: "late", Run: func(context.Context) {}}), ErrPoolShutdown)

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, 0, pool.Running())
	assert.Equal(t, 0, pool.Waiting())
}

func TestPoolShutdownDeadlineCancelsRunningTasks(t *testing.T) {
	pool := NewPool(1, 0)
	started := make(chan struct{})
	canceled := make(chan struct{})

	require.NoError(t, pool.Submit(Task{JobID: "slow", Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-canceled:
	default:
		t.Fatal("running task was not canceled")
	}
}

func TestPoolObserverTracksDepth(t *testing.T) {
	var (
		mu    sync.Mutex
		depth [][2]int
	)
	pool := NewPool(1, 1, WithPoolObserver(func(running, waiting int) {
		mu.Lock()
		depth = append(depth, [2]int{running, waiting})
		mu.Unlock()
	}))

	release := make(chan struct{})
	done := make(chan struct{})
	require.NoError(t, pool.Submit(Task{JobID: "a", Run: func(context.Context) { <-release }}))
	require.NoError(t, pool.Submit(Task{JobID: "b", Run: func(context.Context) { close(done) }}))
	close(release)
	<-done
	require.Eventually(t, func() bool { return pool.Running() == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, depth)
	assert.Equal(t, [2]int{1, 0}, depth[0])
	assert.Equal(t, [2]int{1, 1}, depth[1])
	assert.Equal(t, [2]int{0, 0}, depth[len(depth)-1])
}
