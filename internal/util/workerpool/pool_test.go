package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 3, QueueSize: 10})
	defer pool.Stop(time.Second)

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		err := pool.SubmitWithContext(context.Background(), Task{
			ID: "t",
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				atomic.AddInt32(&ran, 1)
				return nil
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(8), atomic.LoadInt32(&ran))
	assert.Eventually(t, func() bool { return pool.Stats().CompletedTasks == 8 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_CountsFailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(Task{ID: "fail", Fn: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, pool.Submit(Task{ID: "panic", Fn: func(context.Context) error { panic("boom") }}))

	assert.Eventually(t, func() bool { return pool.Stats().FailedTasks == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_SubmitRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	defer func() {
		close(release)
		pool.Stop(time.Second)
	}()

	block := func(context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, pool.Submit(Task{ID: "running", Fn: func(ctx context.Context) error {
		close(started)
		return block(ctx)
	}}))
	<-started
	require.NoError(t, pool.Submit(Task{ID: "queued", Fn: block}))

	err := pool.Submit(Task{ID: "overflow", Fn: block})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}

func TestWorkerPool_StopRunsQueuedTasksCancelled(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "running", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	var sawCancelled int32
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(Task{ID: "queued", Fn: func(ctx context.Context) error {
			if ctx.Err() != nil {
				atomic.AddInt32(&sawCancelled, 1)
			}
			return nil
		}}))
	}

	stopped := make(chan error)
	go func() { stopped <- pool.Stop(time.Second) }()

	// Stop must not return while the running task holds the worker
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	assert.Equal(t, int32(3), atomic.LoadInt32(&sawCancelled))
	assert.ErrorIs(t, pool.Submit(Task{ID: "late", Fn: func(context.Context) error { return nil }}), ErrStopped)
}
