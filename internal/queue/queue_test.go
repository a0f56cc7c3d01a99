package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aperio/internal/job"
)

func TestEnqueueBound(t *testing.T) {
	q := New(2, 1)

	require.NoError(t, q.Enqueue("a", "https://youtu.be/a", job.PriorityNormal))
	require.NoError(t, q.Enqueue("b", "https://youtu.be/b", job.PriorityNormal))

	err := q.Enqueue("c", "https://youtu.be/c", job.PriorityNormal)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Queue is full (max 2 jobs)")
	assert.Equal(t, 2, q.Depth())
}

func TestDispatchOrderPriorityThenFIFO(t *testing.T) {
	q := New(10, 1)

	require.NoError(t, q.Enqueue("a", "u", job.PriorityNormal))
	require.NoError(t, q.Enqueue("b", "u", job.PriorityHigh))
	require.NoError(t, q.Enqueue("c", "u", job.PriorityNormal))
	require.NoError(t, q.Enqueue("d", "u", job.PriorityHigh))

	order := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.StartWorker(ctx, func(ctx context.Context, e Entry) {
		order <- e.JobID
	})

	var got []string
	for i := 0; i < 4; i++ {
		select {
		case id := <-order:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d", i)
		}
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
}

func TestDispatchRespectsRunningCap(t *testing.T) {
	const maxRunning = 2
	q := New(10, maxRunning)

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.StartWorker(ctx, func(ctx context.Context, e Entry) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("job-%d", i), "u", job.PriorityNormal))
	}

	assert.Eventually(t, func() bool { return q.Running() == maxRunning }, 2*time.Second, 5*time.Millisecond)
	close(release)
	assert.Eventually(t, func() bool { return q.Running() == 0 && q.Depth() == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, maxRunning, peak)
}

func TestCancelQueuedJob(t *testing.T) {
	q := New(10, 1)

	require.NoError(t, q.Enqueue("a", "u", job.PriorityNormal))
	require.NoError(t, q.Enqueue("b", "u", job.PriorityNormal))

	assert.True(t, q.Cancel("a"))
	assert.False(t, q.Cancel("a"), "already removed")
	assert.Equal(t, 1, q.Depth())
}

func TestCancelRunningJobInterruptsContext(t *testing.T) {
	q := New(10, 1)

	started := make(chan struct{})
	interrupted := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.StartWorker(ctx, func(ctx context.Context, e Entry) {
		close(started)
		<-ctx.Done()
		close(interrupted)
	})

	require.NoError(t, q.Enqueue("a", "u", job.PriorityNormal))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	assert.True(t, q.Cancel("a"))
	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not cancelled")
	}
	assert.Eventually(t, func() bool { return q.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancelUnknownJob(t *testing.T) {
	q := New(10, 1)
	assert.False(t, q.Cancel("ghost"))
}

func TestShutdownRejectsNewWork(t *testing.T) {
	q := New(10, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	err := q.Enqueue("a", "u", job.PriorityNormal)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "shutting down")
}

func TestShutdownInterruptsRunningJobs(t *testing.T) {
	q := New(10, 1)

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.StartWorker(ctx, func(ctx context.Context, e Entry) {
		close(started)
		<-ctx.Done()
	})

	require.NoError(t, q.Enqueue("a", "u", job.PriorityNormal))
	<-started

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	assert.NoError(t, q.Shutdown(shutdownCtx))
}
