// Package queue holds the in-memory dispatch queue: a bounded priority
// heap drained by a single event-driven dispatcher.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"aperio/internal/apperr"
	"aperio/internal/job"
)

// Entry is a queued unit of work.
type Entry struct {
	JobID    string
	URL      string
	Priority job.Priority
	QueuedAt time.Time

	seq uint64
}

// Runner executes one job end to end. The context is cancelled when the
// job is aborted or the queue shuts down.
type Runner func(ctx context.Context, e Entry)

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Queue is the bounded priority queue plus the registry of running jobs.
// Lock order: mu covers both the heap and the active set; nothing is held
// across task execution.
type Queue struct {
	maxSize    int
	maxRunning int

	mu       sync.Mutex
	heap     entryHeap
	active   map[string]*handle
	nextSeq  uint64
	shutdown bool

	notify   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New creates a queue bounded at maxSize entries with at most maxRunning
// jobs in flight.
func New(maxSize, maxRunning int) *Queue {
	return &Queue{
		maxSize:    maxSize,
		maxRunning: maxRunning,
		active:     make(map[string]*handle),
		notify:     make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
}

// Enqueue adds a job, or fails if the queue is full or shutting down.
func (q *Queue) Enqueue(jobID, url string, priority job.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return apperr.New(apperr.Internal, "Queue is shutting down")
	}
	if q.heap.Len() >= q.maxSize {
		return apperr.New(apperr.Internal, "Queue is full (max %d jobs), try again later", q.maxSize)
	}

	q.nextSeq++
	heap.Push(&q.heap, &Entry{
		JobID:    jobID,
		URL:      url,
		Priority: priority,
		QueuedAt: time.Now().UTC(),
		seq:      q.nextSeq,
	})
	q.wake()

	slog.Debug("Job enqueued", "job_id", jobID, "priority", priority, "depth", q.heap.Len())
	return nil
}

// Cancel aborts jobID wherever it is. It reports whether the job was found
// in the queue or in flight; the caller handles the durable state.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()

	if h, ok := q.active[jobID]; ok {
		q.mu.Unlock()
		h.cancel()
		<-h.done
		slog.Info("Cancelled running job", "job_id", jobID)
		return true
	}

	removed := q.heap.remove(jobID)
	q.mu.Unlock()

	if removed {
		slog.Info("Removed queued job", "job_id", jobID)
	}
	return removed
}

// Depth returns the number of queued (not yet running) jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Running returns the number of jobs in flight.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// StartWorker launches the dispatcher. It pops the highest-priority entry
// whenever a slot is free and runs it on its own goroutine with a
// cancellable context.
func (q *Queue) StartWorker(ctx context.Context, run Runner) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		slog.Info("Queue dispatcher started", "max_running", q.maxRunning)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopped:
				return
			case <-q.notify:
			}
			q.dispatch(ctx, run)
		}
	}()
}

func (q *Queue) dispatch(ctx context.Context, run Runner) {
	for {
		q.mu.Lock()
		if q.shutdown || q.heap.Len() == 0 || len(q.active) >= q.maxRunning {
			q.mu.Unlock()
			return
		}
		entry := heap.Pop(&q.heap).(*Entry)

		jobCtx, cancel := context.WithCancel(ctx)
		h := &handle{cancel: cancel, done: make(chan struct{})}
		q.active[entry.JobID] = h
		q.mu.Unlock()

		q.wg.Add(1)
		go func(e *Entry) {
			defer q.wg.Done()
			defer func() {
				cancel()
				close(h.done)
				q.mu.Lock()
				delete(q.active, e.JobID)
				q.mu.Unlock()
				q.wake()
			}()
			run(jobCtx, *e)
		}(entry)
	}
}

// Shutdown stops accepting work, cancels in-flight jobs and waits for them
// to finish or ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shutdown = true
	dropped := q.heap.Len()
	q.heap = q.heap[:0]
	handles := make([]*handle, 0, len(q.active))
	for _, h := range q.active {
		handles = append(handles, h)
	}
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stopped) })
	for _, h := range handles {
		h.cancel()
	}

	if dropped > 0 {
		slog.Warn("Dropped queued jobs during shutdown", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// entryHeap orders by priority descending, then FIFO by insertion sequence.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// remove deletes jobID from the heap, reporting whether it was present.
// Caller holds mu.
func (h *entryHeap) remove(jobID string) bool {
	for i, e := range *h {
		if e.JobID == jobID {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
