// internal/gateway/queue.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// laneBuffer is the number of jobs a single conversation may have waiting.
const laneBuffer = 100

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("queue closed")

// Processor handles one job. It runs with the queue's context.
type Processor func(ctx context.Context, job *Job) error

// Queue manages per-conversation lanes with a global concurrency semaphore.
// Each lane is a FIFO channel drained by its own goroutine, so jobs of one
// conversation run one at a time and in arrival order, while the semaphore
// bounds the number of jobs running across all lanes.
type Queue struct {
	lanes     map[string]chan *Job
	semaphore *semaphore.Weighted
	processor Processor
	active    atomic.Int64
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue that allows up to maxConcurrent jobs to execute
// simultaneously across all lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[string]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    slog.Default(),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a job to its lane, creating the lane (and its goroutine) on
// first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.ctx == nil {
		return ErrQueueClosed
	}

	lane, exists := q.lanes[job.Lane]
	if !exists {
		lane = make(chan *Job, laneBuffer)
		q.lanes[job.Lane] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("queue full for lane %s", job.Lane)
	}
}

// processLane drains a single lane, acquiring a semaphore slot before
// running the processor synchronously.
func (q *Queue) processLane(lane chan *Job) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.run(job)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) run(job *Job) {
	q.mu.RLock()
	processor := q.processor
	q.mu.RUnlock()
	if processor == nil {
		return
	}

	q.active.Add(1)
	defer q.active.Add(-1)

	job.start()
	err := processor(q.ctx, job)
	job.finish(err)
	if err != nil {
		q.logger.Error("job failed", "job_id", string(job.ID), "lane", job.Lane, "error", err)
		return
	}
	q.logger.Debug("job complete", "job_id", string(job.ID), "lane", job.Lane,
		"duration", job.EndedAt.Sub(*job.StartedAt))
}

// Active returns the number of jobs currently running.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// WaitIdle blocks until no jobs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued job.
func (q *Queue) SetProcessor(fn Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = fn
}

// SetLogger replaces the queue's logger.
func (q *Queue) SetLogger(logger *slog.Logger) {
	if logger != nil {
		q.logger = logger
	}
}
