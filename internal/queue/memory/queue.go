// Package memory provides a single-process task queue for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-news-pipeline/internal/orchestrator"
)

// Queue is a bounded in-memory queue. Tasks that are not yet eligible wait on a timer
// and enter the channel when their NextEligibleAt passes.
type Queue struct {
	ch   chan orchestrator.Task
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	delayed map[string]*time.Timer
	now     func() time.Time
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan orchestrator.Task, capacity),
		done:    make(chan struct{}),
		delayed: make(map[string]*time.Timer),
		now:     time.Now,
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task orchestrator.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return orchestrator.ErrQueueClosed
	}
	if wait := task.NextEligibleAt.Sub(q.now()); wait > 0 {
		key := fmt.Sprintf("%s#%d", task.ID, task.Attempt)
		q.delayed[key] = time.AfterFunc(wait, func() { q.release(key, task) })
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return orchestrator.ErrQueueClosed
	case q.ch <- task:
		return nil
	}
}

func (q *Queue) release(key string, task orchestrator.Task) {
	q.mu.Lock()
	delete(q.delayed, key)
	q.mu.Unlock()
	select {
	case <-q.done:
	case q.ch <- task:
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (orchestrator.Task, error) {
	select {
	case <-ctx.Done():
		return orchestrator.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return orchestrator.Task{}, orchestrator.ErrQueueClosed
	case task := <-q.ch:
		return task, nil
	}
}

// Ack is a no-op; a dequeued task is already gone from memory.
func (q *Queue) Ack(context.Context, orchestrator.Task) error { return nil }

// Len reports ready plus delayed tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.delayed)
}

// Close stops pending timers and unblocks waiters. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for key, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, key)
	}
	close(q.done)
	return nil
}
