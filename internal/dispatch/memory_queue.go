package dispatch

import (
	"context"
	"sync"
	"time"
)

type leasedTask struct {
	task     Task
	deadline time.Time
}

// MemoryQueue is the default single-process queue. Pending tasks are FIFO;
// claimed tasks are tracked with a lease deadline so a dead worker's task
// becomes redeliverable.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Task
	inflight map[string]leasedTask
	capacity int
	leaseTTL time.Duration
	notify   chan struct{}
	closed   bool
}

func NewMemoryQueue(capacity int, leaseTTL time.Duration) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &MemoryQueue{
		inflight: make(map[string]leasedTask),
		capacity: capacity,
		leaseTTL: leaseTTL,
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueSaturated
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Task{}, ErrClosed
		}
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight[t.ID] = leasedTask{task: t, deadline: time.Now().Add(q.leaseTTL)}
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Ack completes a lease. Acking an unknown task is a no-op; the lease may
// already have expired and been redelivered.
func (q *MemoryQueue) Ack(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, taskID)
	return nil
}

// Nack returns a leased task to the front of the queue for redelivery.
func (q *MemoryQueue) Nack(_ context.Context, taskID string) error {
	q.mu.Lock()
	lt, ok := q.inflight[taskID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.inflight, taskID)
	q.pending = append([]Task{lt.task}, q.pending...)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	requeued := 0
	for id, lt := range q.inflight {
		if lt.deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		q.pending = append(q.pending, lt.task)
		requeued++
	}
	q.mu.Unlock()
	if requeued > 0 {
		q.signal()
	}
	return requeued, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

// Close marks the queue closed. Blocked Claim calls observe it on their
// next wakeup; the dispatcher cancels their context on shutdown anyway.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
