package persistence

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("persistence: write queue closed")

// Queue executes the durable writes of one document one at a time, in the
// order they were submitted, on its own goroutine. Submitting never blocks.
type Queue struct {
	mu     sync.Mutex
	jobs   []func(context.Context)
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends job and reports false once the queue is closed.
func (q *Queue) Enqueue(job func(context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs job behind every write already queued and waits for its result.
// Cancelling ctx stops the wait, not the job.
func (q *Queue) Do(ctx context.Context, job func(context.Context) error) error {
	result := make(chan error, 1)
	if !q.Enqueue(func(jobCtx context.Context) { result <- job(jobCtx) }) {
		return ErrQueueClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new jobs, runs the ones already queued and waits for them.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job(context.Background())
	}
}
