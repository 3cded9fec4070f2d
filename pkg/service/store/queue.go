package store

import (
	"context"
	"sync"
)

// writeQueue serializes non-transactional writes: each submitted task fully
// completes, success or failure, before the next one starts. Failures do not
// poison the queue. A caller abandoning its wait (context cancellation) does
// not stop the task; the write may still land afterwards.
type writeQueue struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func newWriteQueue(buffer int) *writeQueue {
	q := &writeQueue{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *writeQueue) run() {
	for task := range q.tasks {
		task()
	}
	close(q.done)
}

// do submits a task and waits for its result
func (q *writeQueue) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case q.tasks <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the consumer after draining already-submitted tasks
func (q *writeQueue) close() {
	q.closeOnce.Do(func() {
		close(q.tasks)
	})
	<-q.done
}
