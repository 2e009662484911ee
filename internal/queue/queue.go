// Package queue provides a per-document FIFO serializer for
// persistence-class operations. Tasks run strictly one at a time in
// submission order; a failing task does not poison the queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed indicates the queue no longer accepts tasks.
var ErrQueueClosed = errors.New("queue: closed")

// Task is a unit of work executed by the queue.
type Task func(ctx context.Context) error

type submission struct {
	ctx  context.Context
	task Task
	done chan error
}

// Queue executes submitted tasks sequentially in FIFO order.
type Queue struct {
	submissions chan *submission
	closeOnce   sync.Once
	closed      chan struct{}
	drained     chan struct{}
}

// New constructs a queue and starts its worker.
func New() *Queue {
	q := &Queue{
		submissions: make(chan *submission, 64),
		closed:      make(chan struct{}),
		drained:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.drained)
	for {
		select {
		case sub := <-q.submissions:
			sub.done <- q.execute(sub)
		case <-q.closed:
			// Drain whatever was accepted before close.
			for {
				select {
				case sub := <-q.submissions:
					sub.done <- q.execute(sub)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) execute(sub *submission) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("queue: task panic: %v", recovered)
		}
	}()
	if ctxErr := sub.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return sub.task(sub.ctx)
}

// Push submits a task and blocks until it has run, returning its error.
// Tasks from concurrent pushers run in arrival order, never in parallel.
func (q *Queue) Push(ctx context.Context, task Task) error {
	sub := &submission{ctx: ctx, task: task, done: make(chan error, 1)}
	select {
	case <-q.closed:
		return ErrQueueClosed
	case q.submissions <- sub:
	}
	select {
	case err := <-sub.done:
		return err
	case <-q.drained:
		// Queue shut down before the task ran.
		select {
		case err := <-sub.done:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// Close stops accepting tasks and waits for accepted tasks to finish.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	<-q.drained
}
