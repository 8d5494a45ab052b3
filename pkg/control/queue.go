package control

import (
	"context"
	"sync"
)

// Request is a queued command awaiting its result.
type Request struct {
	Command
	reply chan error
}

// Reply reports the outcome of applying the command. It must be called
// exactly once.
func (r Request) Reply(err error) {
	r.reply <- err
}

// Queue is a FIFO of commands consumed by a single engine loop.
type Queue struct {
	ch     chan Request
	done   chan struct{}
	closer sync.Once
}

// NewQueue creates a queue holding up to size unconsumed commands.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{ch: make(chan Request, size), done: make(chan struct{})}
}

// Submit enqueues cmd and blocks until the consumer replied, ctx ended, or
// the queue was closed.
func (q *Queue) Submit(ctx context.Context, cmd Command) error {
	req := Request{Command: cmd, reply: make(chan error, 1)}
	select {
	case q.ch <- req:
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-q.done:
		// The consumer may have replied right before closing.
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan Request {
	return q.ch
}

// TryNext pops one command without blocking.
func (q *Queue) TryNext() (Request, bool) {
	select {
	case r := <-q.ch:
		return r, true
	default:
		return Request{}, false
	}
}

// Close stops accepting commands and fails the ones still queued.
func (q *Queue) Close() {
	q.closer.Do(func() {
		close(q.done)
		for {
			select {
			case r := <-q.ch:
				r.Reply(ErrClosed)
			default:
				return
			}
		}
	})
}
