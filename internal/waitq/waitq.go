// Package waitq is a FIFO wait queue with explicit notification, used to park
// vCPU tasks and the VMM's top level.
package waitq

import (
	"context"
	"sync"
)

type waiter struct {
	ch       chan struct{}
	notified bool
}

// Queue wakes waiters in arrival order. The zero value is ready to use.
type Queue struct {
	mu      sync.Mutex
	waiters []*waiter
}

func (q *Queue) enqueue() *waiter {
	w := &waiter{ch: make(chan struct{})}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return w
}

// leave removes w after it stopped waiting for some other reason than a
// notification. A notification that raced with the departure is handed on.
func (q *Queue) leave(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
	if w.notified {
		q.notifyOneLocked()
	}
}

func (q *Queue) notifyOneLocked() bool {
	if len(q.waiters) == 0 {
		return false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	w.notified = true
	close(w.ch)
	return true
}

// Wait blocks until the caller is notified, interrupt becomes ready or ctx is
// done. stop, if not nil, is evaluated once the caller is queued; when it
// reports true Wait returns at once without consuming a notification.
// Wait returns ctx.Err() if ctx ended the wait and nil otherwise.
func (q *Queue) Wait(ctx context.Context, interrupt <-chan struct{}, stop func() bool) error {
	w := q.enqueue()

	if stop != nil && stop() {
		q.leave(w)
		return nil
	}

	select {
	case <-w.ch:
		return nil
	case <-interrupt:
		q.leave(w)
		return nil
	case <-ctx.Done():
		q.leave(w)
		return ctx.Err()
	}
}

// WaitUntil blocks until cond reports true. cond is checked with the caller
// already queued, so a state change followed by a notification is never
// missed.
func (q *Queue) WaitUntil(ctx context.Context, cond func() bool) error {
	for {
		w := q.enqueue()
		if cond() {
			q.leave(w)
			return nil
		}
		select {
		case <-w.ch:
		case <-ctx.Done():
			q.leave(w)
			return ctx.Err()
		}
	}
}

// NotifyOne wakes the longest waiting caller and reports whether there was
// one.
func (q *Queue) NotifyOne() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifyOneLocked()
}

// NotifyAll wakes every waiter and returns how many there were.
func (q *Queue) NotifyAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.waiters)
	for _, w := range q.waiters {
		w.notified = true
		close(w.ch)
	}
	q.waiters = nil
	return n
}

// Len returns the number of queued waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
