// Package ipi delivers work to the execution context hosting a vCPU, the
// software counterpart of an inter-processor interrupt.
package ipi

import (
	"context"
	"errors"
	"sync"
)

// ErrOffline is returned for requests to a context that has terminated.
var ErrOffline = errors.New("ipi: target offline")

type request struct {
	fn   func()
	done chan error
}

// Mailbox queues closures for one execution context, which runs them from
// Drain between guest entries.
type Mailbox struct {
	mu      sync.Mutex
	queue   []request
	closed  bool
	pending chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{pending: make(chan struct{}, 1)}
}

func (m *Mailbox) push(fn func(), done chan error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrOffline
	}
	m.queue = append(m.queue, request{fn: fn, done: done})
	select {
	case m.pending <- struct{}{}:
	default:
	}
	return nil
}

// Post queues fn without waiting for it to run.
func (m *Mailbox) Post(fn func()) error {
	return m.push(fn, nil)
}

// Send queues fn and waits until the owner has run it. If ctx ends first Send
// returns ctx.Err() and fn may still run later.
func (m *Mailbox) Send(ctx context.Context, fn func()) error {
	done := make(chan error, 1)
	if err := m.push(fn, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending becomes ready after a request is queued. It may fire for requests
// that have already been drained.
func (m *Mailbox) Pending() <-chan struct{} { return m.pending }

// Drain runs every queued request on the caller and returns how many ran.
// Only the owning context calls Drain.
func (m *Mailbox) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		req := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		req.fn()
		if req.done != nil {
			req.done <- nil
		}
		n++
	}
}

// Close rejects further requests. Requests still queued are answered with
// ErrOffline and never run.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, req := range m.queue {
		if req.done != nil {
			req.done <- ErrOffline
		}
	}
	m.queue = nil
}

func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
