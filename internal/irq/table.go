// Package irq routes physical interrupts taken on VM exit to host handlers.
package irq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/hv"
)

// Handler runs on the execution context that took the interrupt.
type Handler func(ctx context.Context, vector uint64)

type entry struct {
	name    string
	handler Handler
	count   atomic.Uint64
}

// Table maps interrupt vectors to handlers.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*entry

	unhandled atomic.Uint64
}

func NewTable() *Table {
	return &Table{entries: make(map[uint64]*entry)}
}

// Register installs handler for vector. A vector has at most one handler.
func (t *Table) Register(vector uint64, name string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("irq: nil handler for vector %d: %w", vector, hv.ErrInvalidInput)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.entries[vector]; ok {
		return fmt.Errorf("irq: vector %d already claimed by %s: %w", vector, prev.name, hv.ErrAlreadyExists)
	}
	t.entries[vector] = &entry{name: name, handler: handler}
	return nil
}

func (t *Table) Unregister(vector uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[vector]; !ok {
		return fmt.Errorf("irq: vector %d: %w", vector, hv.ErrNotFound)
	}
	delete(t.entries, vector)
	return nil
}

// Dispatch runs the handler for vector outside the table lock and reports
// whether one was registered.
func (t *Table) Dispatch(ctx context.Context, vector uint64) bool {
	t.mu.Lock()
	e, ok := t.entries[vector]
	t.mu.Unlock()
	if !ok {
		t.unhandled.Add(1)
		return false
	}
	e.count.Add(1)
	e.handler(ctx, vector)
	return true
}

// Count returns how many times vector was dispatched to a handler.
func (t *Table) Count(vector uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[vector]; ok {
		return e.count.Load()
	}
	return 0
}

// Unhandled returns how many dispatched interrupts had no handler.
func (t *Table) Unhandled() uint64 { return t.unhandled.Load() }
