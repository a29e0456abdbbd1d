// Package timer keeps per-core lists of deadlines that are checked when a
// vCPU exits for an external interrupt.
package timer

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Token identifies a registered event.
type Token uint64

type event struct {
	deadline time.Time
	token    Token
	fn       func(now time.Time)
}

func eventLess(a, b event) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.token < b.token
}

// List is an ordered set of deadlines.
type List struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[event]
	byTok  map[Token]event
	nextID Token
}

func NewList() *List {
	return &List{tree: btree.NewG(8, eventLess), byTok: make(map[Token]event)}
}

// Register arranges for fn to run from the first CheckEvents at or after
// deadline.
func (l *List) Register(deadline time.Time, fn func(now time.Time)) Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	ev := event{deadline: deadline, token: l.nextID, fn: fn}
	l.tree.ReplaceOrInsert(ev)
	l.byTok[ev.token] = ev
	return ev.token
}

// Cancel removes an event that has not fired yet.
func (l *List) Cancel(tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.byTok[tok]
	if !ok {
		return false
	}
	delete(l.byTok, tok)
	l.tree.Delete(ev)
	return true
}

// CheckEvents runs every event due at now, earliest first, and returns how
// many ran. Callbacks run without the list lock and may register new events.
func (l *List) CheckEvents(now time.Time) int {
	n := 0
	for {
		l.mu.Lock()
		ev, ok := l.tree.Min()
		if !ok || ev.deadline.After(now) {
			l.mu.Unlock()
			return n
		}
		l.tree.DeleteMin()
		delete(l.byTok, ev.token)
		l.mu.Unlock()

		ev.fn(now)
		n++
	}
}

// Next returns the earliest pending deadline.
func (l *List) Next() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.tree.Min()
	return ev.deadline, ok
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Len()
}

// PerCPU holds one List per physical CPU.
type PerCPU struct {
	mu    sync.Mutex
	lists map[int]*List
}

func NewPerCPU() *PerCPU {
	return &PerCPU{lists: make(map[int]*List)}
}

// CPU returns the list of physical CPU cpu, creating it on first use.
func (p *PerCPU) CPU(cpu int) *List {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lists[cpu]
	if !ok {
		l = NewList()
		p.lists[cpu] = l
	}
	return l
}

// CheckEvents runs the due events of one CPU.
func (p *PerCPU) CheckEvents(cpu int, now time.Time) int {
	return p.CPU(cpu).CheckEvents(now)
}
