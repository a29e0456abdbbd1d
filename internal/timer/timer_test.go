package timer

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCheckEventsOrder(t *testing.T) {
	l := NewList()
	base := time.Unix(1000, 0)
	var fired []string

	l.Register(base.Add(3*time.Second), func(time.Time) { fired = append(fired, "c") })
	l.Register(base.Add(1*time.Second), func(time.Time) { fired = append(fired, "a") })
	l.Register(base.Add(1*time.Second), func(time.Time) { fired = append(fired, "b") })

	if n := l.CheckEvents(base); n != 0 {
		t.Fatalf("CheckEvents before any deadline=%d, want 0", n)
	}
	if n := l.CheckEvents(base.Add(2 * time.Second)); n != 2 {
		t.Fatalf("CheckEvents=%d, want 2", n)
	}
	if diff := cmp.Diff([]string{"a", "b"}, fired); diff != "" {
		t.Fatalf("fired (-want +got):\n%s", diff)
	}
	next, ok := l.Next()
	if !ok || !next.Equal(base.Add(3*time.Second)) {
		t.Fatalf("Next=(%v, %v), want (%v, true)", next, ok, base.Add(3*time.Second))
	}
}

func TestCancel(t *testing.T) {
	l := NewList()
	now := time.Unix(0, 0)
	tok := l.Register(now, func(time.Time) { t.Fatal("cancelled event fired") })
	if !l.Cancel(tok) {
		t.Fatal("Cancel of a pending event failed")
	}
	if l.Cancel(tok) {
		t.Fatal("second Cancel succeeded")
	}
	if n := l.CheckEvents(now); n != 0 {
		t.Fatalf("CheckEvents=%d, want 0", n)
	}
}

func TestRearmFromCallback(t *testing.T) {
	l := NewList()
	now := time.Unix(0, 0)
	count := 0
	var tick func(time.Time)
	tick = func(at time.Time) {
		count++
		l.Register(at.Add(time.Second), tick)
	}
	l.Register(now, tick)

	l.CheckEvents(now)
	if count != 1 || l.Len() != 1 {
		t.Fatalf("after first check count=%d len=%d, want 1 1", count, l.Len())
	}
}

func TestPerCPU(t *testing.T) {
	p := NewPerCPU()
	now := time.Unix(0, 0)
	ran := 0
	p.CPU(1).Register(now, func(time.Time) { ran++ })

	if n := p.CheckEvents(0, now); n != 0 {
		t.Fatalf("CPU 0 ran %d events, want 0", n)
	}
	if n := p.CheckEvents(1, now); n != 1 || ran != 1 {
		t.Fatalf("CPU 1 ran %d events (callback %d), want 1", n, ran)
	}
}
