package waitq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitForLen(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for q.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("queue length=%d, want %d", q.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotifyOneFIFO(t *testing.T) {
	var q Queue
	order := make(chan int, 2)

	for i := 0; i < 2; i++ {
		go func() {
			q.Wait(context.Background(), nil, nil)
			order <- i
		}()
		waitForLen(t, &q, i+1)
	}

	if !q.NotifyOne() {
		t.Fatal("NotifyOne found no waiter")
	}
	if got := <-order; got != 0 {
		t.Fatalf("first woken=%d, want 0", got)
	}
	q.NotifyOne()
	if got := <-order; got != 1 {
		t.Fatalf("second woken=%d, want 1", got)
	}
	if q.NotifyOne() {
		t.Fatal("NotifyOne on empty queue reported a waiter")
	}
}

func TestNotifyAll(t *testing.T) {
	var q Queue
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			q.Wait(context.Background(), nil, nil)
			done <- struct{}{}
		}()
	}
	waitForLen(t, &q, 3)

	if got := q.NotifyAll(); got != 3 {
		t.Fatalf("NotifyAll=%d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
}

func TestWaitInterrupt(t *testing.T) {
	var q Queue
	interrupt := make(chan struct{}, 1)
	interrupt <- struct{}{}

	if err := q.Wait(context.Background(), interrupt, nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue length after interrupt=%d, want 0", got)
	}
}

func TestWaitStop(t *testing.T) {
	var q Queue
	if err := q.Wait(context.Background(), nil, func() bool { return true }); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue length after stop=%d, want 0", got)
	}
}

func TestWaitCancel(t *testing.T) {
	var q Queue
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Wait(ctx, nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err=%v, want %v", err, context.Canceled)
	}
	if err := q.WaitUntil(ctx, func() bool { return false }); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitUntil err=%v, want %v", err, context.Canceled)
	}
}

func TestWaitUntil(t *testing.T) {
	var q Queue
	var ready atomic.Bool
	done := make(chan error, 1)

	go func() {
		done <- q.WaitUntil(context.Background(), ready.Load)
	}()
	waitForLen(t, &q, 1)

	// a notification without the condition keeps the waiter parked
	q.NotifyAll()
	waitForLen(t, &q, 1)

	ready.Store(true)
	q.NotifyAll()
	if err := <-done; err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
}

func TestWaitUntilAlreadyTrue(t *testing.T) {
	var q Queue
	if err := q.WaitUntil(context.Background(), func() bool { return true }); err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue length=%d, want 0", got)
	}
}
