package taskpool

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTasksRunInFIFOOrder(t *testing.T) {
	p := New(1, 0, nil)

	var mu sync.Mutex
	var got []int

	const count = 100
	for i := 0; i < count; i++ {
		i := i
		err := p.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	p.Close()

	if len(got) != count {
		t.Fatalf("ran %d tasks, want %d", len(got), count)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestCloseDrainsBacklog(t *testing.T) {
	p := New(4, 0, nil)

	var ran int64
	const count = 500
	for i := 0; i < count; i++ {
		if err := p.Submit(func() { atomic.AddInt64(&ran, 1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	p.Close()

	if got := atomic.LoadInt64(&ran); got != count {
		t.Fatalf("ran %d tasks, want %d", got, count)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(2, 0, nil)
	p.Close()

	if err := p.Submit(func() {}); err != ErrShuttingDown {
		t.Fatalf("Submit after Close = %v, want ErrShuttingDown", err)
	}
}

func TestQueueCapacity(t *testing.T) {
	// No workers consume until we let them: block the single worker.
	release := make(chan struct{})
	p := New(1, 2, nil)

	started := make(chan struct{})
	if err := p.Submit(func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// Two fit in the queue; the third is rejected.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if err := p.Submit(func() {}); err != ErrQueueFull {
		t.Fatalf("Submit 3 = %v, want ErrQueueFull", err)
	}

	close(release)
	p.Close()
}

func TestPanicContained(t *testing.T) {
	var recovered atomic.Value
	p := New(1, 0, func(r interface{}) { recovered.Store(r) })

	if err := p.Submit(func() { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The worker must survive to run this.
	ran := false
	if err := p.Submit(func() { ran = true }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	p.Close()

	if !ran {
		t.Fatal("worker did not survive a panicking task")
	}
	if got := recovered.Load(); got != "boom" {
		t.Fatalf("panic handler saw %v, want boom", got)
	}
}
