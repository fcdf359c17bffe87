package importer

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(2, 4)

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&counter, 1)
		})
	}
	wg.Wait()
	pool.Stop()

	if counter != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", counter)
	}
}

func TestWorkerPoolStopDrainsQueuedTasks(t *testing.T) {
	pool := NewWorkerPool(1, 8)

	var counter int64
	for i := 0; i < 5; i++ {
		pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
	pool.Stop()

	if counter != 5 {
		t.Fatalf("expected queued tasks to finish before Stop returns, got %d", counter)
	}
}

func TestWorkerPoolRunsOnCallerAfterStop(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	pool.Stop()

	ran := false
	pool.Submit(func() { ran = true })
	if !ran {
		t.Fatalf("expected task to run on the caller after stop")
	}
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	pool.Stop()
	pool.Stop()
}
