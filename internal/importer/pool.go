package importer

import (
	"log"
	"sync"
)

// WorkerPool runs import sessions on a fixed number of workers with a
// bounded queue. When the queue is saturated the submitting goroutine runs
// the task itself, which naturally throttles new submissions. Stop drains
// queued work before returning.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewWorkerPool starts workers immediately.
func NewWorkerPool(workers, queueDepth int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	pool := &WorkerPool{tasks: make(chan func(), queueDepth)}
	pool.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}
	return pool
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task, running it on the caller when the queue is full or
// the pool is already stopped.
func (p *WorkerPool) Submit(task func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		log.Printf("[import] worker pool stopped, running task on caller")
		task()
		return
	}

	select {
	case p.tasks <- task:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		task()
	}
}

// Stop closes the queue and waits for in-flight and queued tasks to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
