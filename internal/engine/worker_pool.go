package engine

import (
	"sync"
)

// WorkerPool bounds the number of decisions evaluated concurrently by DecideBatch
type WorkerPool struct {
	workers int
	tasks   chan func()
	started bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a started pool
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 8
	}

	pool := &WorkerPool{
		workers: workers,
		tasks:   make(chan func(), workers*4),
	}

	pool.start()
	return pool
}

func (p *WorkerPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	for i := 0; i < p.workers; i++ {
		go p.worker()
	}
	p.started = true
}

func (p *WorkerPool) worker() {
	for task := range p.tasks {
		task()
	}
}

// Submit queues a task, running it inline once the pool is stopped
func (p *WorkerPool) Submit(task func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		task()
		return
	}
	p.tasks <- task
}

// Stop lets queued tasks drain and stops the workers
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}

	close(p.tasks)
	p.started = false
}

// Workers returns the number of workers
func (p *WorkerPool) Workers() int {
	return p.workers
}
