// Package workerpool provides a simple worker pool for limiting the number
// of goroutines which run simultaneously.
package workerpool

import (
	"sync"
)

// WorkerPool runs submitted tasks on a fixed number of goroutines.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// New returns a WorkerPool which runs tasks on numWorkers goroutines.
func New(numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	p := &WorkerPool{
		tasks: make(chan func()),
	}
	for i := 0; i < numWorkers; i++ {
		go func() {
			for t := range p.tasks {
				t()
				p.wg.Done()
			}
		}()
	}
	return p
}

// Go submits a task to the pool, blocking until a worker is available to
// accept it. Go panics if called after Wait.
func (p *WorkerPool) Go(f func()) {
	p.wg.Add(1)
	p.tasks <- f
}

// Wait blocks until all submitted tasks have finished, then shuts down the
// pool. The pool cannot be reused; calling Go or Wait again panics.
func (p *WorkerPool) Wait() {
	close(p.tasks)
	p.wg.Wait()
}
