// Package delivery provides the fixed-size worker pool that performs socket
// writes. Delivery tasks are submitted as closures; the pool bounds how many
// writes run in parallel and contains per-task panics so one bad delivery
// never takes down a worker.
package delivery

import (
	"log"
	"sync"
)

// taskBuffer is the submission channel capacity. Submit blocks once the
// backlog is full, applying backpressure to the accept consumers.
const taskBuffer = 256

// Pool executes delivery tasks on a fixed number of worker goroutines.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mux    sync.Mutex
	closed bool
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		tasks: make(chan func(), taskBuffer),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		run(task)
	}
}

// run executes one task, recovering panics so faults never escape a worker.
func run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Delivery: task panic: %v", r)
		}
	}()
	task()
}

// Submit hands a task to the pool. Tasks submitted after Stop are dropped.
// The mutex is held across the channel send so Submit never races a close.
func (p *Pool) Submit(task func()) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return
	}
	p.tasks <- task
}

// Stop drains outstanding tasks and waits for all workers to exit.
func (p *Pool) Stop() {
	p.mux.Lock()
	if p.closed {
		p.mux.Unlock()
		return
	}
	p.closed = true
	p.mux.Unlock()

	close(p.tasks)
	p.wg.Wait()
}
