package storage

import (
	"sync"
)

// executor is one of the Storage Manager's four shared pools (load,
// write, compress, decompress): a fixed number of goroutines draining a
// single priorityQueue.
type executor struct {
	name    string
	queue   *priorityQueue
	workers int
	wg      sync.WaitGroup
}

func newExecutor(name string, workers int) *executor {
	if workers < 1 {
		workers = 1
	}
	e := &executor{name: name, queue: newPriorityQueue(), workers: workers}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.run()
	}
	return e
}

func (e *executor) run() {
	defer e.wg.Done()
	for {
		fn, ok := e.queue.pop()
		if !ok {
			return
		}
		fn()
	}
}

// submit enqueues fn at priority p. It returns false once the executor
// has begun shutting down.
func (e *executor) submit(p Priority, fn func()) bool {
	return e.queue.push(p, fn)
}

// dispatch adapts submit to the func(func()) shape the Batch Writer and
// Prefetch Engine constructors accept, fixed at priority p.
func (e *executor) dispatch(p Priority) func(func()) {
	return func(fn func()) { e.submit(p, fn) }
}

// stop closes the queue (rejecting further submits) and blocks until
// every worker has drained it and exited.
func (e *executor) stop() {
	e.queue.close()
	e.wg.Wait()
}

// pending reports how many tasks are queued but not yet picked up.
func (e *executor) pending() int {
	return e.queue.len()
}
