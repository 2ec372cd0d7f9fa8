// worker pool: a bounded-in-threads, unbounded-in-depth FIFO of handler
// step callbacks. Workers are interchangeable — nothing pins
// a callback to the worker that last ran it, so a Handler must tolerate
// being resumed on a different goroutine between steps.
package engine

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// StepFunc is one cooperative slice of work. Returning false re-enqueues
// it at the back of the queue instead of treating it as done — the
// cooperative-yield mechanism that keeps one long-running request from
// starving the others on its thread.
type StepFunc func() bool

// Pool is the FIFO work queue plus the set of goroutines draining it. A
// zero Pool is not usable — build one with NewPool.
type Pool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []StepFunc
	terminated bool
	wg         sync.WaitGroup

	target atomic.Int64 // desired worker count
	live   atomic.Int64 // currently running worker goroutines
}

// NewPool starts workers goroutines pulling from a shared FIFO queue.
// workers <= 0 defaults to runtime.NumCPU(), minimum 1.
func NewPool(workers int) *Pool {
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.target.Store(int64(normalizeWorkerCount(workers)))
	p.spawnUpToTarget()
	return p
}

func normalizeWorkerCount(workers int) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (p *Pool) spawnUpToTarget() {
	for p.live.Load() < p.target.Load() {
		p.live.Add(1)
		p.wg.Add(1)
		go p.run()
	}
}

// Enqueue appends cb to the back of the work queue and wakes one waiting
// worker.
func (p *Pool) Enqueue(cb StepFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return
	}
	p.queue = append(p.queue, cb)
	p.cond.Signal()
}

// Resize changes the desired worker count. Growing spins up new workers immediately; shrinking lets
// currently-running workers exit naturally at their next step boundary
// instead of killing one mid-step.
func (p *Pool) Resize(workers int) {
	p.target.Store(int64(normalizeWorkerCount(workers)))
	p.spawnUpToTarget()
	// if shrinking, wake everyone so an idle worker can notice the new
	// target and exit instead of waiting indefinitely in pop().
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// pop blocks until an item is available or the pool is terminated. On
// termination it returns (nil, false) so the worker can exit.
func (p *Pool) pop() (StepFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.terminated || p.live.Load() > p.target.Load() {
			return nil, false
		}
		p.cond.Wait()
	}
	cb := p.queue[0]
	p.queue = p.queue[1:]
	return cb, true
}

func (p *Pool) run() {
	defer func() {
		p.live.Add(-1)
		p.wg.Done()
	}()
	for {
		cb, ok := p.pop()
		if !ok {
			return
		}
		if !cb() {
			p.Enqueue(cb)
		}
		if p.live.Load() > p.target.Load() {
			return
		}
	}
}

// Terminate stops accepting new work, wakes every blocked worker so they
// observe the termination and exit, and waits for all of them to return.
func (p *Pool) Terminate() {
	p.mu.Lock()
	p.terminated = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// QueueDepth reports the number of pending (not yet started, or
// re-enqueued) steps — used by the stats/introspection snapshot.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// WorkerCount reports the number of currently running worker goroutines.
func (p *Pool) WorkerCount() int {
	return int(p.live.Load())
}
