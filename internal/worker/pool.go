package worker

import "sync"

// Pool manages a fixed number of concurrent job slots for one worker
type Pool struct {
	maxJobs   int
	available int
	mu        sync.Mutex
	cond      *sync.Cond
}

// NewPool creates a pool with the given capacity
func NewPool(maxJobs int) *Pool {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	p := &Pool{maxJobs: maxJobs, available: maxJobs}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire blocks until a job slot is free and claims it
func (p *Pool) Acquire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.available <= 0 {
		p.cond.Wait()
	}
	p.available--
}

// Release returns a job slot to the pool
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < p.maxJobs {
		p.available++
	}
	p.cond.Signal()
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}
