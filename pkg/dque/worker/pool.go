package worker

import (
	"context"
	"sync"
)

// Pool lazily starts up to Concurrency child processes and hands out idle
// ones to callers, per spec §4.7 ("the runtime reuses idle workers; new
// workers are spawned lazily up to the configured concurrency").
type Pool struct {
	cfg         Config
	concurrency int

	mu      sync.Mutex
	workers []*Worker
}

// NewPool creates a pool that will start at most concurrency workers lazily.
func NewPool(cfg Config, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{cfg: cfg, concurrency: concurrency}
}

// Acquire returns an idle worker, starting a new one if capacity allows and
// none are idle. It returns nil, nil if the pool is at capacity and every
// worker is busy.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	for _, w := range p.workers {
		if !w.IsBusy() {
			p.mu.Unlock()
			return w, nil
		}
	}
	if len(p.workers) >= p.concurrency {
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()

	w, err := Start(ctx, p.cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if len(p.workers) >= p.concurrency {
		p.mu.Unlock()
		_ = w.Terminate()
		return p.Acquire(ctx)
	}
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	return w, nil
}

// Size reports how many child processes are currently running.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Idle reports how many running workers are not currently executing a job.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if !w.IsBusy() {
			n++
		}
	}
	return n
}

// Shutdown terminates every worker in the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := append([]*Worker{}, p.workers...)
	p.workers = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			_ = w.Terminate()
		}(w)
	}
	wg.Wait()
}

// Remove drops a dead worker (crashed or terminated) from the pool so a
// fresh one is started in its place on the next Acquire.
func (p *Pool) Remove(dead *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		if w == dead {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}
