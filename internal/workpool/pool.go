// Package workpool provides the fixed-size worker pool and the task groups
// the backup orchestrators schedule their copy jobs on.
package workpool

import (
	"log/slog"
	"sync"
)

// Job is a unit of work. It receives the index of the worker running it,
// which callers use to pick per-worker resources such as a connection.
type Job func(worker int)

// Pool is a fixed set of workers pulling jobs from a shared FIFO queue.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	stopped bool
	started bool
	size    int
	wg      sync.WaitGroup
	log     *slog.Logger
}

// NewPool creates a pool. Call Start to spawn its workers.
func NewPool() *Pool {
	p := &Pool{log: slog.With("component", "workpool")}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start spawns n workers. It is a no-op if the pool is already started.
func (p *Pool) Start(n int) {
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stopped = false
	p.size = n

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.log.Debug("started workers", "workers", n)
}

// Stop wakes and joins all workers. Jobs still queued are abandoned, not run.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	abandoned := len(p.queue)
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	if abandoned > 0 {
		p.log.Warn("stopped with queued jobs", "abandoned", abandoned)
	}
}

// Push enqueues a job and wakes one worker.
func (p *Pool) Push(job Job) {
	p.mu.Lock()
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	p.cond.Signal()
}

// Size returns the number of workers spawned by Start.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) workerLoop(worker int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		job(worker)
	}
}
