// Package background provides a small bounded worker pool for fire-and-forget
// tasks spawned by the serving path: impression recording, cache writes, and
// cache invalidation. Tasks never block the submitting request; when the
// queue is full the task is dropped and counted, since every background task
// in this system is safe to lose.
package background

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Pool runs submitted tasks on a fixed set of workers. Panics inside tasks
// are recovered and logged so one bad task cannot take a worker down.
type Pool struct {
	tasks   chan job
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

type job struct {
	name string
	fn   func()
}

// NewPool starts workers goroutines consuming a queue of the given size.
func NewPool(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	p := &Pool{tasks: make(chan job, queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.tasks {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", j.name).
				Msg("background task panicked")
		}
	}()
	j.fn()
}

// Submit enqueues a task. It returns false when the pool is closed or the
// queue is full (a full queue is also logged and counted); the task is simply
// not run.
func (p *Pool) Submit(name string, fn func()) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.tasks <- job{name: name, fn: fn}:
		return true
	default:
		p.dropped.Add(1)
		log.Warn().Str("task", name).Msg("background queue full; task dropped")
		return false
	}
}

// Dropped returns the number of tasks rejected because the queue was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}
