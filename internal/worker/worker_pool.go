// ============================================================================
// Beaver-Jobs Worker Pool - concurrent task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of worker goroutines and hands tasks to them
//
// Design:
//   Worker Pool with elastic overflow:
//   1. A fixed number of core Worker goroutines keep running
//   2. Submit hands a task over an unbuffered channel to an idle core worker
//   3. If no core worker is idle, the task runs on an overflow goroutine
//
//   Jobs may park inside a blocking condition while the job that will release
//   them still needs a goroutine. A bounded pool would deadlock there, so the
//   pool never queues: every accepted task starts immediately.
//
//   ┌─────────────┐
//   │ JobManager  │ --Submit()--> taskCh (hand-off)
//   └─────────────┘                  │
//   ┌─────────────┐                  │ no idle worker?
//   │   Pool      │                  └──> overflow goroutine
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(n) - create the pool
//   2. Start() - start n core workers
//   3. Submit(task) - run a task
//   4. Stop() - refuse new tasks, wait for running ones
//
// Concurrency:
//   - taskCh is never closed; stopCh signals the workers, so Submit can never
//     send on a closed channel
//   - mu serializes Submit against Stop
//   - WaitGroup tracks core workers and overflow goroutines
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed means the pool was stopped and refuses new tasks
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called yet
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs tasks on core workers or overflow goroutines
type Pool struct {
	coreSize int
	workers  []*Worker
	taskCh   chan Task
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex

	active   atomic.Int64 // tasks currently running
	overflow atomic.Int64 // tasks that ran on overflow goroutines
}

// NewPool creates a pool with coreSize long-lived workers.
// coreSize below 1 is treated as 1.
func NewPool(coreSize int) *Pool {
	if coreSize < 1 {
		coreSize = 1
	}
	return &Pool{
		coreSize: coreSize,
		workers:  make([]*Worker, 0, coreSize),
		taskCh:   make(chan Task),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the core workers
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < p.coreSize; i++ {
		w := newWorker(i, p.taskCh, p.stopCh, &p.active)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit starts task right away on an idle core worker or an overflow goroutine
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
	}

	p.overflow.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		execute(-1, task, &p.active)
	}()
	return nil
}

// Stop refuses new tasks, signals the core workers and waits for every
// running task to return
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount returns the number of core workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// IsStopped reports whether Stop was called
func (p *Pool) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// ActiveCount returns the number of tasks running right now
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// OverflowCount returns how many tasks ran outside the core workers
func (p *Pool) OverflowCount() int64 {
	return p.overflow.Load()
}
