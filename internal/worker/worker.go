// ============================================================================
// Beaver-Jobs Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Long-lived goroutine that executes tasks handed over by the Pool
//
// How it works:
//   Each core Worker is an independent goroutine that continuously executes
//   the following loop:
//   1. Wait for a task on taskCh (or the stop signal)
//   2. Run the task body, recovering a panic so the worker survives
//   3. Repeat until stopCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for {                        │   │
//   │  │   select taskCh / stopCh     │   │
//   │  │   └─ execute(task)           │   │
//   │  │ }                            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// ============================================================================

package worker

import (
	"log/slog"
	"sync/atomic"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker identifier, used for logging and debugging
	taskCh   <-chan Task     // Hand-off channel (read-only)
	stopCh   <-chan struct{} // Closed when the pool stops
	executed atomic.Int64    // Number of tasks this worker ran
	active   *atomic.Int64   // Pool-wide count of running tasks
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, stopCh <-chan struct{}, active *atomic.Int64) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		stopCh: stopCh,
		active: active,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.executed.Add(1)
			execute(w.id, task, w.active)
		}
	}
}

// Executed returns how many tasks this worker has run.
func (w *Worker) Executed() int64 {
	return w.executed.Load()
}

// execute runs one task; a panic escaping the body is logged and swallowed.
func execute(workerID int, task Task, active *atomic.Int64) {
	active.Add(1)
	defer active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "worker", workerID, "task", task.ID, "panic", r)
		}
	}()
	task.Run()
}
