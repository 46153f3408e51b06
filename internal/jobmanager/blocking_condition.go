package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// BlockingCondition parks jobs until it is cleared. A job that waits gives
// its mutex permit away for the duration of the wait, so other jobs of the
// same session can run, and lines up again at the tail of the queue when it
// wakes.
type BlockingCondition struct {
	name string

	mu       sync.Mutex
	blocking bool
	released chan struct{} // closed while not blocking
	parked   map[*Future]struct{}
}

func newBlockingCondition(name string, blocking bool) *BlockingCondition {
	bc := &BlockingCondition{
		name:     name,
		blocking: blocking,
		released: make(chan struct{}),
		parked:   make(map[*Future]struct{}),
	}
	if !blocking {
		close(bc.released)
	}
	return bc
}

func (bc *BlockingCondition) Name() string { return bc.name }

func (bc *BlockingCondition) IsBlocking() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.blocking
}

// SetBlocking arms or clears the condition. Clearing wakes every waiter.
func (bc *BlockingCondition) SetBlocking(blocking bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.blocking == blocking {
		return
	}
	bc.blocking = blocking
	if blocking {
		bc.released = make(chan struct{})
	} else {
		close(bc.released)
	}
}

// WaitingFutures returns the futures parked right now.
func (bc *BlockingCondition) WaitingFutures() []*Future {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make([]*Future, 0, len(bc.parked))
	for f := range bc.parked {
		out = append(out, f)
	}
	return out
}

// WaitFor blocks until the condition is cleared or ctx is done. hints are
// attached to the calling future while it waits.
//
// Called from a job, the mutex permit is yielded while parked and regained
// before WaitFor returns, also when it returns ErrInterrupted. Only the job's
// own goroutine may wait while holding the permit; any other caller sharing
// the job's context gets ErrNotPermitOwner without waiting.
func (bc *BlockingCondition) WaitFor(ctx context.Context, hints ...string) error {
	return bc.wait(ctx, 0, false, hints)
}

// WaitForTimeout is WaitFor bounded by timeout. A non-positive timeout fails
// with ErrTimedOut without waiting.
func (bc *BlockingCondition) WaitForTimeout(ctx context.Context, timeout time.Duration, hints ...string) error {
	return bc.wait(ctx, timeout, true, hints)
}

func (bc *BlockingCondition) wait(ctx context.Context, timeout time.Duration, bounded bool, hints []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	bc.mu.Lock()
	if !bc.blocking {
		bc.mu.Unlock()
		return nil
	}
	if bounded && timeout <= 0 {
		bc.mu.Unlock()
		return fmt.Errorf("%w: blocking condition %q", ErrTimedOut, bc.name)
	}
	if ctx.Err() != nil {
		bc.mu.Unlock()
		return interruptedError(ctx)
	}
	released := bc.released
	f := CurrentFuture(ctx)
	if f != nil {
		if _, dup := bc.parked[f]; dup {
			bc.mu.Unlock()
			return fmt.Errorf("%w: %s already waits for %q", ErrNotPermitOwner, f, bc.name)
		}
		bc.parked[f] = struct{}{}
	}
	bc.mu.Unlock()

	if f != nil {
		if err := f.manager.enterBlocked(f, bc, hints); err != nil {
			bc.mu.Lock()
			delete(bc.parked, f)
			bc.mu.Unlock()
			return err
		}
	}

	var expired <-chan time.Time
	if bounded {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var err error
	select {
	case <-released:
	case <-expired:
		err = fmt.Errorf("%w: blocking condition %q after %v", ErrTimedOut, bc.name, timeout)
	case <-ctx.Done():
		err = interruptedError(ctx)
	}

	if f != nil {
		bc.mu.Lock()
		delete(bc.parked, f)
		bc.mu.Unlock()
		f.manager.leaveBlocked(f, bc, hints)
	}
	return err
}

func (bc *BlockingCondition) String() string {
	return fmt.Sprintf("BlockingCondition{%s blocking=%t}", bc.name, bc.IsBlocking())
}

// enterBlocked attaches hints, fires BLOCKED and yields the permit. Only the
// running job itself may block: a goroutine it spawned, or a second wait
// while the job is already parked, gets ErrNotPermitOwner and keeps nothing
// from the permit.
func (m *JobManager) enterBlocked(f *Future, bc *BlockingCondition, hints []string) error {
	mutex := f.Mutex()
	if mutex != nil && !m.semaphores.IsPermitOwner(mutex, f) {
		return fmt.Errorf("%w: %s waiting for %q", ErrNotPermitOwner, f, bc.name)
	}
	f.mu.Lock()
	if f.state != types.StateRunning {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, cannot wait for %q", ErrNotPermitOwner, f, state, bc.name)
	}
	f.state = types.StateBlocked
	f.mu.Unlock()
	m.signalChange()

	for _, h := range hints {
		f.AddExecutionHint(h)
	}
	m.fire(JobEvent{Type: types.EventBlocked, Future: f, Hint: bc.name})

	if mutex != nil {
		if err := m.semaphores.YieldForBlockingCondition(mutex, f); err != nil {
			m.log.Warn("Blocking without holding the permit", "future", f.id, "job", f.Name(), "mutex", mutex, "error", err)
		}
	}
	return nil
}

// leaveBlocked fires UNBLOCKED, detaches hints, regains the permit and fires
// RESUMED.
func (m *JobManager) leaveBlocked(f *Future, bc *BlockingCondition, hints []string) {
	mutex := f.Mutex()
	if mutex != nil {
		f.setState(types.StateWaitingForPermit)
	}
	m.fire(JobEvent{Type: types.EventUnblocked, Future: f, Hint: bc.name})
	for _, h := range hints {
		f.RemoveExecutionHint(h)
	}

	if mutex != nil {
		if err := m.semaphores.Reacquire(mutex, f); err != nil {
			m.log.Warn("Reacquire without a yielded permit", "future", f.id, "job", f.Name(), "mutex", mutex, "error", err)
		}
	}
	f.setState(types.StateRunning)
	m.fire(JobEvent{Type: types.EventResumed, Future: f, Hint: bc.name})
}
