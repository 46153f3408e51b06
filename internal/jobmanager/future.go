// ============================================================================
// Beaver-Jobs Future - handle to one scheduled unit of work
// ============================================================================
//
// Package: internal/jobmanager
// File: future.go
//
// State machine:
//
//   NEW ──> SCHEDULED ──> WAITING_FOR_PERMIT ──> ABOUT_TO_RUN ──> RUNNING ──> DONE
//              │  ▲                                  ▲              │  │ ▲
//              │  └──────── next periodic round ─────┼──────────────┘  │ │
//              └─────────────────────────────────────┘                 ▼ │
//                                                     BLOCKED ──> WAITING_FOR_PERMIT
//
//   CANCELLED is reachable from every non-terminal state, REJECTED from the
//   states before a worker takes the future. Terminal states never change.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-jobs/internal/runcontext"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// allowedTransitions lists the legal non-cancel moves; CANCELLED is legal
// from every non-terminal state.
var allowedTransitions = map[types.JobState][]types.JobState{
	types.StateNew:              {types.StateScheduled, types.StateRejected},
	types.StateScheduled:        {types.StateWaitingForPermit, types.StateAboutToRun, types.StateRejected},
	types.StateWaitingForPermit: {types.StateAboutToRun, types.StateRunning, types.StateRejected},
	types.StateAboutToRun:       {types.StateRunning},
	types.StateRunning:          {types.StateBlocked, types.StateScheduled, types.StateDone},
	types.StateBlocked:          {types.StateWaitingForPermit, types.StateRunning},
}

func canTransition(from, to types.JobState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == types.StateCancelled {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type doneCallback struct {
	fn         func(ctx context.Context, event DoneEvent)
	runContext *runcontext.RunContext
}

// Future is the handle returned when work is scheduled.
type Future struct {
	id         string
	input      JobInput
	runContext *runcontext.RunContext
	work       Work
	manager    *JobManager
	submitCtx  context.Context
	doneCh     chan struct{}

	mu              sync.Mutex
	state           types.JobState
	result          any
	err             error
	cancelRequested bool
	dispatched      bool
	hints           map[string]struct{}
	callbacks       []doneCallback
	runCancel       context.CancelCauseFunc
	timer           *time.Timer
	rounds          int
	scheduledAt     time.Time
	startedAt       time.Time
	nextRunAt       time.Time
}

func newFuture(m *JobManager, submitCtx context.Context, work Work, input JobInput) *Future {
	rc := input.RunContext()
	if rc == nil {
		rc = runcontext.CopyCurrent(submitCtx)
	}
	f := &Future{
		id:         uuid.NewString(),
		input:      input,
		runContext: rc,
		work:       work,
		manager:    m,
		submitCtx:  submitCtx,
		doneCh:     make(chan struct{}),
		state:      types.StateNew,
		hints:      make(map[string]struct{}),
	}
	for _, h := range input.ExecutionHints() {
		f.hints[h] = struct{}{}
	}
	return f
}

func (f *Future) ID() string                         { return f.id }
func (f *Future) Name() string                       { return f.input.Name() }
func (f *Future) Input() JobInput                    { return f.input.Copy() }
func (f *Future) Mutex() any                         { return f.input.Mutex() }
func (f *Future) RunContext() *runcontext.RunContext { return f.runContext }

// State returns the current lifecycle state.
func (f *Future) State() types.JobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// transitionLocked moves to next if the state machine allows it.
// Caller holds f.mu.
func (f *Future) transitionLocked(next types.JobState) bool {
	if !canTransition(f.state, next) {
		f.manager.log.Warn("Illegal state transition ignored",
			"future", f.id, "job", f.Name(), "from", f.state, "to", next)
		return false
	}
	f.state = next
	return true
}

// setState transitions outside any held lock and wakes state observers.
func (f *Future) setState(next types.JobState) bool {
	f.mu.Lock()
	ok := f.transitionLocked(next)
	f.mu.Unlock()
	if ok {
		f.manager.signalChange()
	}
	return ok
}

// Cancel requests cancellation. A future that has not been handed to a
// worker terminates right away as CANCELLED. A running one terminates when its
// work returns; with interruptIfRunning its context is cancelled. Cancel
// returns false when the future already finished or was cancelled before.
func (f *Future) Cancel(interruptIfRunning bool) bool {
	f.mu.Lock()
	if f.state.IsTerminal() || f.cancelRequested {
		f.mu.Unlock()
		return false
	}
	f.cancelRequested = true
	finishNow := !f.dispatched
	if f.timer != nil {
		f.timer.Stop()
	}
	runCancel := f.runCancel
	f.mu.Unlock()

	if finishNow {
		f.manager.finish(f, nil, nil)
		return true
	}
	if interruptIfRunning && runCancel != nil {
		runCancel(ErrCancelled)
	}
	return true
}

// IsDone reports whether the future reached a terminal state.
func (f *Future) IsDone() bool {
	return f.State().IsTerminal()
}

// IsCancelled reports whether cancellation was requested.
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested
}

// Done returns a channel closed once the future is terminal.
func (f *Future) Done() <-chan struct{} {
	return f.doneCh
}

// AwaitDone waits until the future is terminal. A non-positive timeout waits
// without limit. It returns false when the timeout elapsed first.
func (f *Future) AwaitDone(timeout time.Duration) bool {
	if timeout <= 0 {
		<-f.doneCh
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.doneCh:
		return true
	case <-t.C:
		return false
	}
}

// AwaitDoneAndGet waits for the future and returns its outcome.
func (f *Future) AwaitDoneAndGet() (any, error) {
	return f.AwaitDoneAndGetWith(IdentityTranslator)
}

// AwaitDoneAndGetTimeout is AwaitDoneAndGet bounded by timeout; ErrTimedOut
// is returned when the future did not finish in time.
func (f *Future) AwaitDoneAndGetTimeout(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = time.Nanosecond
	}
	if !f.AwaitDone(timeout) {
		return nil, fmt.Errorf("%w: waiting for %s", ErrTimedOut, f)
	}
	return f.outcome(IdentityTranslator)
}

// AwaitDoneAndGetWith waits for the future and passes a work error through
// translator.
func (f *Future) AwaitDoneAndGetWith(translator ExceptionTranslator) (any, error) {
	<-f.doneCh
	return f.outcome(translator)
}

func (f *Future) outcome(translator ExceptionTranslator) (any, error) {
	f.mu.Lock()
	state, result, err := f.state, f.result, f.err
	f.mu.Unlock()

	switch state {
	case types.StateCancelled:
		if err != nil && !errors.Is(err, ErrCancelled) {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return nil, ErrCancelled
	case types.StateRejected:
		return nil, err
	}
	if err != nil {
		if translator == nil {
			translator = IdentityTranslator
		}
		return result, translator(err)
	}
	return result, nil
}

// AddExecutionHint attaches hint. It reports whether the hint was new.
func (f *Future) AddExecutionHint(hint string) bool {
	f.mu.Lock()
	_, exists := f.hints[hint]
	f.hints[hint] = struct{}{}
	f.mu.Unlock()
	if !exists {
		f.manager.signalChange()
	}
	return !exists
}

// RemoveExecutionHint detaches hint. It reports whether the hint was present.
func (f *Future) RemoveExecutionHint(hint string) bool {
	f.mu.Lock()
	_, exists := f.hints[hint]
	delete(f.hints, hint)
	f.mu.Unlock()
	if exists {
		f.manager.signalChange()
	}
	return exists
}

func (f *Future) ContainsExecutionHint(hint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.hints[hint]
	return ok
}

// ExecutionHints returns the current hints, sorted.
func (f *Future) ExecutionHints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.hints))
	for h := range f.hints {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// WhenDone registers fn to run once the future is terminal, with rc
// installed in its context. Registered after completion, fn runs right away
// on the calling goroutine.
func (f *Future) WhenDone(fn func(ctx context.Context, event DoneEvent), rc *runcontext.RunContext) {
	cb := doneCallback{fn: fn, runContext: rc}
	f.mu.Lock()
	if !f.state.IsTerminal() {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.runCallback(cb)
}

func (f *Future) runCallback(cb doneCallback) {
	defer func() {
		if p := recover(); p != nil {
			f.manager.log.Error("Done callback panicked", "future", f.id, "job", f.Name(), "panic", p)
		}
	}()
	f.mu.Lock()
	event := DoneEvent{Future: f, State: f.state, Result: f.result, Err: f.err}
	f.mu.Unlock()

	ctx := context.Background()
	if cb.runContext != nil {
		ctx = cb.runContext.Install(ctx)
	}
	cb.fn(ctx, event)
}

// Rounds returns how many times the work was invoked.
func (f *Future) Rounds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rounds
}

// Info returns a read-only snapshot for inspectors.
func (f *Future) Info() types.FutureInfo {
	hints := f.ExecutionHints()
	f.mu.Lock()
	defer f.mu.Unlock()

	info := types.FutureInfo{
		ID:             f.id,
		Name:           f.Name(),
		State:          f.state,
		Session:        f.runContext.SessionID(),
		ExecutionHints: hints,
		Cancelled:      f.cancelRequested,
		Rounds:         f.rounds,
		ScheduledAt:    f.scheduledAt.UnixMilli(),
	}
	if m := f.Mutex(); m != nil {
		info.Mutex = fmt.Sprint(m)
	}
	if !f.startedAt.IsZero() {
		info.StartedAt = f.startedAt.UnixMilli()
	}
	if f.err != nil {
		info.Error = f.err.Error()
	}
	return info
}

func (f *Future) String() string {
	name := f.Name()
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("Future{%s %s}", name, f.id)
}
