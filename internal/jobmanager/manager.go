// ============================================================================
// Beaver-Jobs JobManager - session-serialized job scheduler
// ============================================================================
//
// Package: internal/jobmanager
// File: manager.go
// Function: Schedules work, serializes jobs sharing a mutex object, runs them
//           on the worker pool and publishes their lifecycle on the event bus
//
// Flow of one future:
//   Schedule()   validate -> register -> SCHEDULED -> delay timer -> admit
//   admit()      no mutex: dispatch
//                mutex:    TryAcquire, dispatch now or once promoted
//   dispatch()   hand runRound to the worker pool
//   runRound()   install RunContext -> ABOUT_TO_RUN -> RUNNING -> work
//                periodic and healthy: release permit, re-arm timer
//                otherwise:            finish
//   finish()     terminal state -> leave mutex competition -> exception
//                handler -> DONE -> unregister -> done channel -> callbacks
//
// Cancellation:
//   A future not yet handed to the pool finishes immediately. A future that
//   is executing finishes when its work returns; interrupting cancels the
//   execution context.
//
// Concurrency:
//   - m.mu guards the future registry and the shutdown flag
//   - f.mu guards one future; never held while firing events or calling
//     into MutexSemaphores
//   - lock order is m.mu before f.mu
//   - changed is closed and replaced on every observable change so
//     AwaitDone can sleep without polling
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/worker"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// DefaultCoreWorkers is the number of long-lived pool workers.
const DefaultCoreWorkers = 8

// Option configures a JobManager.
type Option func(*JobManager)

// WithCoreWorkers sets the number of long-lived pool workers.
func WithCoreWorkers(n int) Option {
	return func(m *JobManager) { m.coreWorkers = n }
}

// WithLogger sets the logger. Records are tagged component=jobmanager.
func WithLogger(l *slog.Logger) Option {
	return func(m *JobManager) {
		if l != nil {
			m.log = l.With("component", "jobmanager")
		}
	}
}

// WithExceptionHandler replaces the default logging exception handler.
func WithExceptionHandler(h ExceptionHandler) Option {
	return func(m *JobManager) {
		if h != nil {
			m.exceptionHandler = h
		}
	}
}

// WithListener registers a listener before the manager accepts work.
func WithListener(l JobListener, filter *EventFilter) Option {
	return func(m *JobManager) { m.pendingListeners = append(m.pendingListeners, listenerRegistration{listener: l, filter: filter}) }
}

// JobManager schedules and runs jobs.
type JobManager struct {
	log              *slog.Logger
	coreWorkers      int
	exceptionHandler ExceptionHandler
	pendingListeners []listenerRegistration

	pool       *worker.Pool
	semaphores *MutexSemaphores
	listeners  *listenerRegistry

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc

	mu       sync.Mutex
	futures  map[*Future]struct{}
	shutdown bool

	changeMu sync.Mutex
	changed  chan struct{}

	terminated chan struct{}
}

// New creates a JobManager and starts its worker pool.
func New(opts ...Option) *JobManager {
	m := &JobManager{
		log:         slog.Default().With("component", "jobmanager"),
		coreWorkers: DefaultCoreWorkers,
		semaphores:  NewMutexSemaphores(),
		futures:     make(map[*Future]struct{}),
		changed:     make(chan struct{}),
		terminated:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.exceptionHandler == nil {
		m.exceptionHandler = LoggingExceptionHandler{Logger: m.log}
	}
	m.listeners = newListenerRegistry(m.log)
	for _, reg := range m.pendingListeners {
		m.listeners.add(reg.listener, reg.filter)
	}
	m.pendingListeners = nil
	m.baseCtx, m.cancelBase = context.WithCancelCause(context.Background())

	m.pool = worker.NewPool(m.coreWorkers)
	if err := m.pool.Start(); err != nil {
		// A fresh pool always starts; keep the manager usable for rejection anyway.
		m.log.Error("Failed to start worker pool", "error", err)
	}
	m.log.Debug("Job manager started", "core_workers", m.pool.GetWorkerCount())
	return m
}

// ============================================================================
// Scheduling
// ============================================================================

// Schedule submits work. ctx is the submitter's context: its RunContext is
// copied when input carries none, and it cancels the execution when the
// RunContext propagates cancellation.
func (m *JobManager) Schedule(ctx context.Context, work Work, input JobInput) (*Future, error) {
	if work == nil {
		return nil, ErrNilWork
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	f := newFuture(m, ctx, work, input.Copy())
	if m.IsShutdown() {
		return nil, fmt.Errorf("%w: %w", ErrRejected, ErrShutdown)
	}

	// Shutdown cannot reach f before it is registered, so SCHEDULED always
	// precedes DONE.
	now := time.Now()
	f.mu.Lock()
	f.scheduledAt = now
	f.nextRunAt = now.Add(input.Delay())
	f.transitionLocked(types.StateScheduled)
	f.mu.Unlock()

	m.log.Debug("Job scheduled", "future", f.id, "job", f.Name(), "mutex", input.Mutex(), "delay", input.Delay())
	m.fire(JobEvent{Type: types.EventScheduled, Future: f})

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		err := fmt.Errorf("%w: %w", ErrRejected, ErrShutdown)
		m.finish(f, nil, err)
		return nil, err
	}
	if f.stopping() {
		// Cancelled by a SCHEDULED listener; already finished.
		m.mu.Unlock()
		return f, nil
	}
	m.futures[f] = struct{}{}
	m.mu.Unlock()
	m.signalChange()

	m.arm(f, input.Delay())
	return f, nil
}

// ScheduleAtFixedRate runs work every period after initialDelay.
func (m *JobManager) ScheduleAtFixedRate(ctx context.Context, work Work, initialDelay, period time.Duration, input JobInput) (*Future, error) {
	return m.Schedule(ctx, work, input.WithDelay(initialDelay).WithFixedRate(period))
}

// ScheduleWithFixedDelay runs work repeatedly, waiting delay after each round.
func (m *JobManager) ScheduleWithFixedDelay(ctx context.Context, work Work, initialDelay, delay time.Duration, input JobInput) (*Future, error) {
	return m.Schedule(ctx, work, input.WithDelay(initialDelay).WithFixedDelay(delay))
}

// Run schedules work and waits for its outcome. When ctx is cancelled first
// the job is cancelled with interruption and ctx's error is returned.
func (m *JobManager) Run(ctx context.Context, work Work, input JobInput) (any, error) {
	f, err := m.Schedule(ctx, work, input)
	if err != nil {
		return nil, err
	}
	select {
	case <-f.Done():
		return f.AwaitDoneAndGet()
	case <-ctx.Done():
		f.Cancel(true)
		return nil, ctx.Err()
	}
}

// arm starts the delay timer of the next admission, or admits right away.
func (m *JobManager) arm(f *Future, delay time.Duration) {
	if delay <= 0 {
		m.admit(f)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelRequested || f.state.IsTerminal() {
		return
	}
	f.timer = time.AfterFunc(delay, func() { m.admit(f) })
}

// admit lets f compete for its mutex and dispatches it once it may run.
func (m *JobManager) admit(f *Future) {
	if f.stopping() {
		return
	}
	mutex := f.Mutex()
	if mutex == nil {
		m.dispatch(f)
		return
	}

	if m.semaphores.TryAcquire(mutex, f, func() { m.dispatch(f) }) {
		m.dispatch(f)
		return
	}
	if f.stopping() {
		// Cancelled while entering the queue; the cancel path may have
		// missed the registration.
		m.semaphores.Withdraw(mutex, f)
		return
	}
	f.mu.Lock()
	queued := !f.dispatched && f.state == types.StateScheduled
	if queued {
		f.state = types.StateWaitingForPermit
	}
	f.mu.Unlock()
	if queued {
		m.signalChange()
		m.log.Debug("Job waiting for permit", "future", f.id, "job", f.Name(), "mutex", mutex)
	}
}

// stopping reports whether f was cancelled or finished.
func (f *Future) stopping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested || f.state.IsTerminal()
}

// dispatch hands f to the pool. f may run, i.e. holds the permit or needs none.
func (m *JobManager) dispatch(f *Future) {
	f.mu.Lock()
	if f.cancelRequested || f.state.IsTerminal() {
		f.mu.Unlock()
		m.leaveCompetition(f)
		return
	}
	f.dispatched = true
	f.mu.Unlock()

	err := m.pool.Submit(worker.Task{ID: f.id, Run: func() { m.runRound(f) }})
	if err != nil {
		m.log.Warn("Job rejected by worker pool", "future", f.id, "job", f.Name(), "error", err)
		m.finish(f, nil, fmt.Errorf("%w: %w", ErrRejected, err))
	}
}

// ============================================================================
// Execution
// ============================================================================

// runRound executes one round of f on a pool goroutine.
func (m *JobManager) runRound(f *Future) {
	f.mu.Lock()
	if f.cancelRequested || f.state.IsTerminal() {
		f.mu.Unlock()
		m.finish(f, nil, nil)
		return
	}
	if exp := f.input.Expiration(); exp > 0 && f.rounds == 0 && time.Since(f.scheduledAt) > exp {
		f.cancelRequested = true
		f.mu.Unlock()
		m.log.Debug("Job expired", "future", f.id, "job", f.Name(), "expiration", exp)
		m.finish(f, nil, ErrExpired)
		return
	}

	ctx, cancel := m.executionContext(f)
	defer cancel(errRoundFinished)
	f.runCancel = cancel
	f.rounds++
	if f.rounds == 1 {
		f.startedAt = time.Now()
	}
	f.transitionLocked(types.StateAboutToRun)
	f.mu.Unlock()
	m.signalChange()

	m.fire(JobEvent{Type: types.EventAboutToRun, Future: f})
	f.setState(types.StateRunning)

	result, err := m.invoke(ctx, f)
	m.listeners.roundEnded(f, time.Now(), err)
	shutdown := m.IsShutdown()

	f.mu.Lock()
	f.runCancel = nil
	if f.input.ScheduleKind().IsPeriodic() && err == nil && !f.cancelRequested && !shutdown {
		f.dispatched = false
		f.transitionLocked(types.StateScheduled)
		delay := f.nextDelayLocked(time.Now())
		f.mu.Unlock()
		m.signalChange()

		m.leaveCompetition(f)
		m.arm(f, delay)
		return
	}
	f.mu.Unlock()
	m.finish(f, result, err)
}

// executionContext builds the context the work runs with.
func (m *JobManager) executionContext(f *Future) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(m.baseCtx)
	if f.runContext.PropagateCancel() && f.submitCtx.Done() != nil {
		// A submitting job that merely returned does not interrupt its children.
		stop := context.AfterFunc(f.submitCtx, func() {
			cause := context.Cause(f.submitCtx)
			if errors.Is(cause, errRoundFinished) {
				return
			}
			cancel(cause)
		})
		inner := cancel
		cancel = func(cause error) {
			stop()
			inner(cause)
		}
	}
	ctx = f.runContext.Install(ctx)
	ctx = withFuture(ctx, f)
	return ctx, cancel
}

// invoke calls the work and turns a panic into *PanicError.
func (m *JobManager) invoke(ctx context.Context, f *Future) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, newPanicError(p)
		}
	}()
	return f.work(ctx)
}

// nextDelayLocked computes the wait before the next periodic round.
func (f *Future) nextDelayLocked(now time.Time) time.Duration {
	period := f.input.Period()
	if f.input.ScheduleKind() == types.ScheduleFixedDelay {
		f.nextRunAt = now.Add(period)
		return period
	}
	next := f.nextRunAt.Add(period)
	if !next.After(now) {
		missed := now.Sub(next)/period + 1
		next = next.Add(missed * period)
	}
	f.nextRunAt = next
	return next.Sub(now)
}

// finish moves f to its terminal state and runs the completion bookkeeping.
// Only the first call has an effect.
func (m *JobManager) finish(f *Future, result any, err error) {
	f.mu.Lock()
	if f.state.IsTerminal() {
		f.mu.Unlock()
		return
	}
	state := types.StateDone
	switch {
	case errors.Is(err, ErrRejected):
		state = types.StateRejected
	case f.cancelRequested:
		state = types.StateCancelled
		result = nil
		if err != nil && !errors.Is(err, ErrExpired) {
			// Whatever the interrupted work returned is superseded.
			err = nil
		}
	}
	f.state = state
	f.result = result
	f.err = err
	f.runCancel = nil
	if f.timer != nil {
		f.timer.Stop()
	}
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	m.signalChange()

	m.leaveCompetition(f)

	if err != nil && state == types.StateDone && f.input.ExceptionLogging() {
		m.handleException(f, err)
	}

	m.log.Debug("Job finished", "future", f.id, "job", f.Name(), "state", state)
	m.fire(JobEvent{Type: types.EventDone, Future: f, Err: err})

	m.unregister(f)
	close(f.doneCh)

	for _, cb := range callbacks {
		f.runCallback(cb)
	}
}

// leaveCompetition removes f from its mutex, wherever it stands.
func (m *JobManager) leaveCompetition(f *Future) {
	mutex := f.Mutex()
	if mutex == nil {
		return
	}
	if err := m.semaphores.Release(mutex, f); err == nil {
		return
	}
	m.semaphores.Withdraw(mutex, f)
}

func (m *JobManager) handleException(f *Future, err error) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("Exception handler panicked", "future", f.id, "panic", p)
		}
	}()
	m.exceptionHandler.HandleException(f, err)
}

func (m *JobManager) unregister(f *Future) {
	m.mu.Lock()
	delete(m.futures, f)
	m.mu.Unlock()
	m.signalChange()
}

// ============================================================================
// Queries and control
// ============================================================================

// Futures returns the registered futures accepted by filter, oldest first.
func (m *JobManager) Futures(filter *FutureFilter) []*Future {
	m.mu.Lock()
	all := make([]*Future, 0, len(m.futures))
	for f := range m.futures {
		all = append(all, f)
	}
	m.mu.Unlock()

	out := all[:0]
	for _, f := range all {
		if filter.Accept(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].scheduledAtTime().Before(out[j].scheduledAtTime())
	})
	return out
}

func (f *Future) scheduledAtTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduledAt
}

// Lookup returns the registered future with the given ID.
func (m *JobManager) Lookup(id string) (*Future, bool) {
	fs := m.Futures(NewFutureFilter().AndMatchID(id))
	if len(fs) == 0 {
		return nil, false
	}
	return fs[0], true
}

// IsDone reports whether no registered future matches filter.
func (m *JobManager) IsDone(filter *FutureFilter) bool {
	return len(m.Futures(filter)) == 0
}

// Cancel cancels every registered future accepted by filter. It reports
// whether at least one future was cancelled.
func (m *JobManager) Cancel(filter *FutureFilter, interruptIfRunning bool) bool {
	cancelled := false
	for _, f := range m.Futures(filter) {
		if f.Cancel(interruptIfRunning) {
			cancelled = true
		}
	}
	return cancelled
}

// AwaitDone waits until no registered future matches filter. A non-positive
// timeout waits without limit. It returns false on timeout.
func (m *JobManager) AwaitDone(filter *FutureFilter, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		changed := m.changes()
		if m.IsDone(filter) {
			return true
		}
		select {
		case <-changed:
		case <-expired:
			return false
		}
	}
}

func (m *JobManager) changes() <-chan struct{} {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	return m.changed
}

// signalChange wakes every AwaitDone.
func (m *JobManager) signalChange() {
	m.changeMu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.changeMu.Unlock()
}

// NewBlockingCondition creates a condition whose waiters yield their permit.
func (m *JobManager) NewBlockingCondition(name string, blocking bool) *BlockingCondition {
	return newBlockingCondition(name, blocking)
}

// MutexSemaphores exposes the permit table.
func (m *JobManager) MutexSemaphores() *MutexSemaphores {
	return m.semaphores
}

// PermitCount returns the number of futures competing for mutex.
func (m *JobManager) PermitCount(mutex any) int {
	return m.semaphores.PermitCount(mutex)
}

// ActiveWorkers returns the number of pool goroutines executing work.
func (m *JobManager) ActiveWorkers() int {
	return m.pool.ActiveCount()
}

// ============================================================================
// Listeners
// ============================================================================

// AddListener registers l for events accepted by filter (nil: all events).
func (m *JobManager) AddListener(l JobListener, filter *EventFilter) ListenerHandle {
	return m.listeners.add(l, filter)
}

// RemoveListener unregisters a listener. It reports whether it was found.
func (m *JobManager) RemoveListener(h ListenerHandle) bool {
	return m.listeners.remove(h)
}

func (m *JobManager) fire(event JobEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	m.listeners.fire(event)
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown rejects new work, cancels every future with interruption, fires
// one SHUTDOWN event and stops the worker pool in the background. Calling it
// again has no effect.
func (m *JobManager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	active := make([]*Future, 0, len(m.futures))
	for f := range m.futures {
		active = append(active, f)
	}
	m.mu.Unlock()

	m.log.Info("Shutting down job manager", "active_futures", len(active))
	for _, f := range active {
		f.Cancel(true)
	}
	m.cancelBase(ErrShutdown)
	m.fire(JobEvent{Type: types.EventShutdown})

	go func() {
		m.pool.Stop()
		close(m.terminated)
	}()
}

// IsShutdown reports whether Shutdown was called.
func (m *JobManager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// AwaitTermination waits for the worker pool to drain after Shutdown.
// A non-positive timeout waits without limit.
func (m *JobManager) AwaitTermination(timeout time.Duration) bool {
	if timeout <= 0 {
		<-m.terminated
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.terminated:
		return true
	case <-t.C:
		return false
	}
}
