package jobmanager

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/runcontext"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Work is the body of a job. The context carries the installed RunContext and
// the current Future, and is cancelled when the job is interrupted.
type Work func(ctx context.Context) (any, error)

// Runnable adapts a body without a result.
func Runnable(fn func(ctx context.Context) error) Work {
	return func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}
}

// JobInput configures one submission. The zero value is usable: no name,
// no mutex, runs once without delay, errors are logged.
type JobInput struct {
	name             string
	runContext       *runcontext.RunContext
	mutex            any
	hints            []string
	suppressErrorLog bool
	delay            time.Duration
	period           time.Duration
	kind             types.ScheduleKind
	expiration       time.Duration
}

// NewInput returns an input that runs once, immediately.
func NewInput() JobInput {
	return JobInput{kind: types.ScheduleOnce}
}

// Copy returns an independent copy.
func (in JobInput) Copy() JobInput {
	c := in
	c.hints = append([]string(nil), in.hints...)
	return c
}

func (in JobInput) WithName(name string) JobInput {
	c := in.Copy()
	c.name = name
	return c
}

func (in JobInput) WithRunContext(rc *runcontext.RunContext) JobInput {
	c := in.Copy()
	c.runContext = rc
	return c
}

// WithMutex sets the mutex object. Futures sharing an equal mutex never run
// at the same time. nil removes mutual exclusion.
func (in JobInput) WithMutex(mutex any) JobInput {
	c := in.Copy()
	c.mutex = mutex
	return c
}

// WithExecutionHint adds hints the future starts with.
func (in JobInput) WithExecutionHint(hints ...string) JobInput {
	c := in.Copy()
	for _, h := range hints {
		if h != "" {
			c.hints = append(c.hints, h)
		}
	}
	return c
}

// WithExceptionLogging controls whether a failing job is routed to the
// manager's exception handler.
func (in JobInput) WithExceptionLogging(enabled bool) JobInput {
	c := in.Copy()
	c.suppressErrorLog = !enabled
	return c
}

func (in JobInput) WithDelay(d time.Duration) JobInput {
	c := in.Copy()
	c.delay = d
	return c
}

// WithFixedRate re-runs the job every period measured from its first start.
// Slots missed while a round was still running are skipped.
func (in JobInput) WithFixedRate(period time.Duration) JobInput {
	c := in.Copy()
	c.kind = types.ScheduleFixedRate
	c.period = period
	return c
}

// WithFixedDelay re-runs the job period after the previous round returned.
func (in JobInput) WithFixedDelay(period time.Duration) JobInput {
	c := in.Copy()
	c.kind = types.ScheduleFixedDelay
	c.period = period
	return c
}

// WithExpiration cancels the job without running it when it has not started
// within d after scheduling. Zero disables expiration.
func (in JobInput) WithExpiration(d time.Duration) JobInput {
	c := in.Copy()
	c.expiration = d
	return c
}

func (in JobInput) Name() string                       { return in.name }
func (in JobInput) RunContext() *runcontext.RunContext { return in.runContext }
func (in JobInput) Mutex() any                         { return in.mutex }
func (in JobInput) Delay() time.Duration               { return in.delay }
func (in JobInput) Period() time.Duration              { return in.period }
func (in JobInput) Expiration() time.Duration          { return in.expiration }
func (in JobInput) ExceptionLogging() bool             { return !in.suppressErrorLog }

// ExecutionHints returns the initial hints, sorted and de-duplicated.
func (in JobInput) ExecutionHints() []string {
	seen := make(map[string]struct{}, len(in.hints))
	out := make([]string, 0, len(in.hints))
	for _, h := range in.hints {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ScheduleKind returns how often the job runs.
func (in JobInput) ScheduleKind() types.ScheduleKind {
	if in.kind == "" {
		return types.ScheduleOnce
	}
	return in.kind
}

// Validate checks the input before it is accepted by the manager.
func (in JobInput) Validate() error {
	if in.mutex != nil && !hashable(in.mutex) {
		return fmt.Errorf("%w: mutex of type %T is not comparable", ErrInvalidInput, in.mutex)
	}
	if in.delay < 0 {
		return fmt.Errorf("%w: negative delay %v", ErrInvalidInput, in.delay)
	}
	if in.expiration < 0 {
		return fmt.Errorf("%w: negative expiration %v", ErrInvalidInput, in.expiration)
	}
	switch in.ScheduleKind() {
	case types.ScheduleOnce:
	case types.ScheduleFixedRate, types.ScheduleFixedDelay:
		if in.period <= 0 {
			return fmt.Errorf("%w: %s schedule needs a positive period, got %v", ErrInvalidInput, in.kind, in.period)
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidInput, in.kind)
	}
	return nil
}

// hashable reports whether v can be used as a map key. Comparable types may
// still hold an uncomparable dynamic value in an interface field, so the
// check is done on the value.
func hashable(v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[any]struct{}{v: {}}
	return true
}

func (in JobInput) String() string {
	return fmt.Sprintf("JobInput{name=%q mutex=%v kind=%s delay=%v period=%v}",
		in.name, in.mutex, in.ScheduleKind(), in.delay, in.period)
}
