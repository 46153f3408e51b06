package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrRejected the manager refused the submission
	ErrRejected = errors.New("job rejected")
	// ErrShutdown the manager is shut down
	ErrShutdown = errors.New("job manager is shut down")
	// ErrCancelled cancellation was requested before or while the job ran
	ErrCancelled = errors.New("job cancelled")
	// ErrExpired the job did not start within its expiration window
	ErrExpired = errors.New("job expired before it could run")
	// ErrInterrupted the executing or waiting goroutine was asked to stop
	ErrInterrupted = errors.New("interrupted")
	// ErrTimedOut a bounded wait elapsed
	ErrTimedOut = errors.New("timed out")
	// ErrInvalidInput the job input failed validation
	ErrInvalidInput = errors.New("invalid job input")
	// ErrNilWork no work was given
	ErrNilWork = errors.New("work is nil")
	// ErrNotPermitOwner the future does not hold the mutex permit
	ErrNotPermitOwner = errors.New("future does not own the mutex permit")
	// ErrNotYielded the future has not yielded the mutex permit
	ErrNotYielded = errors.New("future has not yielded the mutex permit")

	// errRoundFinished ends the execution context of a round whose work returned
	errRoundFinished = errors.New("job round finished")
)

// ProcessingError carries the job a work error came from.
type ProcessingError struct {
	FutureID string
	JobName  string
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("job %q (%s) failed: %v", e.JobName, e.FutureID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// PanicError is the error captured when work panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// IsInterruption reports whether err stems from interruption or cancellation,
// which are expected conditions rather than application failures.
func IsInterruption(err error) bool {
	return errors.Is(err, ErrInterrupted) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled)
}

func interruptedError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ErrInterrupted) {
		return fmt.Errorf("%w: %w", ErrInterrupted, cause)
	}
	return ErrInterrupted
}

// ExceptionTranslator maps a captured work error before it is handed to the
// caller of AwaitDoneAndGet.
type ExceptionTranslator func(err error) error

// IdentityTranslator returns errors unchanged.
func IdentityTranslator(err error) error { return err }

// WrapTranslator wraps work errors in a *ProcessingError naming the job.
func WrapTranslator(f *Future) ExceptionTranslator {
	return func(err error) error {
		if err == nil {
			return nil
		}
		var pe *ProcessingError
		if errors.As(err, &pe) {
			return err
		}
		return &ProcessingError{FutureID: f.ID(), JobName: f.Name(), Err: err}
	}
}
