package jobmanager

import (
	"errors"
	"log/slog"
)

// ExceptionHandler receives errors of failed jobs whose input has exception
// logging enabled.
type ExceptionHandler interface {
	HandleException(f *Future, err error)
}

// ExceptionHandlerFunc adapts a function to ExceptionHandler.
type ExceptionHandlerFunc func(f *Future, err error)

func (fn ExceptionHandlerFunc) HandleException(f *Future, err error) { fn(f, err) }

// LoggingExceptionHandler logs interruption at debug level and any other
// failure at error level.
type LoggingExceptionHandler struct {
	Logger *slog.Logger
}

func (h LoggingExceptionHandler) HandleException(f *Future, err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"future", f.ID(), "job", f.Name(), "error", err}

	if IsInterruption(err) {
		logger.Debug("Job interrupted", attrs...)
		return
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	logger.Error("Job failed", attrs...)
}
