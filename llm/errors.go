package llm

import (
	"errors"
	"fmt"
)

// Phase names the Ollama API call that failed.
type Phase string

const (
	PhaseList     Phase = "list"
	PhasePull     Phase = "pull"
	PhaseGenerate Phase = "generate"
)

// OllamaError carries the phase and model of a failed Ollama call so
// callers can surface it inline instead of aborting a whole run.
type OllamaError struct {
	Phase Phase
	Model string
	err   error
}

func (e *OllamaError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("ollama %s %s: %v", e.Phase, e.Model, e.err)
	}
	return fmt.Sprintf("ollama %s: %v", e.Phase, e.err)
}

func (e *OllamaError) Unwrap() error {
	return e.err
}

// NewOllamaError wraps err with its phase and model.
func NewOllamaError(phase Phase, model string, err error) error {
	return &OllamaError{Phase: phase, Model: model, err: err}
}

// IsOllamaError reports whether err is an OllamaError and returns it.
func IsOllamaError(err error) (*OllamaError, bool) {
	var oe *OllamaError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// TransientError marks a temporary failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a permanent failure that must not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
