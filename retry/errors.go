package retry

import "errors"

// ErrTerminal marks a failure that no retry can repair
var ErrTerminal = errors.New("retry: terminal failure")

// MarkTerminal wraps err so that the default classifier sidelines it immediately
func MarkTerminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string {
	return e.err.Error()
}

func (e *terminalError) Unwrap() error {
	return e.err
}

func (e *terminalError) Is(target error) bool {
	return target == ErrTerminal
}

// RetryableError lets a handler state explicitly whether its error is retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
