package kreactor

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRetryDelay is the retry delay applied to a handler error that
// doesn't declare its own, when StrictErrors is not set.
const DefaultRetryDelay = 60 * time.Second

// WaitingKeepaliveInterval bounds how long a cycle goes quiet while
// waiting on a sleeping handler, so progress is periodically re-checked
// even without an external watch event.
const WaitingKeepaliveInterval = 600 * time.Second

// PermanentError marks a handler failure as non-retryable: the handler is
// stored as failed and never re-invoked for this cause.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as a PermanentError.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// TemporaryError marks a handler failure as retryable after Delay. A zero
// Delay falls back to DefaultRetryDelay.
type TemporaryError struct {
	Err   error
	Delay time.Duration
}

func (e *TemporaryError) Error() string { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error { return e.Err }

// NewTemporaryError wraps err as a TemporaryError retrying after delay.
func NewTemporaryError(err error, delay time.Duration) *TemporaryError {
	return &TemporaryError{Err: err, Delay: delay}
}

// HandlerTimeoutError is raised internally when a handler's runtime
// exceeds its declared Timeout. Always treated as permanent.
type HandlerTimeoutError struct {
	HandlerID string
	Timeout   time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %q exceeded its timeout of %s", e.HandlerID, e.Timeout)
}

// childrenRetryError is the internal signal a sub-handler execute() raises
// when one or more children did not finish this cycle; the engine turns it
// into a re-queue of the parent handler with the given delay (nil meaning
// immediate, via a self-provoking patch).
type childrenRetryError struct {
	Delay *time.Duration
}

func (e *childrenRetryError) Error() string {
	if e.Delay == nil {
		return "children handlers did not finish, retrying immediately"
	}
	return fmt.Sprintf("children handlers did not finish, retrying after %s", *e.Delay)
}

// classifyOutcome reduces an arbitrary handler error into the delay to
// retry after (nil meaning permanent failure, no retry). strictErrors
// controls the unknown-exception default: nil delay (permanent) when
// true, DefaultRetryDelay when false.
func classifyOutcome(err error, strictErrors bool, retryDelay time.Duration) (delay *time.Duration, permanent bool) {
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return nil, true
	}

	var temporaryErr *TemporaryError
	if errors.As(err, &temporaryErr) {
		d := temporaryErr.Delay
		if d <= 0 {
			d = retryDelay
		}
		return &d, false
	}

	var timeoutErr *HandlerTimeoutError
	if errors.As(err, &timeoutErr) {
		return nil, true
	}

	// childrenRetryError is only ever raised internally by this engine, never
	// returned by user handler code, so a plain type assertion is sufficient.
	if childrenErr, ok := err.(*childrenRetryError); ok {
		return childrenErr.Delay, false
	}

	if strictErrors {
		return nil, true
	}
	d := retryDelay
	return &d, false
}
