package worker

import (
	"errors"
	"fmt"

	"github.com/valethq/pilot/internal/domain"
)

// === Handler error wrappers ===

// RetryableError wraps transient failures that should return the job to the
// queue for another attempt, subject to max_retries.
//
// Use for: network timeouts, LLM rate limits, flaky browser errors.
// Don't use for: validation errors, permission failures, bad input.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps an error to signal it should be retried.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable returns true if the error should trigger a retry.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// BlockedError signals the handler hit a human-gated obstacle that was not
// resolved: the HITL wait timed out or could not be entered.
type BlockedError struct {
	Blocker domain.Blocker
}

func (e BlockedError) Error() string {
	return fmt.Sprintf("blocked on %s, human intervention not received", e.Blocker.Type)
}

// IsBlocked returns true and the blocker if the error carries one.
func IsBlocked(err error) (domain.Blocker, bool) {
	var blocked BlockedError
	if errors.As(err, &blocked) {
		return blocked.Blocker, true
	}
	return domain.Blocker{}, false
}

// PanicError indicates the handler panicked. Panics are programming errors,
// not transient conditions: the job fails immediately with internal_error.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic returns true if the error indicates a panic occurred.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}

// ErrJobCancelled unblocks waits when external cancellation is observed.
var ErrJobCancelled = errors.New("job cancelled")

// ErrDrainDeadlineExceeded is returned when shutdown gives up waiting for
// the in-flight job.
var ErrDrainDeadlineExceeded = errors.New("drain deadline exceeded")
