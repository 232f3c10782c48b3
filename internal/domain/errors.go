package domain

import "errors"

// Domain errors returned by repository and coordinator implementations.

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrWorkerNotFound indicates the requested worker row does not exist.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrSessionNotFound indicates no browser session exists for the key.
	ErrSessionNotFound = errors.New("browser session not found")

	// ErrJobOwnershipLost indicates a status-guarded update matched zero
	// rows: the job was reclaimed, cancelled, or transitioned by another
	// actor. The caller must re-read the row instead of retrying blindly.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrInvalidTransition indicates a state machine edge that does not exist.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobNotCancellable indicates the job is already terminal.
	ErrJobNotCancellable = errors.New("job is not cancellable")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")
)

// Error codes written to the job row on failure. Callback payloads carry
// the same strings.
const (
	ErrCodeHITLTimeout    = "hitl_timeout"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnknownHandler = "unknown_handler"
	ErrCodeInternal       = "internal_error"
	ErrCodeCancelled      = "cancelled"
)
