package engine

import "errors"

var (
	// ErrValidation marks a submission rejected before entering the queue.
	ErrValidation = errors.New("validation failed")
	// ErrJobNotFound is returned for operations on unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobProcessing rejects removal of the job occupying the slot.
	ErrJobProcessing = errors.New("job is processing, cancel it first")
	// ErrRetryNotAllowed rejects retry of jobs that are not failed.
	ErrRetryNotAllowed = errors.New("only failed jobs can be retried")
	// ErrRetryExhausted rejects retry once the retry budget is spent.
	ErrRetryExhausted = errors.New("retry limit reached")
)

// NoConnectionMessage is the queue-level error recorded when a pending job
// cannot start because no session is live.
const NoConnectionMessage = "no connection"
