package tally

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every Tally package.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")

	// Ledger errors
	ErrInvalidAmount        = errors.New("tally: invalid amount")
	ErrCurrencyMismatch     = errors.New("tally: currency mismatch")
	ErrDuplicateTransaction = errors.New("tally: duplicate external transaction")
	ErrCommitFailed         = errors.New("tally: commit failed")

	// Queue errors
	ErrProcessorRegistered = errors.New("tally: processor already registered")
	ErrQueueStopped        = errors.New("tally: queue stopped")

	// Batch errors
	ErrCombineFailed = errors.New("tally: batch combine failed")

	// Engine errors
	ErrNotStarted = errors.New("tally: engine not started")

	// Store errors
	ErrStoreClosed = errors.New("tally: store is closed")
	ErrLockTimeout = errors.New("tally: lock acquisition timed out")
)

// ValidationError is a rejected input. No state was mutated.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match the underlying sentinel.
func (e ValidationError) Unwrap() error { return e.Err }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation returns true for rejected top-ups, duplicate payments and
// malformed input.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrInvalidInput)
}

// IsRetryable returns true if the operation can be retried as a whole.
// A failed credit is safe to retry because of the anti-replay marker; debit
// and refund retries are the caller's responsibility.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCommitFailed) ||
		errors.Is(err, ErrLockTimeout)
}
