package queue

import (
	"log/slog"
	"time"

	"github.com/xraph/tally/job"
)

// Defaults.
const (
	DefaultConcurrency = 3
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
)

// Option configures a Queue.
type Option[P any] func(*Queue[P])

// WithConcurrency bounds how many jobs are processing at once.
func WithConcurrency[P any](n int) Option[P] {
	return func(q *Queue[P]) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithMaxAttempts sets the default attempt budget for new jobs.
func WithMaxAttempts[P any](n int) Option[P] {
	return func(q *Queue[P]) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay before a failed attempt is requeued.
func WithRetryDelay[P any](d time.Duration) Option[P] {
	return func(q *Queue[P]) {
		if d >= 0 {
			q.retryDelay = d
		}
	}
}

// WithStore persists every job and status change.
func WithStore[P any](s job.Store) Option[P] {
	return func(q *Queue[P]) {
		q.store = s
	}
}

// WithObserver adds a lifecycle observer. Observers run in registration
// order on the goroutine that caused the event.
func WithObserver[P any](o Observer[P]) Option[P] {
	return func(q *Queue[P]) {
		q.observers = append(q.observers, o)
	}
}

// WithLogger sets the logger.
func WithLogger[P any](logger *slog.Logger) Option[P] {
	return func(q *Queue[P]) {
		q.logger = logger
	}
}

// JobOption configures a single job.
type JobOption func(*jobConfig)

type jobConfig struct {
	maxAttempts int
}

// WithJobMaxAttempts overrides the queue's attempt budget for one job.
func WithJobMaxAttempts(n int) JobOption {
	return func(c *jobConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}
