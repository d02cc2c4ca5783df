package engine

import (
	"log/slog"
	"time"

	"github.com/xraph/tally/batch"
	"github.com/xraph/tally/ledger"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/plugin"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.logger.Warn("engine: plugin registration failed", "plugin", p.Name(), "error", err)
		}
	}
}

// WithConcurrency bounds how many jobs are generated at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMaxAttempts sets how often a job is tried before it is refunded.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between job attempts and between
// refund attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// WithGracePeriod sets how long finished bulk groups stay tracked.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.gracePeriod = d
		}
	}
}

// WithRefundAttempts bounds refund retries for a failed job.
func WithRefundAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.refundAttempts = n
		}
	}
}

// WithRefundRetention sets how long a settled refund is remembered by the
// refund-once guard.
func WithRefundRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.refundRetention = d
		}
	}
}

// WithLedgerOptions passes options to the ledger, e.g. the allowed top-ups.
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(e *Engine) {
		e.ledgerOpts = append(e.ledgerOpts, opts...)
	}
}

// WithLocker sets the lock used for per-user and per-group exclusion.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		e.ledgerOpts = append(e.ledgerOpts, ledger.WithLocker(l))
		e.batchOpts = append(e.batchOpts, batch.WithLocker(l))
	}
}

// WithDisableMigrate skips store migrations on Start.
func WithDisableMigrate() Option {
	return func(e *Engine) {
		e.disableMigrate = true
	}
}
