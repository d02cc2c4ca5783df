// Package plugin provides an extensible plugin system for Tally.
// Plugins can hook into job, ledger and batch lifecycle events.
package plugin

import (
	"context"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/job"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// OnJobAdded is called after a job enters the pending queue.
type OnJobAdded interface {
	Plugin
	OnJobAdded(ctx context.Context, j *job.Record) error
}

// OnJobProcessing is called when a job starts an attempt.
type OnJobProcessing interface {
	Plugin
	OnJobProcessing(ctx context.Context, j *job.Record) error
}

// OnJobCompleted is called when a job attempt succeeds.
type OnJobCompleted interface {
	Plugin
	OnJobCompleted(ctx context.Context, j *job.Record) error
}

// OnJobRetry is called when a failed attempt is rescheduled.
type OnJobRetry interface {
	Plugin
	OnJobRetry(ctx context.Context, j *job.Record) error
}

// OnJobFailed is called once when a job exhausts its attempts.
type OnJobFailed interface {
	Plugin
	OnJobFailed(ctx context.Context, j *job.Record, err error) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCredited is called after a top-up commits.
type OnCredited interface {
	Plugin
	OnCredited(ctx context.Context, tx *account.Transaction) error
}

// OnDebited is called after a debit commits.
type OnDebited interface {
	Plugin
	OnDebited(ctx context.Context, tx *account.Transaction) error
}

// OnRefunded is called after a refund commits.
type OnRefunded interface {
	Plugin
	OnRefunded(ctx context.Context, tx *account.Transaction) error
}

// ──────────────────────────────────────────────────
// Batch hooks
// ──────────────────────────────────────────────────

// OnBatchComplete is called after a batch has been combined.
type OnBatchComplete interface {
	Plugin
	OnBatchComplete(ctx context.Context, groupID string, batchIndex int, artifacts []string) error
}

// OnBatchFailed is called when combining a batch fails.
type OnBatchFailed interface {
	Plugin
	OnBatchFailed(ctx context.Context, groupID string, batchIndex int, err error) error
}
