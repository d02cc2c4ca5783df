// Package store defines the storage contract shared by every backend.
package store

import (
	"context"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/job"
)

// Store is the unified storage interface. Methods are declared explicitly
// rather than by embedding account.Store, job.Store and bulk.Store so the
// full surface of a backend is visible in one place.
type Store interface {
	// Account reads (committed state)
	GetAccount(ctx context.Context, userID string) (*account.Account, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*account.Transaction, error)
	ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error)

	// Job methods
	SaveJob(ctx context.Context, r *job.Record) error
	GetJob(ctx context.Context, jobID string) (*job.Record, error)
	UpdateJobStatus(ctx context.Context, jobID string, u job.StatusUpdate) error
	ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error)

	// Bulk group methods
	SaveGroup(ctx context.Context, g *bulk.Group) error
	GetGroup(ctx context.Context, groupID string) (*bulk.Group, error)
	DeleteGroup(ctx context.Context, groupID string) error

	// WithTx runs fn as one grouped atomic commit. If fn returns an error,
	// or the commit itself fails, none of the writes made through tx are
	// observable.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write side of a grouped commit.
type Tx interface {
	// GetAccountForUpdate reads the account and holds it exclusively until
	// the commit. Returns tally.ErrNotFound when the user has no account.
	GetAccountForUpdate(ctx context.Context, userID string) (*account.Account, error)
	// PutAccount inserts or replaces the account row.
	PutAccount(ctx context.Context, a *account.Account) error
	AppendTransaction(ctx context.Context, t *account.Transaction) error
	ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error)
	// InsertUsedTransaction returns tally.ErrAlreadyExists when the
	// (ExternalID, Provider) pair is taken.
	InsertUsedTransaction(ctx context.Context, u *account.UsedTransaction) error
}
