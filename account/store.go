package account

import "context"

// Store reads committed account state. Mutations go through store.Tx.
type Store interface {
	// GetAccount returns tally.ErrNotFound when the user has no account.
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// ListTransactions returns up to limit records, newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error)
}
