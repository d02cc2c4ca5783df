// Package account defines the balance, transaction and anti-replay records
// kept by the ledger.
package account

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// TxType is the side of a balance mutation.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// TxStatus is the state of a transaction record. Records are only written
// once a mutation commits, so every stored record is completed.
type TxStatus string

const (
	TxCompleted TxStatus = "completed"
)

// Providers that are not external payment rails.
const (
	ProviderJob    = "job"    // debit for a paid job
	ProviderRefund = "refund" // refund of a failed job
)

// Account holds one user's balance. It is only mutated through the ledger.
type Account struct {
	types.Entity
	UserID  string      `json:"user_id"`
	Balance types.Money `json:"balance"`
}

// Transaction is one append-only audit record per balance mutation.
type Transaction struct {
	ID         id.TransactionID `json:"id"`
	UserID     string           `json:"user_id"`
	Type       TxType           `json:"type"`
	Amount     types.Money      `json:"amount"`
	Provider   string           `json:"provider"`
	ExternalID string           `json:"external_id,omitempty"`
	Reference  string           `json:"reference,omitempty"`
	Status     TxStatus         `json:"status"`
	Timestamp  time.Time        `json:"timestamp"`
}

// UsedTransaction marks an external payment id as consumed for a provider.
// The pair (ExternalID, Provider) is unique.
type UsedTransaction struct {
	ExternalID    string           `json:"external_id"`
	Provider      string           `json:"provider"`
	UserID        string           `json:"user_id"`
	TransactionID id.TransactionID `json:"transaction_id"`
	CreatedAt     time.Time        `json:"created_at"`
}
