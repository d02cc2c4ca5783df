package postgres

import (
	"encoding/json"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/types"
)

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ==================== Account rows ====================

const accountColumns = `user_id, balance, currency, created_at, updated_at`

func scanAccount(row scanner) (*account.Account, error) {
	var (
		a        account.Account
		balance  int64
		currency string
	)
	if err := row.Scan(&a.UserID, &balance, &currency, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Balance = types.New(balance, currency)
	return &a, nil
}

const transactionColumns = `id, user_id, type, amount, currency, provider, external_id, reference, status, created_at`

func scanTransaction(row scanner) (*account.Transaction, error) {
	var (
		t        account.Transaction
		txID     string
		typ      string
		amount   int64
		currency string
		status   string
	)
	if err := row.Scan(&txID, &t.UserID, &typ, &amount, &currency, &t.Provider,
		&t.ExternalID, &t.Reference, &status, &t.Timestamp); err != nil {
		return nil, err
	}
	parsed, err := id.ParseTransactionID(txID)
	if err != nil {
		return nil, err
	}
	t.ID = parsed
	t.Type = account.TxType(typ)
	t.Status = account.TxStatus(status)
	t.Amount = types.New(amount, currency)
	return &t, nil
}

// ==================== Job rows ====================

const jobColumns = `id, payload, attempts, max_attempts, status, error, created_at, processed_at`

func scanJob(row scanner) (*job.Record, error) {
	var (
		r       job.Record
		payload []byte
		status  string
	)
	if err := row.Scan(&r.ID, &payload, &r.Attempts, &r.MaxAttempts, &status,
		&r.Error, &r.CreatedAt, &r.ProcessedAt); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	r.Status = job.Status(status)
	return &r, nil
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}

// ==================== Bulk rows ====================

const groupColumns = `group_id, total_files, files_per_batch, completed_files, batches, fired, updated_at`

func scanGroup(row scanner) (*bulk.Group, error) {
	var (
		g       bulk.Group
		batches []byte
		fired   []byte
	)
	if err := row.Scan(&g.GroupID, &g.TotalFiles, &g.FilesPerBatch, &g.CompletedFiles,
		&batches, &fired, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Batches = make(map[int][]bulk.Artifact)
	g.Fired = make(map[int]bool)
	if err := json.Unmarshal(batches, &g.Batches); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fired, &g.Fired); err != nil {
		return nil, err
	}
	return &g, nil
}

func groupJSON(g *bulk.Group) (batches, fired string, err error) {
	b, err := json.Marshal(g.Batches)
	if err != nil {
		return "", "", err
	}
	f, err := json.Marshal(g.Fired)
	if err != nil {
		return "", "", err
	}
	return string(b), string(f), nil
}
