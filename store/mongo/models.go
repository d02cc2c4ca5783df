package mongo

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/types"
)

// ==================== Account models ====================

type accountModel struct {
	UserID    string    `bson:"_id"`
	Balance   int64     `bson:"balance"`
	Currency  string    `bson:"currency"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		UserID:    a.UserID,
		Balance:   a.Balance.Amount,
		Currency:  a.Balance.Currency,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) *account.Account {
	return &account.Account{
		Entity:  types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		UserID:  m.UserID,
		Balance: types.New(m.Balance, m.Currency),
	}
}

type transactionModel struct {
	ID         string    `bson:"_id"`
	UserID     string    `bson:"user_id"`
	Type       string    `bson:"type"`
	Amount     int64     `bson:"amount"`
	Currency   string    `bson:"currency"`
	Provider   string    `bson:"provider"`
	ExternalID string    `bson:"external_id,omitempty"`
	Reference  string    `bson:"reference,omitempty"`
	Status     string    `bson:"status"`
	CreatedAt  time.Time `bson:"created_at"`
}

func toTransactionModel(t *account.Transaction) *transactionModel {
	return &transactionModel{
		ID:         t.ID.String(),
		UserID:     t.UserID,
		Type:       string(t.Type),
		Amount:     t.Amount.Amount,
		Currency:   t.Amount.Currency,
		Provider:   t.Provider,
		ExternalID: t.ExternalID,
		Reference:  t.Reference,
		Status:     string(t.Status),
		CreatedAt:  t.Timestamp,
	}
}

func fromTransactionModel(m *transactionModel) (*account.Transaction, error) {
	txID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &account.Transaction{
		ID:         txID,
		UserID:     m.UserID,
		Type:       account.TxType(m.Type),
		Amount:     types.New(m.Amount, m.Currency),
		Provider:   m.Provider,
		ExternalID: m.ExternalID,
		Reference:  m.Reference,
		Status:     account.TxStatus(m.Status),
		Timestamp:  m.CreatedAt,
	}, nil
}

type usedTransactionModel struct {
	ExternalID    string    `bson:"external_id"`
	Provider      string    `bson:"provider"`
	UserID        string    `bson:"user_id"`
	TransactionID string    `bson:"transaction_id"`
	CreatedAt     time.Time `bson:"created_at"`
}

// ==================== Job models ====================

type jobModel struct {
	ID          string     `bson:"_id"`
	Payload     string     `bson:"payload"`
	Attempts    int        `bson:"attempts"`
	MaxAttempts int        `bson:"max_attempts"`
	Status      string     `bson:"status"`
	Error       string     `bson:"error"`
	CreatedAt   time.Time  `bson:"created_at"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
}

func toJobModel(r *job.Record) *jobModel {
	payload := "null"
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}
	return &jobModel{
		ID:          r.ID,
		Payload:     payload,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Status:      string(r.Status),
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		ProcessedAt: r.ProcessedAt,
	}
}

func fromJobModel(m *jobModel) *job.Record {
	return &job.Record{
		ID:          m.ID,
		Payload:     json.RawMessage(m.Payload),
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		Status:      job.Status(m.Status),
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		ProcessedAt: m.ProcessedAt,
	}
}

// ==================== Bulk models ====================

// BSON documents need string keys, so batches are stored as a list.
type groupModel struct {
	GroupID        string       `bson:"_id"`
	TotalFiles     int          `bson:"total_files"`
	FilesPerBatch  int          `bson:"files_per_batch"`
	CompletedFiles int          `bson:"completed_files"`
	Batches        []batchModel `bson:"batches"`
	Fired          []int        `bson:"fired"`
	UpdatedAt      time.Time    `bson:"updated_at"`
}

type batchModel struct {
	Index     int             `bson:"index"`
	Artifacts []artifactModel `bson:"artifacts"`
}

type artifactModel struct {
	FileIndex int    `bson:"file_index"`
	Ref       string `bson:"ref"`
	Failed    bool   `bson:"failed,omitempty"`
}

func toGroupModel(g *bulk.Group) *groupModel {
	m := &groupModel{
		GroupID:        g.GroupID,
		TotalFiles:     g.TotalFiles,
		FilesPerBatch:  g.FilesPerBatch,
		CompletedFiles: g.CompletedFiles,
		Batches:        make([]batchModel, 0, len(g.Batches)),
		Fired:          make([]int, 0, len(g.Fired)),
		UpdatedAt:      g.UpdatedAt,
	}
	for idx, arts := range g.Batches {
		b := batchModel{Index: idx, Artifacts: make([]artifactModel, len(arts))}
		for i, a := range arts {
			b.Artifacts[i] = artifactModel{FileIndex: a.FileIndex, Ref: a.Ref, Failed: a.Failed}
		}
		m.Batches = append(m.Batches, b)
	}
	sort.Slice(m.Batches, func(i, j int) bool { return m.Batches[i].Index < m.Batches[j].Index })
	for idx, fired := range g.Fired {
		if fired {
			m.Fired = append(m.Fired, idx)
		}
	}
	sort.Ints(m.Fired)
	return m
}

func fromGroupModel(m *groupModel) *bulk.Group {
	g := &bulk.Group{
		GroupID:        m.GroupID,
		TotalFiles:     m.TotalFiles,
		FilesPerBatch:  m.FilesPerBatch,
		CompletedFiles: m.CompletedFiles,
		Batches:        make(map[int][]bulk.Artifact, len(m.Batches)),
		Fired:          make(map[int]bool, len(m.Fired)),
		UpdatedAt:      m.UpdatedAt,
	}
	for _, b := range m.Batches {
		arts := make([]bulk.Artifact, len(b.Artifacts))
		for i, a := range b.Artifacts {
			arts[i] = bulk.Artifact{FileIndex: a.FileIndex, Ref: a.Ref, Failed: a.Failed}
		}
		g.Batches[b.Index] = arts
	}
	for _, idx := range m.Fired {
		g.Fired[idx] = true
	}
	return g
}
