// Package memory provides an in-process store. Grouped commits stage their
// writes and apply them only when the transaction function succeeds.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type usedKey struct {
	externalID string
	provider   string
}

type Store struct {
	mu sync.RWMutex

	// txMu serializes grouped commits; it is taken before mu.
	txMu sync.Mutex

	accounts     map[string]*account.Account
	transactions map[string][]*account.Transaction // by user, append order
	used         map[usedKey]*account.UsedTransaction
	jobs         map[string]*job.Record
	groups       map[string]*bulk.Group

	closed bool
}

func New() *Store {
	return &Store{
		accounts:     make(map[string]*account.Account),
		transactions: make(map[string][]*account.Transaction),
		used:         make(map[usedKey]*account.UsedTransaction),
		jobs:         make(map[string]*job.Record),
		groups:       make(map[string]*bulk.Group),
	}
}

// ==================== Account reads ====================

func (s *Store) GetAccount(_ context.Context, userID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, tally.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string, limit int) ([]*account.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := s.transactions[userID]
	result := make([]*account.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		cp := *txs[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) ExistsUsedTransaction(_ context.Context, externalID, provider string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.used[usedKey{externalID, provider}]
	return ok, nil
}

// ==================== Job Store ====================

func (s *Store) SaveJob(_ context.Context, r *job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.jobs[r.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.jobs[jobID]
	if !ok {
		return nil, tally.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, jobID string, u job.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[jobID]
	if !ok {
		return tally.ErrNotFound
	}
	r.Status = u.Status
	r.Attempts = u.Attempts
	r.Error = u.Error
	if u.ProcessedAt != nil {
		t := *u.ProcessedAt
		r.ProcessedAt = &t
	}
	return nil
}

func (s *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*job.Record, 0)
	for _, r := range s.jobs {
		if opts.Status == "" || r.Status == opts.Status {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ==================== Bulk Store ====================

func (s *Store) SaveGroup(_ context.Context, g *bulk.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[g.GroupID] = g.Clone()
	return nil
}

func (s *Store) GetGroup(_ context.Context, groupID string) (*bulk.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, tally.ErrNotFound
	}
	return g.Clone(), nil
}

func (s *Store) DeleteGroup(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, groupID)
	return nil
}

// ==================== Grouped commit ====================

// WithTx stages writes in a memTx and applies them under the write lock
// only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return tally.ErrStoreClosed
	}

	tx := &memTx{
		s:        s,
		accounts: make(map[string]*account.Account),
		used:     make(map[usedKey]*account.UsedTransaction),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, a := range tx.accounts {
		s.accounts[userID] = a
	}
	for _, t := range tx.txs {
		s.transactions[t.UserID] = append(s.transactions[t.UserID], t)
	}
	for k, u := range tx.used {
		s.used[k] = u
	}
	return nil
}

type memTx struct {
	s        *Store
	accounts map[string]*account.Account
	txs      []*account.Transaction
	used     map[usedKey]*account.UsedTransaction
}

func (t *memTx) GetAccountForUpdate(ctx context.Context, userID string) (*account.Account, error) {
	if a, ok := t.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	return t.s.GetAccount(ctx, userID)
}

func (t *memTx) PutAccount(_ context.Context, a *account.Account) error {
	cp := *a
	t.accounts[a.UserID] = &cp
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, rec *account.Transaction) error {
	cp := *rec
	t.txs = append(t.txs, &cp)
	return nil
}

func (t *memTx) ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error) {
	if _, ok := t.used[usedKey{externalID, provider}]; ok {
		return true, nil
	}
	return t.s.ExistsUsedTransaction(ctx, externalID, provider)
}

func (t *memTx) InsertUsedTransaction(ctx context.Context, u *account.UsedTransaction) error {
	exists, err := t.ExistsUsedTransaction(ctx, u.ExternalID, u.Provider)
	if err != nil {
		return err
	}
	if exists {
		return tally.ErrAlreadyExists
	}
	cp := *u
	t.used[usedKey{u.ExternalID, u.Provider}] = &cp
	return nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
