// Package sqlite implements store.Store on SQLite using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the database at path. Writers are serialized: the pool holds a
// single connection and transactions begin IMMEDIATE.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("tally/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tally/sqlite: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an open database handle.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account reads ====================

func (s *Store) GetAccount(ctx context.Context, userID string) (*account.Account, error) {
	return getAccount(ctx, s.db, userID)
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*account.Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM tally_transactions
WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*account.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error) {
	return existsUsed(ctx, s.db, externalID, provider)
}

// ==================== Job Store ====================

func (s *Store) SaveJob(ctx context.Context, r *job.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tally_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    payload = excluded.payload,
    attempts = excluded.attempts,
    max_attempts = excluded.max_attempts,
    status = excluded.status,
    error = excluded.error,
    created_at = excluded.created_at,
    processed_at = excluded.processed_at`,
		r.ID, payloadText(r.Payload), r.Attempts, r.MaxAttempts, string(r.Status),
		r.Error, toNanos(r.CreatedAt), nullableNanos(r.ProcessedAt),
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Record, error) {
	r, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM tally_jobs WHERE id = ?`, jobID))
	if isNoRows(err) {
		return nil, tally.ErrNotFound
	}
	return r, err
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, u job.StatusUpdate) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tally_jobs
SET status = ?, attempts = ?, error = ?, processed_at = COALESCE(?, processed_at)
WHERE id = ?`,
		string(u.Status), u.Attempts, u.Error, nullableNanos(u.ProcessedAt), jobID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tally.ErrNotFound
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	q := `SELECT ` + jobColumns + ` FROM tally_jobs`
	var args []any
	if opts.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	q += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*job.Record, 0)
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ==================== Bulk Store ====================

func (s *Store) SaveGroup(ctx context.Context, g *bulk.Group) error {
	batches, fired, err := groupJSON(g)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tally_bulk_groups (`+groupColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (group_id) DO UPDATE SET
    total_files = excluded.total_files,
    files_per_batch = excluded.files_per_batch,
    completed_files = excluded.completed_files,
    batches = excluded.batches,
    fired = excluded.fired,
    updated_at = excluded.updated_at`,
		g.GroupID, g.TotalFiles, g.FilesPerBatch, g.CompletedFiles, batches, fired, toNanos(g.UpdatedAt),
	)
	return err
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*bulk.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM tally_bulk_groups WHERE group_id = ?`, groupID))
	if isNoRows(err) {
		return nil, tally.ErrNotFound
	}
	return g, err
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tally_bulk_groups WHERE group_id = ?`, groupID)
	return err
}

// ==================== Grouped commit ====================

// WithTx runs fn in an IMMEDIATE transaction, which takes the database
// write lock up front.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &sqliteTx{q: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	q querier
}

func (t *sqliteTx) GetAccountForUpdate(ctx context.Context, userID string) (*account.Account, error) {
	return getAccount(ctx, t.q, userID)
}

func (t *sqliteTx) PutAccount(ctx context.Context, a *account.Account) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO tally_accounts (`+accountColumns+`)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    balance = excluded.balance,
    currency = excluded.currency,
    updated_at = excluded.updated_at`,
		a.UserID, a.Balance.Amount, a.Balance.Currency, toNanos(a.CreatedAt), toNanos(a.UpdatedAt),
	)
	return err
}

func (t *sqliteTx) AppendTransaction(ctx context.Context, rec *account.Transaction) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO tally_transactions (`+transactionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.UserID, string(rec.Type), rec.Amount.Amount, rec.Amount.Currency,
		rec.Provider, rec.ExternalID, rec.Reference, string(rec.Status), toNanos(rec.Timestamp),
	)
	return err
}

func (t *sqliteTx) ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error) {
	return existsUsed(ctx, t.q, externalID, provider)
}

func (t *sqliteTx) InsertUsedTransaction(ctx context.Context, u *account.UsedTransaction) error {
	res, err := t.q.ExecContext(ctx, `
INSERT OR IGNORE INTO tally_used_transactions (external_id, provider, user_id, transaction_id, created_at)
VALUES (?, ?, ?, ?, ?)`,
		u.ExternalID, u.Provider, u.UserID, u.TransactionID.String(), toNanos(u.CreatedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tally.ErrAlreadyExists
	}
	return nil
}

// ==================== Helpers ====================

func getAccount(ctx context.Context, q querier, userID string) (*account.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM tally_accounts WHERE user_id = ?`, userID))
	if isNoRows(err) {
		return nil, tally.ErrNotFound
	}
	return a, err
}

func existsUsed(ctx context.Context, q querier, externalID, provider string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tally_used_transactions WHERE external_id = ? AND provider = ?`,
		externalID, provider,
	).Scan(&n)
	return n > 0, err
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
