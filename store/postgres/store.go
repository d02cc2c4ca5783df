// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tally/postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. Close closes the pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Account reads ====================

func (s *Store) GetAccount(ctx context.Context, userID string) (*account.Account, error) {
	return getAccount(ctx, s.pool, userID, "")
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*account.Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM tally_transactions
WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
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
	return existsUsed(ctx, s.pool, externalID, provider)
}

// ==================== Job Store ====================

func (s *Store) SaveJob(ctx context.Context, r *job.Record) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tally_jobs (`+jobColumns+`)
VALUES ($1, $2::jsonb, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    payload = EXCLUDED.payload,
    attempts = EXCLUDED.attempts,
    max_attempts = EXCLUDED.max_attempts,
    status = EXCLUDED.status,
    error = EXCLUDED.error,
    created_at = EXCLUDED.created_at,
    processed_at = EXCLUDED.processed_at`,
		r.ID, payloadText(r.Payload), r.Attempts, r.MaxAttempts, string(r.Status),
		r.Error, r.CreatedAt, r.ProcessedAt,
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Record, error) {
	r, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM tally_jobs WHERE id = $1`, jobID))
	if isNoRows(err) {
		return nil, tally.ErrNotFound
	}
	return r, err
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, u job.StatusUpdate) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tally_jobs
SET status = $2, attempts = $3, error = $4, processed_at = COALESCE($5, processed_at)
WHERE id = $1`,
		jobID, string(u.Status), u.Attempts, u.Error, u.ProcessedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrNotFound
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	q := `SELECT ` + jobColumns + ` FROM tally_jobs`
	var args []any
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		q += ` WHERE status = $1`
	}
	q += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
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
	_, err = s.pool.Exec(ctx, `
INSERT INTO tally_bulk_groups (`+groupColumns+`)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
ON CONFLICT (group_id) DO UPDATE SET
    total_files = EXCLUDED.total_files,
    files_per_batch = EXCLUDED.files_per_batch,
    completed_files = EXCLUDED.completed_files,
    batches = EXCLUDED.batches,
    fired = EXCLUDED.fired,
    updated_at = EXCLUDED.updated_at`,
		g.GroupID, g.TotalFiles, g.FilesPerBatch, g.CompletedFiles, batches, fired, g.UpdatedAt,
	)
	return err
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*bulk.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM tally_bulk_groups WHERE group_id = $1`, groupID))
	if isNoRows(err) {
		return nil, tally.ErrNotFound
	}
	return g, err
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tally_bulk_groups WHERE group_id = $1`, groupID)
	return err
}

// ==================== Grouped commit ====================

// WithTx runs fn in a database transaction. Account rows read through the
// Tx are locked with SELECT ... FOR UPDATE until commit.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, userID string) (*account.Account, error) {
	return getAccount(ctx, t.q, userID, " FOR UPDATE")
}

func (t *pgTx) PutAccount(ctx context.Context, a *account.Account) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO tally_accounts (`+accountColumns+`)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
    balance = EXCLUDED.balance,
    currency = EXCLUDED.currency,
    updated_at = EXCLUDED.updated_at`,
		a.UserID, a.Balance.Amount, a.Balance.Currency, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec *account.Transaction) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO tally_transactions (`+transactionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID.String(), rec.UserID, string(rec.Type), rec.Amount.Amount, rec.Amount.Currency,
		rec.Provider, rec.ExternalID, rec.Reference, string(rec.Status), rec.Timestamp,
	)
	return err
}

func (t *pgTx) ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error) {
	return existsUsed(ctx, t.q, externalID, provider)
}

func (t *pgTx) InsertUsedTransaction(ctx context.Context, u *account.UsedTransaction) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO tally_used_transactions (external_id, provider, user_id, transaction_id, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		u.ExternalID, u.Provider, u.UserID, u.TransactionID.String(), u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return tally.ErrAlreadyExists
	}
	return err
}

// ==================== Helpers ====================

func getAccount(ctx context.Context, q querier, userID, suffix string) (*account.Account, error) {
	a, err := scanAccount(q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM tally_accounts WHERE user_id = $1`+suffix, userID))
	if isNoRows(err) {
		return nil, tally.ErrNotFound
	}
	return a, err
}

func existsUsed(ctx context.Context, q querier, externalID, provider string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM tally_used_transactions WHERE external_id = $1 AND provider = $2
)`, externalID, provider).Scan(&exists)
	return exists, err
}

// isNoRows checks for the pgx no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation reports a 23505 unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
