package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Timestamps are stored as unix
// nanoseconds.
type migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations is the ordered schema history of the tally store (SQLite).
var Migrations = []migration{
	{
		Name:    "create_tally_accounts",
		Version: "20250101000001",
		Up: `
CREATE TABLE IF NOT EXISTS tally_accounts (
    user_id    TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    currency   TEXT NOT NULL DEFAULT 'etb',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`,
	},
	{
		Name:    "create_tally_transactions",
		Version: "20250101000002",
		Up: `
CREATE TABLE IF NOT EXISTS tally_transactions (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    type        TEXT NOT NULL,
    amount      INTEGER NOT NULL CHECK (amount > 0),
    currency    TEXT NOT NULL,
    provider    TEXT NOT NULL DEFAULT '',
    external_id TEXT NOT NULL DEFAULT '',
    reference   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'completed',
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tally_transactions_user ON tally_transactions (user_id, created_at DESC);
`,
	},
	{
		Name:    "create_tally_used_transactions",
		Version: "20250101000003",
		Up: `
CREATE TABLE IF NOT EXISTS tally_used_transactions (
    external_id    TEXT NOT NULL,
    provider       TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    PRIMARY KEY (external_id, provider)
);
`,
	},
	{
		Name:    "create_tally_jobs",
		Version: "20250101000004",
		Up: `
CREATE TABLE IF NOT EXISTS tally_jobs (
    id           TEXT PRIMARY KEY,
    payload      TEXT NOT NULL DEFAULT 'null',
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    status       TEXT NOT NULL DEFAULT 'pending',
    error        TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    processed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tally_jobs_status ON tally_jobs (status, created_at);
`,
	},
	{
		Name:    "create_tally_bulk_groups",
		Version: "20250101000005",
		Up: `
CREATE TABLE IF NOT EXISTS tally_bulk_groups (
    group_id        TEXT PRIMARY KEY,
    total_files     INTEGER NOT NULL,
    files_per_batch INTEGER NOT NULL,
    completed_files INTEGER NOT NULL DEFAULT 0,
    batches         TEXT NOT NULL DEFAULT '{}',
    fired           TEXT NOT NULL DEFAULT '{}',
    updated_at      INTEGER NOT NULL
);
`,
	},
}

// Migrate applies pending migrations in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`); err != nil {
			return err
		}

		for _, m := range Migrations {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM tally_migrations WHERE version = ?`, m.Version,
			).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tally_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, toNanos(nowUTC()),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tally/sqlite: migration failed: %w", err)
	}
	return nil
}
