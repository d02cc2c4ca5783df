package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// migration is one forward-only schema step.
type migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations is the ordered schema history of the tally store.
var Migrations = []migration{
	{
		Name:    "create_tally_accounts",
		Version: "20250101000001",
		Up: `
CREATE TABLE IF NOT EXISTS tally_accounts (
    user_id    TEXT PRIMARY KEY,
    balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    currency   TEXT NOT NULL DEFAULT 'etb',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    amount      BIGINT NOT NULL CHECK (amount > 0),
    currency    TEXT NOT NULL,
    provider    TEXT NOT NULL DEFAULT '',
    external_id TEXT NOT NULL DEFAULT '',
    reference   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'completed',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_transactions_user ON tally_transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tally_transactions_reference ON tally_transactions (reference) WHERE reference <> '';
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
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
    payload      JSONB NOT NULL DEFAULT 'null',
    attempts     INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 3,
    status       TEXT NOT NULL DEFAULT 'pending',
    error        TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at TIMESTAMPTZ
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
    total_files     INT NOT NULL,
    files_per_batch INT NOT NULL,
    completed_files INT NOT NULL DEFAULT 0,
    batches         JSONB NOT NULL DEFAULT '{}',
    fired           JSONB NOT NULL DEFAULT '{}',
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	},
}

// Migrate applies pending migrations inside one transaction guarded by an
// advisory lock, so concurrent starts do not race.
func (s *Store) Migrate(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('tally_migrations'))`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
			return err
		}

		for _, m := range Migrations {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM tally_migrations WHERE version = $1)`, m.Version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				continue
			}
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO tally_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tally/postgres: migration failed: %w", err)
	}
	return nil
}
