package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/storetest"
)

// Set TALLY_POSTGRES_DSN to a disposable database to run these tests.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("TALLY_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TALLY_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := New(ctx, dsn)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		_, err = s.Pool().Exec(ctx, `TRUNCATE tally_accounts, tally_transactions,
tally_used_transactions, tally_jobs, tally_bulk_groups`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
