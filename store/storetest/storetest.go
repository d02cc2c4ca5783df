// Package storetest is a conformance suite every store.Store backend runs
// in its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// Factory returns a migrated, empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("AccountCommit", func(t *testing.T) { testAccountCommit(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("UsedTransactionUnique", func(t *testing.T) { testUsedTransactionUnique(t, newStore(t)) })
	t.Run("HistoryOrder", func(t *testing.T) { testHistoryOrder(t, newStore(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, newStore(t)) })
}

func newTx(userID string, typ account.TxType, amount int64, ref string, at time.Time) *account.Transaction {
	return &account.Transaction{
		ID:        id.NewTransactionID(),
		UserID:    userID,
		Type:      typ,
		Amount:    types.ETB(amount),
		Provider:  account.ProviderJob,
		Reference: ref,
		Status:    account.TxCompleted,
		Timestamp: at,
	}
}

func testAccountCommit(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetAccount(ctx, "u1"); !errors.Is(err, tally.ErrNotFound) {
		t.Fatalf("GetAccount on empty store: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccountForUpdate(ctx, "u1"); !errors.Is(err, tally.ErrNotFound) {
			t.Errorf("GetAccountForUpdate: %v, want ErrNotFound", err)
		}
		a := &account.Account{
			Entity:  types.Entity{CreatedAt: now, UpdatedAt: now},
			UserID:  "u1",
			Balance: types.ETB(100_00),
		}
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, newTx("u1", account.TxCredit, 100_00, "", now))
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	a, err := s.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !a.Balance.Equal(types.ETB(100_00)) {
		t.Errorf("balance = %s, want ETB 100.00", a.Balance)
	}

	// Update in place.
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetAccountForUpdate(ctx, "u1")
		if err != nil {
			return err
		}
		a.Balance = a.Balance.Subtract(types.ETB(5_00))
		return tx.PutAccount(ctx, a)
	})
	if err != nil {
		t.Fatalf("WithTx update: %v", err)
	}
	a, _ = s.GetAccount(ctx, "u1")
	if a.Balance.Amount != 95_00 {
		t.Errorf("balance = %s, want ETB 95.00", a.Balance)
	}
}

func testRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutAccount(ctx, &account.Account{
			Entity:  types.Entity{CreatedAt: now, UpdatedAt: now},
			UserID:  "u1",
			Balance: types.ETB(50_00),
		}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, newTx("u1", account.TxCredit, 50_00, "", now)); err != nil {
			return err
		}
		if err := tx.InsertUsedTransaction(ctx, &account.UsedTransaction{
			ExternalID: "TX-1", Provider: "telebirr", UserID: "u1",
			TransactionID: id.NewTransactionID(), CreatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v, want boom", err)
	}

	if _, err := s.GetAccount(ctx, "u1"); !errors.Is(err, tally.ErrNotFound) {
		t.Errorf("account visible after rollback: %v", err)
	}
	hist, err := s.ListTransactions(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Errorf("history has %d records after rollback", len(hist))
	}
	if used, _ := s.ExistsUsedTransaction(ctx, "TX-1", "telebirr"); used {
		t.Error("marker visible after rollback")
	}
}

func testUsedTransactionUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert := func(ext, provider string) error {
		return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertUsedTransaction(ctx, &account.UsedTransaction{
				ExternalID: ext, Provider: provider, UserID: "u1",
				TransactionID: id.NewTransactionID(), CreatedAt: time.Now().UTC(),
			})
		})
	}

	if err := insert("TX-1", "telebirr"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("TX-1", "telebirr"); !errors.Is(err, tally.ErrAlreadyExists) {
		t.Errorf("duplicate insert err = %v, want ErrAlreadyExists", err)
	}
	if err := insert("TX-1", "cbe"); err != nil {
		t.Errorf("same id, other provider: %v", err)
	}

	used, err := s.ExistsUsedTransaction(ctx, "TX-1", "telebirr")
	if err != nil || !used {
		t.Errorf("ExistsUsedTransaction = %v, %v", used, err)
	}
	used, err = s.ExistsUsedTransaction(ctx, "TX-2", "telebirr")
	if err != nil || used {
		t.Errorf("ExistsUsedTransaction(TX-2) = %v, %v", used, err)
	}
}

func testHistoryOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, ref := range []string{"a", "b", "c"} {
		rec := newTx("u1", account.TxDebit, 5_00, ref, base.Add(time.Duration(i)*time.Second))
		if err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.AppendTransaction(ctx, rec)
		}); err != nil {
			t.Fatal(err)
		}
	}

	hist, err := s.ListTransactions(ctx, "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Reference != "c" || hist[1].Reference != "b" {
		t.Fatalf("history = %+v, want c, b", hist)
	}
	if hist[0].Type != account.TxDebit || !hist[0].Amount.Equal(types.ETB(5_00)) {
		t.Errorf("unexpected record %+v", hist[0])
	}
}

func testJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, tally.ErrNotFound) {
		t.Errorf("GetJob(missing) = %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "missing", job.StatusUpdate{Status: job.StatusFailed}); !errors.Is(err, tally.ErrNotFound) {
		t.Errorf("UpdateJobStatus(missing) = %v", err)
	}

	for i, jid := range []string{"job_a", "job_b"} {
		err := s.SaveJob(ctx, &job.Record{
			ID:          jid,
			Payload:     json.RawMessage(`{"user_id":"u1"}`),
			MaxAttempts: 3,
			Status:      job.StatusPending,
			CreatedAt:   created.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	done := created.Add(time.Minute)
	if err := s.UpdateJobStatus(ctx, "job_a", job.StatusUpdate{
		Status: job.StatusFailed, Attempts: 3, Error: "ocr timeout", ProcessedAt: &done,
	}); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	r, err := s.GetJob(ctx, "job_a")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != job.StatusFailed || r.Attempts != 3 || r.Error != "ocr timeout" {
		t.Errorf("unexpected record %+v", r)
	}
	if r.ProcessedAt == nil || !r.ProcessedAt.Equal(done) {
		t.Errorf("ProcessedAt = %v, want %v", r.ProcessedAt, done)
	}
	var payload map[string]string
	if err := json.Unmarshal(r.Payload, &payload); err != nil || payload["user_id"] != "u1" {
		t.Errorf("payload = %s (%v)", r.Payload, err)
	}

	failed, err := s.ListJobs(ctx, job.ListOpts{Status: job.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "job_a" {
		t.Errorf("ListJobs(failed) = %+v", failed)
	}
	all, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "job_a" {
		t.Errorf("ListJobs() = %+v", all)
	}
}

func testGroups(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetGroup(ctx, "g1"); !errors.Is(err, tally.ErrNotFound) {
		t.Errorf("GetGroup(missing) = %v", err)
	}

	g := bulk.NewGroup("g1", 7, 5)
	g.Batches[1] = []bulk.Artifact{{FileIndex: 6, Ref: "f6"}, {FileIndex: 5, Ref: "f5"}}
	g.CompletedFiles = 2
	g.Fired[1] = true
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}

	got, err := s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalFiles != 7 || got.FilesPerBatch != 5 || got.CompletedFiles != 2 {
		t.Errorf("unexpected group %+v", got)
	}
	if !got.Fired[1] || got.Fired[0] {
		t.Errorf("Fired = %v", got.Fired)
	}
	if refs := got.Refs(1); len(refs) != 2 || refs[0] != "f5" || refs[1] != "f6" {
		t.Errorf("Refs(1) = %v", refs)
	}

	if err := s.DeleteGroup(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetGroup(ctx, "g1"); !errors.Is(err, tally.ErrNotFound) {
		t.Errorf("GetGroup after delete = %v", err)
	}
}
