// Package tally is the core of a paid, asynchronous document generation
// service: users top up a prepaid balance, each job is charged before it is
// queued, and a job that fails for good is refunded automatically.
//
// Tally is a library. It provides:
//
//   - A generic work queue with bounded concurrency and fixed-delay retries
//   - A ledger with exact integer money, anti-replay top-ups and refunds
//   - A batch coordinator that merges bulk results into fixed-size batches
//   - Pluggable storage (memory, PostgreSQL, SQLite, MongoDB)
//   - Lifecycle hooks for metrics and audit trails
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally/engine"
//	    "github.com/xraph/tally/store/postgres"
//	)
//
//	store, err := postgres.New(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	e := engine.New(store, generator, combiner, notifier,
//	    engine.WithConcurrency(3),
//	)
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop(ctx)
//
// # Money
//
// Balances are int64 minor units (santim for ETB). A top-up must be one of
// the ledger's allowed amounts and each external payment id can be credited
// once per provider:
//
//	_, err := e.Ledger().Credit(ctx, userID, tally.ETB(100_00), "TX-9F3", "telebirr")
//	if errors.Is(err, tally.ErrDuplicateTransaction) {
//	    // already credited
//	}
//
// # Jobs
//
// Submit debits the order's price first and only queues the job when the
// debit succeeds:
//
//	job, ok, err := e.Submit(ctx, engine.Order{UserID: userID, Price: tally.ETB(5_00)})
//	if err == nil && !ok {
//	    // insufficient balance
//	}
//
// When the job exhausts its attempts the price is refunded before the
// Notifier hears about the failure.
package tally
