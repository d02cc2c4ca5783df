// Package engine wires the ledger, the work queue and the batch coordinator
// into the paid job pipeline: a job is only queued after its price has been
// debited, a successful job is delivered (or folded into its bulk batch),
// and a job that fails permanently is refunded before the user is told.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/batch"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/ledger"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/queue"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// DefaultRefundAttempts bounds how often a failed refund is retried.
const DefaultRefundAttempts = 3

// DefaultRefundRetention is how long a settled refund stays in the
// refund-once guard.
const DefaultRefundRetention = 10 * time.Minute

// Order is the payload of a paid job.
type Order struct {
	UserID string      `json:"user_id"`
	Price  types.Money `json:"price"`
	// Source is an opaque reference to the uploaded input.
	Source string `json:"source"`
	Format string `json:"format,omitempty"`
	// Bulk is set when the job is one file of a bulk group.
	Bulk *BulkRef `json:"bulk,omitempty"`
}

// BulkOrder is a set of files charged and submitted together. Their
// artifacts are combined FilesPerBatch at a time.
type BulkOrder struct {
	UserID        string
	PricePerFile  types.Money
	Sources       []string
	Format        string
	FilesPerBatch int
}

// BulkRef places a job inside a bulk group.
type BulkRef struct {
	GroupID       string `json:"group_id"`
	FileIndex     int    `json:"file_index"`
	TotalFiles    int    `json:"total_files"`
	FilesPerBatch int    `json:"files_per_batch"`
}

// Generator produces the document for one order and returns a reference to
// the artifact.
type Generator interface {
	Generate(ctx context.Context, o Order) (artifact string, err error)
}

// Combiner merges the artifacts of one batch, in file order.
type Combiner interface {
	Combine(ctx context.Context, groupID string, batchIndex int, artifacts []string) (combined string, err error)
}

// Notifier delivers results to users. Errors are logged.
type Notifier interface {
	Delivered(ctx context.Context, jobID string, o Order, artifact string) error
	// Failed reports a job that failed for good. refunded is false when the
	// refund could not be committed and needs manual reconciliation.
	Failed(ctx context.Context, jobID string, o Order, cause error, refunded bool) error
	BatchReady(ctx context.Context, groupID string, batchIndex int, combined string) error
	BatchFailed(ctx context.Context, groupID string, batchIndex int, cause error) error
}

// Engine is the paid job pipeline.
type Engine struct {
	store     store.Store
	generator Generator
	combiner  Combiner
	notifier  Notifier
	plugins   *plugin.Registry
	logger    *slog.Logger

	ledger *ledger.Ledger
	queue  *queue.Queue[Order]
	batch  *batch.Coordinator

	concurrency    int
	maxAttempts    int
	retryDelay     time.Duration
	gracePeriod    time.Duration
	refundAttempts  int
	refundRetention time.Duration
	ledgerOpts      []ledger.Option
	batchOpts      []batch.Option
	disableMigrate bool

	// artifacts holds a generated artifact between the processor returning
	// and the completed event.
	artifacts sync.Map

	refundMu sync.Mutex
	refunds  map[string]*refundEntry

	started atomic.Bool
}

// New creates an Engine. Start must be called before Submit.
func New(s store.Store, gen Generator, comb Combiner, n Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		generator:      gen,
		combiner:       comb,
		notifier:       n,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		concurrency:    queue.DefaultConcurrency,
		maxAttempts:    queue.DefaultMaxAttempts,
		retryDelay:     queue.DefaultRetryDelay,
		gracePeriod:    batch.DefaultGracePeriod,
		refundAttempts:  DefaultRefundAttempts,
		refundRetention: DefaultRefundRetention,
		refunds:         make(map[string]*refundEntry),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ledger = ledger.New(s, append([]ledger.Option{
		ledger.WithLogger(e.logger),
		ledger.WithPlugins(e.plugins),
	}, e.ledgerOpts...)...)

	e.batch = batch.New(e.combine, append([]batch.Option{
		batch.WithStore(s),
		batch.WithGracePeriod(e.gracePeriod),
		batch.WithLogger(e.logger),
	}, e.batchOpts...)...)

	e.queue = queue.New[Order](
		queue.WithConcurrency[Order](e.concurrency),
		queue.WithMaxAttempts[Order](e.maxAttempts),
		queue.WithRetryDelay[Order](e.retryDelay),
		queue.WithStore[Order](s),
		queue.WithLogger[Order](e.logger),
		queue.WithObserver[Order](&jobEvents{e: e}),
	)

	return e
}

// Ledger returns the engine's ledger for top-ups and balance queries.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Queue returns the underlying work queue.
func (e *Engine) Queue() *queue.Queue[Order] { return e.queue }

// Coordinator returns the batch coordinator.
func (e *Engine) Coordinator() *batch.Coordinator { return e.batch }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Start migrates the store, initializes plugins, starts processing and
// re-enqueues the jobs a previous run left unfinished.
func (e *Engine) Start(ctx context.Context) error {
	if !e.disableMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("engine: migrate: %w", err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	if err := e.queue.Process(e.process); err != nil {
		return err
	}
	if err := e.restoreJobs(ctx); err != nil {
		return err
	}
	e.started.Store(true)

	e.logger.Info("tally engine started",
		"concurrency", e.concurrency,
		"max_attempts", e.maxAttempts,
		"retry_delay", e.retryDelay,
		"batch_grace_period", e.gracePeriod,
		"plugins", e.plugins.Count(),
	)
	return nil
}

// Stop waits for in-flight jobs, stops timers and closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.started.Store(false)

	err := e.queue.Stop(ctx)
	e.batch.Stop()
	e.plugins.EmitShutdown(ctx)

	if cerr := e.store.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	e.logger.Info("tally engine stopped")
	return err
}

// Submit charges the order's price and queues the job. It returns false,
// and queues nothing, when the balance is insufficient.
func (e *Engine) Submit(ctx context.Context, o Order) (queue.Job[Order], bool, error) {
	if !e.started.Load() {
		return queue.Job[Order]{}, false, tally.ErrNotStarted
	}
	if err := validateOrder(o); err != nil {
		return queue.Job[Order]{}, false, err
	}

	jobID := id.NewJobID().String()

	ok, err := e.ledger.Debit(ctx, o.UserID, o.Price, jobID)
	if err != nil {
		return queue.Job[Order]{}, false, err
	}
	if !ok {
		return queue.Job[Order]{}, false, nil
	}

	j, err := e.queue.Add(ctx, jobID, o)
	if err != nil {
		e.dropUnqueued(ctx, jobID, o)
		return queue.Job[Order]{}, false, err
	}
	return j, true, nil
}

// SubmitBulk charges for every file at once and queues one job per file
// under a new group id. It returns false, and queues nothing, when the
// balance does not cover all files. When queueing stops part way, the files
// that were not queued are refunded and settled as failed in their group.
func (e *Engine) SubmitBulk(ctx context.Context, b BulkOrder) (string, []queue.Job[Order], bool, error) {
	if !e.started.Load() {
		return "", nil, false, tally.ErrNotStarted
	}
	if err := validateBulkOrder(b); err != nil {
		return "", nil, false, err
	}

	groupID := id.NewBulkGroupID().String()
	total := b.PricePerFile.Multiply(int64(len(b.Sources)))

	ok, err := e.ledger.Debit(ctx, b.UserID, total, groupID)
	if err != nil || !ok {
		return "", nil, false, err
	}

	jobs := make([]queue.Job[Order], 0, len(b.Sources))
	for i, src := range b.Sources {
		jobID := id.NewJobID().String()
		o := Order{
			UserID: b.UserID,
			Price:  b.PricePerFile,
			Source: src,
			Format: b.Format,
			Bulk: &BulkRef{
				GroupID:       groupID,
				FileIndex:     i,
				TotalFiles:    len(b.Sources),
				FilesPerBatch: b.FilesPerBatch,
			},
		}

		j, err := e.queue.Add(ctx, jobID, o)
		if err != nil {
			e.dropUnqueued(ctx, jobID, o)
			for k := i + 1; k < len(b.Sources); k++ {
				rest := o
				rest.Source = b.Sources[k]
				rest.Bulk = &BulkRef{GroupID: groupID, FileIndex: k, TotalFiles: len(b.Sources), FilesPerBatch: b.FilesPerBatch}
				e.dropUnqueued(ctx, id.NewJobID().String(), rest)
			}
			return groupID, jobs, false, err
		}
		jobs = append(jobs, j)
	}

	e.logger.Info("engine: bulk group submitted",
		"group_id", groupID,
		"user_id", b.UserID,
		"files", len(b.Sources),
		"files_per_batch", b.FilesPerBatch,
		"charged", total.String(),
	)
	return groupID, jobs, true, nil
}

// dropUnqueued returns the price of an order that was charged but never
// queued, and settles its bulk file so the group can still finish.
func (e *Engine) dropUnqueued(ctx context.Context, jobID string, o Order) {
	e.refundOnce(ctx, jobID, o)
	e.settleFailedFile(ctx, jobID, o)
}

// settleFailedFile marks a bulk file as failed in its group.
func (e *Engine) settleFailedFile(ctx context.Context, jobID string, o Order) {
	b := o.Bulk
	if b == nil {
		return
	}
	if err := e.batch.ReportFileFailed(ctx, b.GroupID, b.FileIndex, b.TotalFiles, b.FilesPerBatch); err != nil {
		e.logger.Error("engine: bulk failure report failed",
			"job_id", jobID,
			"group_id", b.GroupID,
			"file_index", b.FileIndex,
			"error", err,
		)
	}
}

// restoreJobs re-enqueues jobs a previous run left pending or processing,
// oldest first. Their price was debited when they were submitted.
func (e *Engine) restoreJobs(ctx context.Context) error {
	var recs []*job.Record
	for _, st := range []job.Status{job.StatusProcessing, job.StatusPending} {
		list, err := e.store.ListJobs(ctx, job.ListOpts{Status: st})
		if err != nil {
			return fmt.Errorf("engine: list %s jobs: %w", st, err)
		}
		recs = append(recs, list...)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	for _, r := range recs {
		var o Order
		if err := json.Unmarshal(r.Payload, &o); err != nil {
			e.logger.Error("engine: stored job payload unreadable, manual reconciliation required",
				"job_id", r.ID,
				"error", err,
			)
			now := time.Now().UTC()
			if uerr := e.store.UpdateJobStatus(ctx, r.ID, job.StatusUpdate{
				Status:      job.StatusFailed,
				Attempts:    r.Attempts,
				Error:       "payload unreadable: " + err.Error(),
				ProcessedAt: &now,
			}); uerr != nil {
				return fmt.Errorf("engine: retire job %s: %w", r.ID, uerr)
			}
			continue
		}

		if _, err := e.queue.Restore(ctx, queue.Job[Order]{
			ID:          r.ID,
			Payload:     o,
			Attempts:    r.Attempts,
			MaxAttempts: r.MaxAttempts,
			Status:      r.Status,
			Error:       r.Error,
			CreatedAt:   r.CreatedAt,
		}); err != nil {
			return fmt.Errorf("engine: restore job %s: %w", r.ID, err)
		}
	}

	if len(recs) > 0 {
		e.logger.Info("engine: restored unfinished jobs", "count", len(recs))
	}
	return nil
}

func (e *Engine) process(ctx context.Context, j queue.Job[Order]) error {
	artifact, err := e.generator.Generate(ctx, j.Payload)
	if err != nil {
		return err
	}
	e.artifacts.Store(j.ID, artifact)
	return nil
}

// combine is the coordinator's callback for a complete batch.
func (e *Engine) combine(ctx context.Context, groupID string, batchIndex int, artifacts []string) error {
	if e.combiner == nil {
		return fmt.Errorf("engine: no combiner configured")
	}

	combined, err := e.combiner.Combine(ctx, groupID, batchIndex, artifacts)
	if err != nil {
		e.plugins.EmitBatchFailed(ctx, groupID, batchIndex, err)
		if nerr := e.notifier.BatchFailed(ctx, groupID, batchIndex, err); nerr != nil {
			e.logger.Error("engine: batch failure notification failed",
				"group_id", groupID,
				"batch_index", batchIndex,
				"error", nerr,
			)
		}
		return err
	}

	e.plugins.EmitBatchComplete(ctx, groupID, batchIndex, artifacts)
	if err := e.notifier.BatchReady(ctx, groupID, batchIndex, combined); err != nil {
		e.logger.Error("engine: batch delivery failed",
			"group_id", groupID,
			"batch_index", batchIndex,
			"error", err,
		)
	}
	return nil
}

// refundEntry is the refund-once guard state of one job.
type refundEntry struct {
	done     bool
	refunded bool
	settled  time.Time
}

// refundOnce returns the order's price for jobID at most once, retrying a
// failing refund with the retry delay. It reports whether the price is back
// with the user. A repeated call while the first is still running reports
// false.
func (e *Engine) refundOnce(ctx context.Context, jobID string, o Order) bool {
	e.refundMu.Lock()
	e.pruneRefundsLocked(time.Now())
	if entry, ok := e.refunds[jobID]; ok {
		e.refundMu.Unlock()
		return entry.done && entry.refunded
	}
	entry := &refundEntry{}
	e.refunds[jobID] = entry
	e.refundMu.Unlock()

	refunded := e.refund(ctx, jobID, o)

	e.refundMu.Lock()
	entry.done = true
	entry.refunded = refunded
	entry.settled = time.Now()
	e.refundMu.Unlock()
	return refunded
}

// pruneRefundsLocked forgets refunds settled longer than the retention ago.
func (e *Engine) pruneRefundsLocked(now time.Time) {
	for jobID, entry := range e.refunds {
		if entry.done && now.Sub(entry.settled) >= e.refundRetention {
			delete(e.refunds, jobID)
		}
	}
}

func (e *Engine) refund(ctx context.Context, jobID string, o Order) bool {
	for attempt := 1; ; attempt++ {
		_, err := e.ledger.Refund(ctx, o.UserID, o.Price, jobID)
		if err == nil {
			return true
		}
		e.logger.Warn("engine: refund failed",
			"job_id", jobID,
			"user_id", o.UserID,
			"attempt", attempt,
			"error", err,
		)
		if tally.IsValidation(err) || attempt >= e.refundAttempts {
			e.abandonRefund(jobID, o, err)
			return false
		}

		t := time.NewTimer(e.retryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			e.abandonRefund(jobID, o, ctx.Err())
			return false
		}
	}
}

func (e *Engine) abandonRefund(jobID string, o Order, err error) {
	e.logger.Error("engine: refund abandoned, manual reconciliation required",
		"job_id", jobID,
		"user_id", o.UserID,
		"amount", o.Price.String(),
		"error", err,
	)
}

func validateOrder(o Order) error {
	if o.UserID == "" {
		return tally.ValidationError{Field: "user_id", Message: "must not be empty", Err: tally.ErrInvalidInput}
	}
	if b := o.Bulk; b != nil {
		if b.GroupID == "" || b.TotalFiles <= 0 || b.FilesPerBatch <= 0 || b.FileIndex < 0 || b.FileIndex >= b.TotalFiles {
			return tally.ValidationError{Field: "bulk", Message: "invalid bulk reference", Err: tally.ErrInvalidInput}
		}
	}
	return nil
}

func validateBulkOrder(b BulkOrder) error {
	switch {
	case b.UserID == "":
		return tally.ValidationError{Field: "user_id", Message: "must not be empty", Err: tally.ErrInvalidInput}
	case len(b.Sources) == 0:
		return tally.ValidationError{Field: "sources", Message: "must not be empty", Err: tally.ErrInvalidInput}
	case b.FilesPerBatch <= 0:
		return tally.ValidationError{Field: "files_per_batch", Message: "must be positive", Err: tally.ErrInvalidInput}
	}
	return nil
}
