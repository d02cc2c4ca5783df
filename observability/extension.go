// Package observability provides a metrics plugin for the tally engine that
// records job, ledger and batch lifecycle counts through a MetricFactory.
package observability

import (
	"context"
	"errors"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin          = (*MetricsExtension)(nil)
	_ plugin.OnInit          = (*MetricsExtension)(nil)
	_ plugin.OnJobAdded      = (*MetricsExtension)(nil)
	_ plugin.OnJobProcessing = (*MetricsExtension)(nil)
	_ plugin.OnJobCompleted  = (*MetricsExtension)(nil)
	_ plugin.OnJobRetry      = (*MetricsExtension)(nil)
	_ plugin.OnJobFailed     = (*MetricsExtension)(nil)
	_ plugin.OnCredited      = (*MetricsExtension)(nil)
	_ plugin.OnDebited       = (*MetricsExtension)(nil)
	_ plugin.OnRefunded      = (*MetricsExtension)(nil)
	_ plugin.OnBatchComplete = (*MetricsExtension)(nil)
	_ plugin.OnBatchFailed   = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an engine plugin to track queue and ledger activity.
type MetricsExtension struct {
	factory MetricFactory

	// Job metrics
	JobsAdded      Counter
	JobsProcessing Counter
	JobsCompleted  Counter
	JobsRetried    Counter
	JobsFailed     Counter
	JobAttempts    Histogram
	JobLatency     Histogram

	// Ledger metrics
	Credits      Counter
	Debits       Counter
	Refunds      Counter
	CreditAmount Histogram
	DebitAmount  Histogram

	// Batch metrics
	BatchesCombined Counter
	BatchesFailed   Counter
	BatchSize       Histogram

	// Error metrics
	StoreErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory elsewhere.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		JobsAdded:      factory.Counter("tally.job.added"),
		JobsProcessing: factory.Counter("tally.job.processing"),
		JobsCompleted:  factory.Counter("tally.job.completed"),
		JobsRetried:    factory.Counter("tally.job.retried"),
		JobsFailed:     factory.Counter("tally.job.failed"),
		JobAttempts:    factory.Histogram("tally.job.attempts"),
		JobLatency:     factory.Histogram("tally.job.latency_ms"),

		Credits:      factory.Counter("tally.ledger.credits"),
		Debits:       factory.Counter("tally.ledger.debits"),
		Refunds:      factory.Counter("tally.ledger.refunds"),
		CreditAmount: factory.Histogram("tally.ledger.credit.amount_minor"),
		DebitAmount:  factory.Histogram("tally.ledger.debit.amount_minor"),

		BatchesCombined: factory.Counter("tally.batch.combined"),
		BatchesFailed:   factory.Counter("tally.batch.failed"),
		BatchSize:       factory.Histogram("tally.batch.size"),

		StoreErrors: factory.Counter("tally.store.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// OnJobAdded implements plugin.OnJobAdded.
func (m *MetricsExtension) OnJobAdded(_ context.Context, _ *job.Record) error {
	m.JobsAdded.Inc()
	return nil
}

// OnJobProcessing implements plugin.OnJobProcessing.
func (m *MetricsExtension) OnJobProcessing(_ context.Context, _ *job.Record) error {
	m.JobsProcessing.Inc()
	return nil
}

// OnJobCompleted implements plugin.OnJobCompleted.
func (m *MetricsExtension) OnJobCompleted(_ context.Context, j *job.Record) error {
	m.JobsCompleted.Inc()
	m.observeFinished(j)
	return nil
}

// OnJobRetry implements plugin.OnJobRetry.
func (m *MetricsExtension) OnJobRetry(_ context.Context, _ *job.Record) error {
	m.JobsRetried.Inc()
	return nil
}

// OnJobFailed implements plugin.OnJobFailed.
func (m *MetricsExtension) OnJobFailed(_ context.Context, j *job.Record, err error) error {
	m.JobsFailed.Inc()
	m.observeFinished(j)
	if errors.Is(err, tally.ErrCommitFailed) || errors.Is(err, tally.ErrStoreClosed) {
		m.StoreErrors.Inc()
	}
	return nil
}

func (m *MetricsExtension) observeFinished(j *job.Record) {
	m.JobAttempts.Observe(float64(j.Attempts))
	if j.ProcessedAt != nil {
		m.JobLatency.Observe(float64(j.ProcessedAt.Sub(j.CreatedAt).Milliseconds()))
	}
}

// ──────────────────────────────────────────────────
// Ledger lifecycle hooks
// ──────────────────────────────────────────────────

// OnCredited implements plugin.OnCredited.
func (m *MetricsExtension) OnCredited(_ context.Context, tx *account.Transaction) error {
	m.Credits.Inc()
	m.CreditAmount.Observe(float64(tx.Amount.Amount))
	return nil
}

// OnDebited implements plugin.OnDebited.
func (m *MetricsExtension) OnDebited(_ context.Context, tx *account.Transaction) error {
	m.Debits.Inc()
	m.DebitAmount.Observe(float64(tx.Amount.Amount))
	return nil
}

// OnRefunded implements plugin.OnRefunded.
func (m *MetricsExtension) OnRefunded(_ context.Context, _ *account.Transaction) error {
	m.Refunds.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// OnBatchComplete implements plugin.OnBatchComplete.
func (m *MetricsExtension) OnBatchComplete(_ context.Context, _ string, _ int, artifacts []string) error {
	m.BatchesCombined.Inc()
	m.BatchSize.Observe(float64(len(artifacts)))
	return nil
}

// OnBatchFailed implements plugin.OnBatchFailed.
func (m *MetricsExtension) OnBatchFailed(_ context.Context, _ string, _ int, _ error) error {
	m.BatchesFailed.Inc()
	return nil
}
