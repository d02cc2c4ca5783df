// Package audithook bridges tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on any
// particular audit store. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin          = (*Extension)(nil)
	_ plugin.OnJobAdded      = (*Extension)(nil)
	_ plugin.OnJobCompleted  = (*Extension)(nil)
	_ plugin.OnJobRetry      = (*Extension)(nil)
	_ plugin.OnJobFailed     = (*Extension)(nil)
	_ plugin.OnCredited      = (*Extension)(nil)
	_ plugin.OnDebited       = (*Extension)(nil)
	_ plugin.OnRefunded      = (*Extension)(nil)
	_ plugin.OnBatchComplete = (*Extension)(nil)
	_ plugin.OnBatchFailed   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// OnJobAdded implements plugin.OnJobAdded.
func (e *Extension) OnJobAdded(ctx context.Context, j *job.Record) error {
	return e.record(ctx, ActionJobAdded, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID, CategoryJobs, nil,
		"max_attempts", j.MaxAttempts,
	)
}

// OnJobCompleted implements plugin.OnJobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Record) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID, CategoryJobs, nil,
		"attempts", j.Attempts,
	)
}

// OnJobRetry implements plugin.OnJobRetry.
func (e *Extension) OnJobRetry(ctx context.Context, j *job.Record) error {
	return e.record(ctx, ActionJobRetry, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID, CategoryJobs, nil,
		"attempts", j.Attempts,
		"last_error", j.Error,
	)
}

// OnJobFailed implements plugin.OnJobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Record, err error) error {
	return e.record(ctx, ActionJobFailed, SeverityError, OutcomeFailure,
		ResourceJob, j.ID, CategoryJobs, err,
		"attempts", j.Attempts,
	)
}

// ──────────────────────────────────────────────────
// Ledger lifecycle hooks
// ──────────────────────────────────────────────────

// OnCredited implements plugin.OnCredited.
func (e *Extension) OnCredited(ctx context.Context, tx *account.Transaction) error {
	return e.record(ctx, ActionCredited, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, tx.ID.String(), CategoryPayment, nil,
		"user_id", tx.UserID,
		"amount", tx.Amount.String(),
		"provider", tx.Provider,
		"external_id", tx.ExternalID,
	)
}

// OnDebited implements plugin.OnDebited.
func (e *Extension) OnDebited(ctx context.Context, tx *account.Transaction) error {
	return e.record(ctx, ActionDebited, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, tx.ID.String(), CategoryPayment, nil,
		"user_id", tx.UserID,
		"amount", tx.Amount.String(),
		"job_id", tx.Reference,
	)
}

// OnRefunded implements plugin.OnRefunded.
func (e *Extension) OnRefunded(ctx context.Context, tx *account.Transaction) error {
	return e.record(ctx, ActionRefunded, SeverityWarning, OutcomeSuccess,
		ResourceTransaction, tx.ID.String(), CategoryPayment, nil,
		"user_id", tx.UserID,
		"amount", tx.Amount.String(),
		"job_id", tx.Reference,
	)
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// OnBatchComplete implements plugin.OnBatchComplete.
func (e *Extension) OnBatchComplete(ctx context.Context, groupID string, batchIndex int, artifacts []string) error {
	return e.record(ctx, ActionBatchCombined, SeverityInfo, OutcomeSuccess,
		ResourceBulkGroup, groupID, CategoryBulk, nil,
		"batch_index", batchIndex,
		"files", len(artifacts),
	)
}

// OnBatchFailed implements plugin.OnBatchFailed.
func (e *Extension) OnBatchFailed(ctx context.Context, groupID string, batchIndex int, err error) error {
	return e.record(ctx, ActionBatchFailed, SeverityCritical, OutcomeFailure,
		ResourceBulkGroup, groupID, CategoryBulk, err,
		"batch_index", batchIndex,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
