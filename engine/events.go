package engine

import (
	"context"
	"errors"

	"github.com/xraph/tally/queue"
)

// jobEvents routes queue lifecycle events to plugins and to the
// delivery and refund paths.
type jobEvents struct {
	e *Engine
}

var _ queue.Observer[Order] = (*jobEvents)(nil)

func (h *jobEvents) OnAdded(ctx context.Context, j queue.Job[Order]) {
	h.e.plugins.EmitJobAdded(ctx, j.Record())
}

func (h *jobEvents) OnProcessing(ctx context.Context, j queue.Job[Order]) {
	h.e.plugins.EmitJobProcessing(ctx, j.Record())
}

func (h *jobEvents) OnRetry(ctx context.Context, j queue.Job[Order]) {
	h.e.plugins.EmitJobRetry(ctx, j.Record())
}

func (h *jobEvents) OnCompleted(ctx context.Context, j queue.Job[Order]) {
	e := h.e
	e.plugins.EmitJobCompleted(ctx, j.Record())

	v, _ := e.artifacts.LoadAndDelete(j.ID)
	artifact, _ := v.(string)

	if b := j.Payload.Bulk; b != nil {
		err := e.batch.ReportFileComplete(ctx, b.GroupID, b.FileIndex, b.TotalFiles, b.FilesPerBatch, artifact)
		if err != nil {
			e.logger.Error("engine: bulk report failed",
				"job_id", j.ID,
				"group_id", b.GroupID,
				"file_index", b.FileIndex,
				"error", err,
			)
		}
		return
	}

	if err := e.notifier.Delivered(ctx, j.ID, j.Payload, artifact); err != nil {
		e.logger.Error("engine: delivery failed",
			"job_id", j.ID,
			"user_id", j.Payload.UserID,
			"error", err,
		)
	}
}

// OnFailed runs after the failed status is stored: refund first, then tell
// the user, then settle the file in its bulk group.
func (h *jobEvents) OnFailed(ctx context.Context, j queue.Job[Order], cause error) {
	e := h.e
	e.artifacts.Delete(j.ID)
	e.plugins.EmitJobFailed(ctx, j.Record(), cause)

	refunded := e.refundOnce(ctx, j.ID, j.Payload)

	if cause == nil {
		cause = errors.New(j.Error)
	}
	if err := e.notifier.Failed(ctx, j.ID, j.Payload, cause, refunded); err != nil {
		e.logger.Error("engine: failure notification failed",
			"job_id", j.ID,
			"user_id", j.Payload.UserID,
			"error", err,
		)
	}

	// The paid siblings of a failed bulk file still get their batch.
	e.settleFailedFile(ctx, j.ID, j.Payload)
}
