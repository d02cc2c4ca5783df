// Package queue runs jobs through a caller-supplied processor with bounded
// concurrency and fixed-delay retries.
//
// Jobs are dispatched in FIFO order of entering the pending state. A failed
// attempt is requeued after the retry delay until the job has used all of
// its attempts, at which point it becomes failed and OnFailed fires once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/job"
)

// Queue is an in-memory work queue. Create one with New.
type Queue[P any] struct {
	concurrency int
	maxAttempts int
	retryDelay  time.Duration
	store       job.Store
	observers   []Observer[P]
	logger      *slog.Logger

	// ctx is handed to processors and observers; it is never canceled so
	// in-flight attempts run to completion.
	ctx context.Context

	mu         sync.Mutex
	jobs       map[string]*Job[P]
	pending    []*Job[P]
	processing int
	processor  Processor[P]
	timers     map[*Job[P]]*time.Timer
	stopped    bool
	wg         sync.WaitGroup
}

// New creates a queue. Nothing is dispatched until Process is called.
func New[P any](opts ...Option[P]) *Queue[P] {
	q := &Queue[P]{
		concurrency: DefaultConcurrency,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		logger:      slog.Default(),
		ctx:         context.Background(),
		jobs:        make(map[string]*Job[P]),
		timers:      make(map[*Job[P]]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add enqueues a job. A job with the same id replaces the existing record
// and cancels its pending retry; an attempt of the old record already
// running finishes, but its outcome is discarded.
func (q *Queue[P]) Add(ctx context.Context, jobID string, payload P, opts ...JobOption) (Job[P], error) {
	if jobID == "" {
		return Job[P]{}, tally.ValidationError{Field: "id", Message: "must not be empty", Err: tally.ErrInvalidInput}
	}

	cfg := jobConfig{maxAttempts: q.maxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}

	j := &Job[P]{
		ID:          jobID,
		Payload:     payload,
		MaxAttempts: cfg.maxAttempts,
		Status:      job.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	if q.isStopped() {
		return Job[P]{}, tally.ErrQueueStopped
	}

	// Saved before it becomes visible to dispatch so that status updates
	// never race the initial insert.
	if q.store != nil {
		if err := q.store.SaveJob(ctx, j.Record()); err != nil {
			q.logger.Error("queue: failed to persist job",
				"job_id", jobID,
				"error", err,
			)
		}
	}

	snap, err := q.enqueue(j)
	if err != nil {
		return Job[P]{}, err
	}

	q.logger.Debug("queue: job added", "job_id", jobID, "max_attempts", snap.MaxAttempts)
	for _, o := range q.observers {
		o.OnAdded(ctx, snap)
	}

	q.dispatch()
	return snap, nil
}

// Restore re-enqueues a job loaded from the store after a restart. The job
// keeps its id, created time and used attempts. An attempt that was
// interrupted while processing does not count, and a job always gets at
// least one more attempt. OnAdded does not fire.
func (q *Queue[P]) Restore(ctx context.Context, saved Job[P]) (Job[P], error) {
	if saved.ID == "" {
		return Job[P]{}, tally.ValidationError{Field: "id", Message: "must not be empty", Err: tally.ErrInvalidInput}
	}

	j := &Job[P]{
		ID:          saved.ID,
		Payload:     saved.Payload,
		Attempts:    saved.Attempts,
		MaxAttempts: saved.MaxAttempts,
		Status:      job.StatusPending,
		Error:       saved.Error,
		CreatedAt:   saved.CreatedAt,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.maxAttempts
	}
	if saved.Status == job.StatusProcessing && j.Attempts > 0 {
		j.Attempts--
	}
	j.Attempts = min(j.Attempts, j.MaxAttempts-1)
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	if q.isStopped() {
		return Job[P]{}, tally.ErrQueueStopped
	}
	q.persist(ctx, j.snapshot())

	snap, err := q.enqueue(j)
	if err != nil {
		return Job[P]{}, err
	}

	q.logger.Info("queue: job restored",
		"job_id", snap.ID,
		"attempts", snap.Attempts,
		"max_attempts", snap.MaxAttempts,
	)
	q.dispatch()
	return snap, nil
}

// enqueue publishes j as the record for its id and appends it to pending.
func (q *Queue[P]) enqueue(j *Job[P]) (Job[P], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return Job[P]{}, tally.ErrQueueStopped
	}
	if old, ok := q.jobs[j.ID]; ok {
		q.cancelTimerLocked(old)
	}
	q.jobs[j.ID] = j
	q.pending = append(q.pending, j)
	return j.snapshot(), nil
}

// Process registers the processor and starts dispatching. It may only be
// called once.
func (q *Queue[P]) Process(fn Processor[P]) error {
	if fn == nil {
		return tally.ValidationError{Field: "processor", Message: "must not be nil", Err: tally.ErrInvalidInput}
	}

	q.mu.Lock()
	if q.processor != nil {
		q.mu.Unlock()
		return tally.ErrProcessorRegistered
	}
	q.processor = fn
	q.mu.Unlock()

	q.dispatch()
	return nil
}

// GetJob returns a snapshot of the job.
func (q *Queue[P]) GetJob(jobID string) (Job[P], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return Job[P]{}, false
	}
	return j.snapshot(), true
}

// GetStats counts known jobs by status. Jobs waiting out a retry delay are
// pending.
func (q *Queue[P]) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, j := range q.jobs {
		switch j.Status {
		case job.StatusPending:
			s.Pending++
		case job.StatusProcessing:
			s.Processing++
		case job.StatusCompleted:
			s.Completed++
		case job.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Stop cancels pending retry timers, stops dispatching and waits for
// in-flight attempts or ctx.
func (q *Queue[P]) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	for j, t := range q.timers {
		t.Stop()
		delete(q.timers, j)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch starts attempts until the concurrency bound is reached or the
// pending list is empty.
func (q *Queue[P]) dispatch() {
	for {
		q.mu.Lock()
		if q.stopped || q.processor == nil || q.processing >= q.concurrency || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		// Replaced or already picked up.
		if q.jobs[j.ID] != j || j.Status != job.StatusPending {
			q.mu.Unlock()
			continue
		}

		j.Status = job.StatusProcessing
		j.Attempts++
		q.processing++
		q.wg.Add(1)
		fn := q.processor
		snap := j.snapshot()
		q.mu.Unlock()

		q.persist(q.ctx, snap)
		for _, o := range q.observers {
			o.OnProcessing(q.ctx, snap)
		}

		go q.run(j, snap, fn)
	}
}

func (q *Queue[P]) run(j *Job[P], snap Job[P], fn Processor[P]) {
	defer q.wg.Done()

	err := q.invoke(fn, snap)

	q.mu.Lock()
	q.processing--
	now := time.Now().UTC()

	// A replaced record no longer owns its id: the outcome of its attempt is
	// dropped without events, retries or store writes.
	if q.jobs[j.ID] != j {
		q.mu.Unlock()
		q.logger.Debug("queue: attempt of replaced job discarded",
			"job_id", j.ID,
			"attempt", snap.Attempts,
			"error", err,
		)
		q.dispatch()
		return
	}

	if err == nil {
		j.Status = job.StatusCompleted
		j.Error = ""
		j.ProcessedAt = &now
		done := j.snapshot()
		q.mu.Unlock()

		q.persist(q.ctx, done)
		q.logger.Debug("queue: job completed", "job_id", done.ID, "attempts", done.Attempts)
		q.dispatch()
		for _, o := range q.observers {
			o.OnCompleted(q.ctx, done)
		}
		return
	}

	j.Error = err.Error()

	if j.Attempts < j.MaxAttempts {
		j.Status = job.StatusPending
		retry := j.snapshot()
		q.mu.Unlock()

		q.persist(q.ctx, retry)
		q.logger.Warn("queue: job attempt failed, retrying",
			"job_id", retry.ID,
			"attempt", retry.Attempts,
			"max_attempts", retry.MaxAttempts,
			"retry_in", q.retryDelay,
			"error", err,
		)
		for _, o := range q.observers {
			o.OnRetry(q.ctx, retry)
		}
		q.scheduleRetry(j)
		q.dispatch()
		return
	}

	j.Status = job.StatusFailed
	j.ProcessedAt = &now
	failed := j.snapshot()
	q.mu.Unlock()

	q.persist(q.ctx, failed)
	q.logger.Error("queue: job failed",
		"job_id", failed.ID,
		"attempts", failed.Attempts,
		"error", err,
	)
	q.dispatch()
	for _, o := range q.observers {
		o.OnFailed(q.ctx, failed, err)
	}
}

// invoke runs one attempt, turning a panic into an error.
func (q *Queue[P]) invoke(fn Processor[P], snap Job[P]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: processor panic: %v", r)
		}
	}()
	return fn(q.ctx, snap)
}

func (q *Queue[P]) scheduleRetry(j *Job[P]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.jobs[j.ID] != j {
		return
	}
	q.timers[j] = time.AfterFunc(q.retryDelay, func() {
		q.mu.Lock()
		if _, ok := q.timers[j]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.timers, j)
		if q.stopped || q.jobs[j.ID] != j {
			q.mu.Unlock()
			return
		}
		q.pending = append(q.pending, j)
		q.mu.Unlock()

		q.dispatch()
	})
}

func (q *Queue[P]) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

func (q *Queue[P]) cancelTimerLocked(j *Job[P]) {
	if t, ok := q.timers[j]; ok {
		t.Stop()
		delete(q.timers, j)
	}
}

// persist writes the status of snap. Store errors are logged; the in-memory
// state stays authoritative.
func (q *Queue[P]) persist(ctx context.Context, snap Job[P]) {
	if q.store == nil {
		return
	}
	err := q.store.UpdateJobStatus(ctx, snap.ID, job.StatusUpdate{
		Status:      snap.Status,
		Attempts:    snap.Attempts,
		Error:       snap.Error,
		ProcessedAt: snap.ProcessedAt,
	})
	if errors.Is(err, tally.ErrNotFound) {
		err = q.store.SaveJob(ctx, snap.Record())
	}
	if err != nil {
		q.logger.Error("queue: failed to persist job status",
			"job_id", snap.ID,
			"status", snap.Status,
			"error", err,
		)
	}
}
