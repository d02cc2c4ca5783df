package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/tally/job"
)

// Job is a unit of work with a caller-defined payload.
type Job[P any] struct {
	ID          string
	Payload     P
	Attempts    int
	MaxAttempts int
	Status      job.Status
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Processor handles one attempt of a job. A non-nil error or a panic fails
// the attempt.
type Processor[P any] func(ctx context.Context, j Job[P]) error

// Record converts the job to its persisted form.
func (j Job[P]) Record() *job.Record {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		payload = nil
	}
	r := &job.Record{
		ID:          j.ID,
		Payload:     payload,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Status:      j.Status,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
	}
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		r.ProcessedAt = &t
	}
	return r
}

func (j *Job[P]) snapshot() Job[P] {
	cp := *j
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		cp.ProcessedAt = &t
	}
	return cp
}

// Stats counts jobs by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Observer receives lifecycle events. Events for one job are delivered in
// order; OnFailed fires at most once per job and only after the failed
// status has been written to the job store.
type Observer[P any] interface {
	OnAdded(ctx context.Context, j Job[P])
	OnProcessing(ctx context.Context, j Job[P])
	OnCompleted(ctx context.Context, j Job[P])
	OnRetry(ctx context.Context, j Job[P])
	OnFailed(ctx context.Context, j Job[P], err error)
}

// ObserverFuncs adapts optional functions to an Observer.
type ObserverFuncs[P any] struct {
	Added      func(ctx context.Context, j Job[P])
	Processing func(ctx context.Context, j Job[P])
	Completed  func(ctx context.Context, j Job[P])
	Retry      func(ctx context.Context, j Job[P])
	Failed     func(ctx context.Context, j Job[P], err error)
}

func (o ObserverFuncs[P]) OnAdded(ctx context.Context, j Job[P]) {
	if o.Added != nil {
		o.Added(ctx, j)
	}
}

func (o ObserverFuncs[P]) OnProcessing(ctx context.Context, j Job[P]) {
	if o.Processing != nil {
		o.Processing(ctx, j)
	}
}

func (o ObserverFuncs[P]) OnCompleted(ctx context.Context, j Job[P]) {
	if o.Completed != nil {
		o.Completed(ctx, j)
	}
}

func (o ObserverFuncs[P]) OnRetry(ctx context.Context, j Job[P]) {
	if o.Retry != nil {
		o.Retry(ctx, j)
	}
}

func (o ObserverFuncs[P]) OnFailed(ctx context.Context, j Job[P], err error) {
	if o.Failed != nil {
		o.Failed(ctx, j, err)
	}
}
