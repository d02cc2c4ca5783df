package job

import "context"

// Store persists job records.
type Store interface {
	// SaveJob inserts the record, replacing any record with the same id.
	SaveJob(ctx context.Context, r *Record) error
	// GetJob returns tally.ErrNotFound for unknown ids.
	GetJob(ctx context.Context, jobID string) (*Record, error)
	// UpdateJobStatus returns tally.ErrNotFound for unknown ids.
	UpdateJobStatus(ctx context.Context, jobID string, u StatusUpdate) error
	ListJobs(ctx context.Context, opts ListOpts) ([]*Record, error)
}

// ListOpts filters ListJobs. A zero Status matches every job.
type ListOpts struct {
	Status Status
	Limit  int
}
