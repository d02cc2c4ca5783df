// Package job defines the persisted form of a queued job.
package job

import (
	"encoding/json"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is a job as stored. Payload is the JSON encoding of the queue's
// caller-defined payload.
type Record struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// StatusUpdate is applied by Store.UpdateJobStatus.
type StatusUpdate struct {
	Status      Status
	Attempts    int
	Error       string
	ProcessedAt *time.Time
}
