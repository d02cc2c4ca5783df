package audithook

// Action constants for audit events.
const (
	// Job actions
	ActionJobAdded     = "job.added"
	ActionJobCompleted = "job.completed"
	ActionJobRetry     = "job.retry"
	ActionJobFailed    = "job.failed"

	// Ledger actions
	ActionCredited = "ledger.credited"
	ActionDebited  = "ledger.debited"
	ActionRefunded = "ledger.refunded"

	// Batch actions
	ActionBatchCombined = "batch.combined"
	ActionBatchFailed   = "batch.failed"
)

// Resource constants for audit events.
const (
	ResourceJob         = "job"
	ResourceTransaction = "transaction"
	ResourceBulkGroup   = "bulk_group"
)

// Category constants for audit events.
const (
	CategoryJobs    = "jobs"
	CategoryPayment = "payment"
	CategoryBulk    = "bulk"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
