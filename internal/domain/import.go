package domain

import (
	"time"
)

// Job statuses. A job is terminal once completed or failed; RestoreFromBackup
// may move a job back to pending.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Row error classifications persisted to import_errors.
const (
	ErrorTypeValidation   = "validation"
	ErrorTypeDuplicate    = "duplicate"
	ErrorTypeFormat       = "format"
	ErrorTypeBusinessRule = "business_rule"
	ErrorTypeSystem       = "system"
)

// Dedup ledger row statuses.
const (
	RecordStatusProcessed = "processed"
	RecordStatusSkipped   = "skipped"
	RecordStatusError     = "error"
)

// Resumption log event types.
const (
	ResumptionEventIntegrityCheck = "integrity_check"
	ResumptionEventLockRenewal    = "lock_renewal"
	ResumptionEventAttempt        = "resumption_attempt"
	ResumptionEventSuccess        = "resumption_success"
	ResumptionEventFailure        = "resumption_failure"
)

// ImportJob is the durable unit of work. Counters are only mutated by the
// current lock holder; readers outside the lock see consistent snapshots
// because counter updates share the chunk transaction.
type ImportJob struct {
	ID               string                 `json:"id"`
	Filename         string                 `json:"filename"`
	FilePath         string                 `json:"file_path"`
	Status           string                 `json:"status"`
	TotalRows        int64                  `json:"total_rows"`
	ProcessedRows    int64                  `json:"processed_rows"`
	SuccessfulRows   int64                  `json:"successful_rows"`
	ErrorRows        int64                  `json:"error_rows"`
	LastProcessedRow int64                  `json:"last_processed_row"`
	FileSize         int64                  `json:"file_size"`
	FileHash         string                 `json:"file_hash"`
	FileLastModified *time.Time             `json:"file_last_modified,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	FailureMessage   string                 `json:"failure_message,omitempty"`
	ResumptionMeta   map[string]interface{} `json:"resumption_metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// IsTerminal reports whether the job reached a terminal status.
func (j *ImportJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// IsResumable reports whether the job has a usable checkpoint: some rows were
// processed, more remain, and the job is not completed.
func (j *ImportJob) IsResumable() bool {
	if j.Status == JobStatusCompleted {
		return false
	}
	return j.LastProcessedRow > 0 && (j.TotalRows == 0 || j.LastProcessedRow < j.TotalRows)
}

// HasWitness reports whether the file-integrity witness was recorded.
func (j *ImportJob) HasWitness() bool {
	return j.FileHash != "" && j.FileSize > 0
}

// Employee is the target entity. employee_number and email are each unique
// across the store.
type Employee struct {
	ID             string     `json:"id"`
	EmployeeNumber string     `json:"employee_number"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Email          string     `json:"email"`
	Department     *string    `json:"department,omitempty"`
	Salary         *float64   `json:"salary,omitempty"`
	Currency       *string    `json:"currency,omitempty"`
	CountryCode    *string    `json:"country_code,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ImportError is one classified row-scoped failure, append-only per job.
// RowNumber is 1-based and counts data rows (header excluded).
type ImportError struct {
	ID           string            `json:"id"`
	ImportJobID  string            `json:"import_job_id"`
	RowNumber    int64             `json:"row_number"`
	ErrorType    string            `json:"error_type"`
	ErrorMessage string            `json:"error_message"`
	RowData      map[string]string `json:"row_data,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ProcessedRecord is one dedup-ledger row. Keys are recorded only for rows
// that reached the store (status processed); skipped and error rows keep the
// row number and status with empty keys so the per-job key uniqueness the
// consistency check enforces still holds.
type ProcessedRecord struct {
	ImportJobID    string `json:"import_job_id"`
	EmployeeNumber string `json:"employee_number,omitempty"`
	Email          string `json:"email,omitempty"`
	RowNumber      int64  `json:"row_number"`
	Status         string `json:"status"`
}

// ResumptionLog is one operational event (integrity checks, lock renewals,
// resumption attempts) persisted for monitoring.
type ResumptionLog struct {
	ID          string                 `json:"id"`
	ImportJobID string                 `json:"import_job_id"`
	EventType   string                 `json:"event_type"`
	Passed      bool                   `json:"passed"`
	Details     string                 `json:"details"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ProgressSnapshot is the cached per-job view served to status readers.
type ProgressSnapshot struct {
	JobID               string     `json:"job_id"`
	Status              string     `json:"status"`
	TotalRows           int64      `json:"total_rows"`
	ProcessedRows       int64      `json:"processed_rows"`
	SuccessfulRows      int64      `json:"successful_rows"`
	ErrorRows           int64      `json:"error_rows"`
	LastProcessedRow    int64      `json:"last_processed_row"`
	Percentage          float64    `json:"percentage"`
	ProcessingRate      float64    `json:"processing_rate"` // rows per minute
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ImportSummary is the job-level roll-up served by the summary operation.
type ImportSummary struct {
	JobID           string           `json:"job_id"`
	Filename        string           `json:"filename"`
	Status          string           `json:"status"`
	TotalRows       int64            `json:"total_rows"`
	ProcessedRows   int64            `json:"processed_rows"`
	SuccessfulRows  int64            `json:"successful_rows"`
	ErrorRows       int64            `json:"error_rows"`
	FailureMessage  string           `json:"failure_message,omitempty"`
	ErrorsByType    map[string]int64 `json:"errors_by_type"`
	DurationSeconds float64          `json:"duration_seconds"`
	RowsPerSecond   float64          `json:"rows_per_second"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}
