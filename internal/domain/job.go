package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus captures the lifecycle state for an ingestion job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further work happens for the status without a retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IngestionJob tracks one ingestion attempt over one uploaded file.
type IngestionJob struct {
	ID               uuid.UUID  `json:"id"`
	Filename         string     `json:"filename"`
	FilePath         string     `json:"-"`
	Status           JobStatus  `json:"status"`
	TotalRecords     int        `json:"total_records"`
	ProcessedRecords int        `json:"processed_records"`
	UniqueDomains    int        `json:"unique_domains"`
	DuplicateDomains int        `json:"duplicate_domains"`
	FailedRecords    int        `json:"failed_records"`
	ProcessingTime   float64    `json:"processing_time"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	RetryCount       int        `json:"retry_count"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewIngestionJob returns a pending job for the uploaded file.
func NewIngestionJob(filename, filePath string) IngestionJob {
	return IngestionJob{
		ID:       uuid.New(),
		Filename: filename,
		FilePath: filePath,
		Status:   JobStatusPending,
	}
}

// Progress returns the completion percentage in the range [0, 100].
func (j IngestionJob) Progress() int {
	if j.TotalRecords <= 0 {
		if j.Status == JobStatusCompleted {
			return 100
		}
		return 0
	}
	pct := j.ProcessedRecords * 100 / j.TotalRecords
	if pct > 100 {
		pct = 100
	}
	return pct
}

// JobProgress is the counter snapshot written to the ledger after each step.
type JobProgress struct {
	Status           JobStatus
	TotalRecords     int
	ProcessedRecords int
	UniqueDomains    int
	DuplicateDomains int
	FailedRecords    int
	ProcessingTime   float64
	ErrorMessage     *string
}

// CounterDelta adjusts job counters after quarantined rows are repaired.
type CounterDelta struct {
	Failed    int
	Unique    int
	Duplicate int
}
