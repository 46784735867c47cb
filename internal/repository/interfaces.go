package repository

import (
	"context"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
)

// BlacklistRepository reads the shared blacklist table.
type BlacklistRepository interface {
	Count(ctx context.Context) (int64, error)
	// List returns entries ordered by domain.
	List(ctx context.Context, limit int, offset int) ([]domain.BlacklistEntry, error)
}

// JobRepository persists the ingestion job ledger.
type JobRepository interface {
	Create(ctx context.Context, job domain.IngestionJob) (domain.IngestionJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.IngestionJob, error)
	List(ctx context.Context, limit int, offset int) ([]domain.IngestionJob, error)

	// MarkProcessing moves a pending job to processing. Returns ErrInvalidState otherwise.
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string, processingTime float64) error
	SetFilePath(ctx context.Context, id uuid.UUID, path string) error

	// ResetForRetry atomically flips a failed job with remaining budget back to pending,
	// zeroing its counters. Returns ErrInvalidState when the job is not eligible.
	ResetForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (domain.IngestionJob, error)

	// RecoverStale fails jobs left in processing by a previous process.
	RecoverStale(ctx context.Context, message string) (int64, error)
}

// QuarantineRepository persists rows that failed validation.
type QuarantineRepository interface {
	InsertBatch(ctx context.Context, records []domain.QuarantinedRecord) error
	// ListByJob returns records ordered by row number.
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]domain.QuarantinedRecord, error)
	DeleteByJob(ctx context.Context, jobID uuid.UUID) error
}

// Tx is the set of writes that must share one transaction.
type Tx interface {
	// LockExisting returns the subset of domains already stored, holding update locks on them.
	LockExisting(ctx context.Context, domains []string) (map[string]struct{}, error)
	// InsertEntries inserts entries, skipping domains that already exist.
	// It returns the number of rows actually written.
	InsertEntries(ctx context.Context, entries []domain.BlacklistEntry) (int, error)

	// TakeQuarantined locks and returns one quarantined row. Returns ErrNotFound when absent.
	TakeQuarantined(ctx context.Context, jobID uuid.UUID, rowNumber int) (domain.QuarantinedRecord, error)
	DeleteQuarantined(ctx context.Context, jobID uuid.UUID, rowNumber int) error
	AdjustCounters(ctx context.Context, jobID uuid.UUID, delta domain.CounterDelta) error
}

// Store groups the repositories and opens read-committed transactions across them.
// WithTx wraps deadlock and serialization failures in domain.ErrWriteConflict.
type Store interface {
	Blacklist() BlacklistRepository
	Jobs() JobRepository
	Quarantine() QuarantineRepository
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
