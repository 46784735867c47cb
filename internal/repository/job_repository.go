package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, filename, file_path, status, total_records, processed_records,
	unique_domains, duplicate_domains, failed_records, processing_time, error_message,
	retry_count, last_retry_at, created_at, updated_at`

type jobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository wires a repository backed by pgxpool.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

func (r *jobRepository) Create(ctx context.Context, job domain.IngestionJob) (domain.IngestionJob, error) {
	if r.pool == nil {
		return domain.IngestionJob{}, fmt.Errorf("job repository not initialized")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO ingestion_jobs (id, filename, file_path, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+jobColumns,
		job.ID,
		job.Filename,
		job.FilePath,
		string(job.Status),
	)
	created, err := scanJob(row)
	if err != nil {
		return domain.IngestionJob{}, fmt.Errorf("failed to create ingestion job: %w", err)
	}
	return created, nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.IngestionJob, error) {
	if r.pool == nil {
		return domain.IngestionJob{}, fmt.Errorf("job repository not initialized")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IngestionJob{}, fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, id)
		}
		return domain.IngestionJob{}, fmt.Errorf("failed to get ingestion job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context, limit int, offset int) ([]domain.IngestionJob, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("job repository not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+jobColumns+`
		 FROM ingestion_jobs
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.IngestionJob{}
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestion jobs: %w", rowsErr)
	}
	return jobs, nil
}

func (r *jobRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if r.pool == nil {
		return fmt.Errorf("job repository not initialized")
	}
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingestion_jobs
		 SET status = 'processing', error_message = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark ingestion job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s is not pending", domain.ErrInvalidState, id)
	}
	return nil
}

func (r *jobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error {
	if r.pool == nil {
		return fmt.Errorf("job repository not initialized")
	}
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingestion_jobs
		 SET status = $2,
		     total_records = $3,
		     processed_records = $4,
		     unique_domains = $5,
		     duplicate_domains = $6,
		     failed_records = $7,
		     processing_time = $8,
		     error_message = $9,
		     updated_at = now()
		 WHERE id = $1`,
		id,
		string(progress.Status),
		progress.TotalRecords,
		progress.ProcessedRecords,
		progress.UniqueDomains,
		progress.DuplicateDomains,
		progress.FailedRecords,
		progress.ProcessingTime,
		progress.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to update ingestion job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *jobRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string, processingTime float64) error {
	if r.pool == nil {
		return fmt.Errorf("job repository not initialized")
	}
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingestion_jobs
		 SET status = 'failed', error_message = $2, processing_time = $3, updated_at = now()
		 WHERE id = $1`,
		id,
		message,
		processingTime,
	)
	if err != nil {
		return fmt.Errorf("failed to mark ingestion job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *jobRepository) SetFilePath(ctx context.Context, id uuid.UUID, path string) error {
	if r.pool == nil {
		return fmt.Errorf("job repository not initialized")
	}
	if _, err := r.pool.Exec(
		ctx,
		`UPDATE ingestion_jobs SET file_path = $2, updated_at = now() WHERE id = $1`,
		id,
		path,
	); err != nil {
		return fmt.Errorf("failed to set ingestion job file path: %w", err)
	}
	return nil
}

func (r *jobRepository) ResetForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (domain.IngestionJob, error) {
	if r.pool == nil {
		return domain.IngestionJob{}, fmt.Errorf("job repository not initialized")
	}
	row := r.pool.QueryRow(
		ctx,
		`UPDATE ingestion_jobs
		 SET status = 'pending',
		     total_records = 0,
		     processed_records = 0,
		     unique_domains = 0,
		     duplicate_domains = 0,
		     failed_records = 0,
		     processing_time = 0,
		     error_message = NULL,
		     retry_count = retry_count + 1,
		     last_retry_at = now(),
		     updated_at = now()
		 WHERE id = $1 AND status = 'failed' AND retry_count < $2
		 RETURNING `+jobColumns,
		id,
		maxRetries,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IngestionJob{}, fmt.Errorf("%w: job %s is not eligible for retry", domain.ErrInvalidState, id)
		}
		return domain.IngestionJob{}, fmt.Errorf("failed to reset ingestion job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) RecoverStale(ctx context.Context, message string) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("job repository not initialized")
	}
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingestion_jobs
		 SET status = 'failed', error_message = $1, updated_at = now()
		 WHERE status = 'processing'`,
		message,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale ingestion jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (domain.IngestionJob, error) {
	var (
		job          domain.IngestionJob
		status       string
		errorMessage pgtype.Text
		lastRetryAt  pgtype.Timestamptz
		createdAt    pgtype.Timestamptz
		updatedAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&job.Filename,
		&job.FilePath,
		&status,
		&job.TotalRecords,
		&job.ProcessedRecords,
		&job.UniqueDomains,
		&job.DuplicateDomains,
		&job.FailedRecords,
		&job.ProcessingTime,
		&errorMessage,
		&job.RetryCount,
		&lastRetryAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.IngestionJob{}, err
	}

	job.Status = domain.JobStatus(status)
	if errorMessage.Valid {
		value := errorMessage.String
		job.ErrorMessage = &value
	}
	if lastRetryAt.Valid {
		value := lastRetryAt.Time
		job.LastRetryAt = &value
	}
	if createdAt.Valid {
		job.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		job.UpdatedAt = updatedAt.Time
	}
	return job, nil
}
