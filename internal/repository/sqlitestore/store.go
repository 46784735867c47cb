// Package sqlitestore implements the repository Store on an embedded SQLite database through gorm.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 500

// Store is the gorm-backed repository.Store.
type Store struct {
	db *gorm.DB
}

var (
	_ repository.Store                = (*Store)(nil)
	_ repository.BlacklistRepository  = (*blacklistRepo)(nil)
	_ repository.JobRepository        = (*jobRepo)(nil)
	_ repository.QuarantineRepository = (*quarantineRepo)(nil)
	_ repository.Tx                   = (*sqliteTx)(nil)
)

// New migrates the schema and returns a Store over db.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&blacklistEntryModel{}, &jobModel{}, &quarantinedRecordModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Blacklist() repository.BlacklistRepository   { return &blacklistRepo{db: s.db} }
func (s *Store) Jobs() repository.JobRepository              { return &jobRepo{db: s.db} }
func (s *Store) Quarantine() repository.QuarantineRepository { return &quarantineRepo{db: s.db} }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqliteTx{db: tx})
	})
	return classifyError(err)
}

// classifyError maps SQLite lock and constraint failures onto the domain taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrWriteConflict) || errors.Is(err, domain.ErrConstraint) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %w", domain.ErrWriteConflict, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", domain.ErrConstraint, err)
	default:
		return err
	}
}

type blacklistRepo struct {
	db *gorm.DB
}

func (r *blacklistRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&blacklistEntryModel{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count blacklist entries: %w", err)
	}
	return count, nil
}

func (r *blacklistRepo) List(ctx context.Context, limit int, offset int) ([]domain.BlacklistEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	var models []blacklistEntryModel
	if err := r.db.WithContext(ctx).Order("domain").Limit(limit).Offset(offset).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list blacklist entries: %w", err)
	}
	entries := make([]domain.BlacklistEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, m.toDomain())
	}
	return entries, nil
}

type jobRepo struct {
	db *gorm.DB
}

func (r *jobRepo) Create(ctx context.Context, job domain.IngestionJob) (domain.IngestionJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	model := jobModel{
		ID:       job.ID.String(),
		Filename: job.Filename,
		FilePath: job.FilePath,
		Status:   string(job.Status),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.IngestionJob{}, fmt.Errorf("failed to create ingestion job: %w", err)
	}
	return r.GetByID(ctx, job.ID)
}

func (r *jobRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.IngestionJob, error) {
	var model jobModel
	err := r.db.WithContext(ctx).Where("id = ?", id.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.IngestionJob{}, fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, id)
		}
		return domain.IngestionJob{}, fmt.Errorf("failed to get ingestion job: %w", err)
	}
	return model.toDomain(), nil
}

func (r *jobRepo) List(ctx context.Context, limit int, offset int) ([]domain.IngestionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var models []jobModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
	}
	jobs := make([]domain.IngestionJob, 0, len(models))
	for _, m := range models {
		jobs = append(jobs, m.toDomain())
	}
	return jobs, nil
}

func (r *jobRepo) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status = ?", id.String(), string(domain.JobStatusPending)).
		Updates(map[string]any{
			"status":        string(domain.JobStatusProcessing),
			"error_message": nil,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark ingestion job processing: %w", classifyError(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s is not pending", domain.ErrInvalidState, id)
	}
	return nil
}

func (r *jobRepo) UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error {
	res := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{
			"status":            string(progress.Status),
			"total_records":     progress.TotalRecords,
			"processed_records": progress.ProcessedRecords,
			"unique_domains":    progress.UniqueDomains,
			"duplicate_domains": progress.DuplicateDomains,
			"failed_records":    progress.FailedRecords,
			"processing_time":   progress.ProcessingTime,
			"error_message":     progress.ErrorMessage,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update ingestion job progress: %w", classifyError(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, id uuid.UUID, message string, processingTime float64) error {
	res := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{
			"status":          string(domain.JobStatusFailed),
			"error_message":   message,
			"processing_time": processingTime,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark ingestion job failed: %w", classifyError(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *jobRepo) SetFilePath(ctx context.Context, id uuid.UUID, path string) error {
	err := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{"file_path": path, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("failed to set ingestion job file path: %w", err)
	}
	return nil
}

func (r *jobRepo) ResetForRetry(ctx context.Context, id uuid.UUID, maxRetries int) (domain.IngestionJob, error) {
	var model jobModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&jobModel{}).
			Where("id = ? AND status = ? AND retry_count < ?", id.String(), string(domain.JobStatusFailed), maxRetries).
			Updates(map[string]any{
				"status":            string(domain.JobStatusPending),
				"total_records":     0,
				"processed_records": 0,
				"unique_domains":    0,
				"duplicate_domains": 0,
				"failed_records":    0,
				"processing_time":   0,
				"error_message":     nil,
				"retry_count":       gorm.Expr("retry_count + 1"),
				"last_retry_at":     now,
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s is not eligible for retry", domain.ErrInvalidState, id)
		}
		return tx.Where("id = ?", id.String()).Take(&model).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			return domain.IngestionJob{}, err
		}
		return domain.IngestionJob{}, fmt.Errorf("failed to reset ingestion job: %w", classifyError(err))
	}
	return model.toDomain(), nil
}

func (r *jobRepo) RecoverStale(ctx context.Context, message string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("status = ?", string(domain.JobStatusProcessing)).
		Updates(map[string]any{
			"status":        string(domain.JobStatusFailed),
			"error_message": message,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to recover stale ingestion jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type quarantineRepo struct {
	db *gorm.DB
}

func (r *quarantineRepo) InsertBatch(ctx context.Context, records []domain.QuarantinedRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]quarantinedRecordModel, 0, len(records))
	for _, record := range records {
		models = append(models, toQuarantineModel(record))
	}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).CreateInBatches(models, insertBatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert quarantined records: %w", classifyError(err))
	}
	return nil
}

func (r *quarantineRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]domain.QuarantinedRecord, error) {
	var models []quarantinedRecordModel
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID.String()).Order("row_number").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list quarantined records: %w", err)
	}
	records := make([]domain.QuarantinedRecord, 0, len(models))
	for _, m := range models {
		records = append(records, m.toDomain())
	}
	return records, nil
}

func (r *quarantineRepo) DeleteByJob(ctx context.Context, jobID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID.String()).Delete(&quarantinedRecordModel{}).Error; err != nil {
		return fmt.Errorf("failed to clear quarantined records: %w", err)
	}
	return nil
}

type sqliteTx struct {
	db *gorm.DB
}

// LockExisting relies on SQLite's database-level write lock; rows cannot be locked individually.
func (t *sqliteTx) LockExisting(ctx context.Context, domains []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(domains) == 0 {
		return existing, nil
	}
	var found []string
	if err := t.db.WithContext(ctx).Model(&blacklistEntryModel{}).
		Where("domain IN ?", domains).
		Pluck("domain", &found).Error; err != nil {
		return nil, fmt.Errorf("failed to lock existing domains: %w", err)
	}
	for _, name := range found {
		existing[domain.CanonicalDomain(name)] = struct{}{}
	}
	return existing, nil
}

func (t *sqliteTx) InsertEntries(ctx context.Context, entries []domain.BlacklistEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	models := make([]blacklistEntryModel, 0, len(entries))
	for _, entry := range entries {
		models = append(models, toEntryModel(entry))
	}
	res := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(models, insertBatchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert blacklist entries: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (t *sqliteTx) TakeQuarantined(ctx context.Context, jobID uuid.UUID, rowNumber int) (domain.QuarantinedRecord, error) {
	var model quarantinedRecordModel
	err := t.db.WithContext(ctx).
		Where("job_id = ? AND row_number = ?", jobID.String(), rowNumber).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuarantinedRecord{}, fmt.Errorf("%w: failed record with row number %d", domain.ErrNotFound, rowNumber)
		}
		return domain.QuarantinedRecord{}, fmt.Errorf("failed to load quarantined record: %w", err)
	}
	return model.toDomain(), nil
}

func (t *sqliteTx) DeleteQuarantined(ctx context.Context, jobID uuid.UUID, rowNumber int) error {
	err := t.db.WithContext(ctx).
		Where("job_id = ? AND row_number = ?", jobID.String(), rowNumber).
		Delete(&quarantinedRecordModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete quarantined record: %w", err)
	}
	return nil
}

func (t *sqliteTx) AdjustCounters(ctx context.Context, jobID uuid.UUID, delta domain.CounterDelta) error {
	res := t.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ?", jobID.String()).
		Updates(map[string]any{
			"failed_records":    gorm.Expr("MAX(failed_records - ?, 0)", delta.Failed),
			"unique_domains":    gorm.Expr("unique_domains + ?", delta.Unique),
			"duplicate_domains": gorm.Expr("duplicate_domains + ?", delta.Duplicate),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to adjust job counters: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, jobID)
	}
	return nil
}
