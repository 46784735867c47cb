package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/queue"
	"github.com/rpattn/blacklist/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidUpload is returned when an upload request is incomplete.
var ErrInvalidUpload = errors.New("invalid upload")

// MessageInterrupted is written to jobs found in processing at startup.
const MessageInterrupted = "Error processing file: processing was interrupted by a restart. Please retry the job."

// Submitter accepts ingestion tasks. *queue.Queue satisfies it.
type Submitter interface {
	Submit(task queue.Task) (*queue.Handle, error)
}

// ServiceConfig holds the job-level policy.
type ServiceConfig struct {
	UploadDir     string
	MaxJobRetries int
}

// ReprocessResult splits corrections into the ones applied and the ones refused.
type ReprocessResult struct {
	Accepted []domain.AcceptedCorrection `json:"accepted"`
	Rejected []domain.RejectedCorrection `json:"rejected"`
}

// Service is the entry point used by the API layer to create and manage jobs.
type Service struct {
	store     repository.Store
	submitter Submitter
	cfg       ServiceConfig
	logger    zerolog.Logger
}

// NewService creates a new ingestion service.
func NewService(store repository.Store, submitter Submitter, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	return &Service{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With().Str("component", "ingestion").Logger(),
	}
}

// CreateJob records a pending job for a file already on disk.
func (s *Service) CreateJob(ctx context.Context, filename, path string) (domain.IngestionJob, error) {
	if strings.TrimSpace(filename) == "" {
		return domain.IngestionJob{}, fmt.Errorf("%w: filename is required", ErrInvalidUpload)
	}
	return s.store.Jobs().Create(ctx, domain.NewIngestionJob(filename, path))
}

// Upload stores data under the upload directory, creates its job and queues it.
// A job that could not be queued is failed but keeps its file so it can be retried.
func (s *Service) Upload(ctx context.Context, filename string, data io.Reader) (domain.IngestionJob, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "." || filename == string(filepath.Separator) || filename == "" {
		return domain.IngestionJob{}, fmt.Errorf("%w: filename is required", ErrInvalidUpload)
	}
	if err := checkFormat(filename); err != nil {
		return domain.IngestionJob{}, err
	}
	if data == nil {
		return domain.IngestionJob{}, fmt.Errorf("%w: data reader is required", ErrInvalidUpload)
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return domain.IngestionJob{}, fmt.Errorf("failed to prepare upload directory: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(filename)))
	if err := writeUpload(path, data); err != nil {
		return domain.IngestionJob{}, err
	}

	job, err := s.CreateJob(ctx, filename, path)
	if err != nil {
		_ = os.Remove(path)
		return domain.IngestionJob{}, err
	}

	if _, err := s.Submit(path, job.ID, job.Filename); err != nil {
		if markErr := s.store.Jobs().MarkFailed(ctx, job.ID, failureMessage(err), 0); markErr != nil {
			s.logger.Error().Err(markErr).Str("job_id", job.ID.String()).Msg("failed to record queue rejection")
		}
		return job, err
	}

	s.logger.Info().Str("job_id", job.ID.String()).Str("filename", filename).Msg("upload queued")
	return job, nil
}

// Submit queues a job's file for ingestion.
func (s *Service) Submit(filePath string, jobID uuid.UUID, filename string) (*queue.Handle, error) {
	return s.submitter.Submit(queue.Task{JobID: jobID, FilePath: filePath, Filename: filename})
}

// GetStatus returns the current ledger entry for a job.
func (s *Service) GetStatus(ctx context.Context, jobID uuid.UUID) (domain.IngestionJob, error) {
	return s.store.Jobs().GetByID(ctx, jobID)
}

// ListJobs returns jobs newest first.
func (s *Service) ListJobs(ctx context.Context, limit, offset int) ([]domain.IngestionJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Jobs().List(ctx, limit, offset)
}

// Retry re-runs a failed job from the start of its file.
//
// The status flip is a conditional update, so of two concurrent retries only one
// succeeds. Quarantined rows of the failed run are dropped since the new run
// quarantines them again.
func (s *Service) Retry(ctx context.Context, jobID uuid.UUID) (domain.IngestionJob, error) {
	job, err := s.store.Jobs().GetByID(ctx, jobID)
	if err != nil {
		return domain.IngestionJob{}, err
	}
	if job.Status != domain.JobStatusFailed {
		return domain.IngestionJob{}, fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", domain.ErrInvalidState, jobID, job.Status)
	}
	if job.RetryCount >= s.cfg.MaxJobRetries {
		return domain.IngestionJob{}, fmt.Errorf("%w: job %s has used all %d retries", domain.ErrInvalidState, jobID, s.cfg.MaxJobRetries)
	}
	if job.FilePath == "" {
		return domain.IngestionJob{}, fmt.Errorf("%w: %w: job %s has no retained source", domain.ErrInvalidState, domain.ErrSourceMissing, jobID)
	}
	if _, err := os.Stat(job.FilePath); err != nil {
		return domain.IngestionJob{}, fmt.Errorf("%w: %w: %s", domain.ErrInvalidState, domain.ErrSourceMissing, job.FilePath)
	}

	job, err = s.store.Jobs().ResetForRetry(ctx, jobID, s.cfg.MaxJobRetries)
	if err != nil {
		return domain.IngestionJob{}, err
	}
	// From here on the job is pending with nothing queued for it, so any failure
	// has to put it back to failed or it could never be retried again.
	if err := s.store.Quarantine().DeleteByJob(ctx, jobID); err != nil {
		s.revertRetry(ctx, job.ID, err)
		return domain.IngestionJob{}, err
	}

	if _, err := s.Submit(job.FilePath, job.ID, job.Filename); err != nil {
		s.revertRetry(ctx, job.ID, err)
		return domain.IngestionJob{}, err
	}

	s.logger.Info().Str("job_id", job.ID.String()).Int("retry_count", job.RetryCount).Msg("job retried")
	return job, nil
}

func (s *Service) revertRetry(ctx context.Context, jobID uuid.UUID, cause error) {
	if err := s.store.Jobs().MarkFailed(context.WithoutCancel(ctx), jobID, failureMessage(cause), 0); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to return retried job to failed")
	}
}

// ListQuarantined returns the rows of a job awaiting repair.
func (s *Service) ListQuarantined(ctx context.Context, jobID uuid.UUID) ([]domain.QuarantinedRecord, error) {
	if _, err := s.store.Jobs().GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.Quarantine().ListByJob(ctx, jobID)
}

// ReprocessQuarantined applies operator corrections in a single transaction.
//
// A correction is accepted when it names a row still in quarantine and supplies a
// domain. Accepted rows move into the blacklist (as duplicates when the domain is
// already there) and leave quarantine, so submitting the same correction twice
// rejects the second one. Job counters follow in the same transaction.
func (s *Service) ReprocessQuarantined(ctx context.Context, jobID uuid.UUID, corrections []domain.Correction) (ReprocessResult, error) {
	result := ReprocessResult{
		Accepted: []domain.AcceptedCorrection{},
		Rejected: []domain.RejectedCorrection{},
	}
	if _, err := s.store.Jobs().GetByID(ctx, jobID); err != nil {
		return result, err
	}

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		accepted := []domain.AcceptedCorrection{}
		rejected := []domain.RejectedCorrection{}
		seen := make(map[int]struct{}, len(corrections))
		delta := domain.CounterDelta{}

		for _, correction := range corrections {
			reject := func(message string) {
				rejected = append(rejected, domain.RejectedCorrection{Correction: correction, Error: message})
			}

			if correction.RowNumber <= 0 {
				reject("Row number is required")
				continue
			}
			domainName := normalizeDomain(correction.Domain)
			if domainName == "" {
				reject(MessageDomainRequired)
				continue
			}
			if _, dup := seen[correction.RowNumber]; dup {
				reject(fmt.Sprintf("Row %d appears more than once in this request", correction.RowNumber))
				continue
			}
			seen[correction.RowNumber] = struct{}{}

			if _, err := tx.TakeQuarantined(ctx, jobID, correction.RowNumber); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					reject(fmt.Sprintf("Failed record with row number %d not found", correction.RowNumber))
					continue
				}
				return err
			}

			entry := domain.NewBlacklistEntry(domainName, correction.Name, correction.Reason, correction.Category, correction.HitCount)
			inserted, err := tx.InsertEntries(ctx, []domain.BlacklistEntry{entry})
			if err != nil {
				return err
			}
			if err := tx.DeleteQuarantined(ctx, jobID, correction.RowNumber); err != nil {
				return err
			}

			delta.Failed++
			if inserted > 0 {
				delta.Unique++
			} else {
				delta.Duplicate++
			}
			accepted = append(accepted, domain.AcceptedCorrection{
				RowNumber: correction.RowNumber,
				Domain:    domainName,
				Duplicate: inserted == 0,
			})
		}

		if delta.Failed > 0 {
			if err := tx.AdjustCounters(ctx, jobID, delta); err != nil {
				return err
			}
		}
		result.Accepted = accepted
		result.Rejected = rejected
		return nil
	})
	if err != nil {
		return ReprocessResult{Accepted: []domain.AcceptedCorrection{}, Rejected: []domain.RejectedCorrection{}}, err
	}

	s.logger.Info().
		Str("job_id", jobID.String()).
		Int("accepted", len(result.Accepted)).
		Int("rejected", len(result.Rejected)).
		Msg("quarantine reprocessed")
	return result, nil
}

// RecoverStale fails jobs a previous process left in processing.
func (s *Service) RecoverStale(ctx context.Context) (int64, error) {
	n, err := s.store.Jobs().RecoverStale(ctx, MessageInterrupted)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn().Int64("jobs", n).Msg("recovered interrupted jobs")
	}
	return n, nil
}

func checkFormat(filename string) error {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".csv", ".tsv", ".txt", ".xlsx", ".xlsm", "":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func writeUpload(path string, data io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	if _, err := io.Copy(file, data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to store upload: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}
