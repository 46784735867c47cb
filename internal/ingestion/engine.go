package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/metrics"
	"github.com/rpattn/blacklist/internal/queue"
	"github.com/rpattn/blacklist/internal/repository"

	"github.com/rs/zerolog"
)

const (
	defaultChunkSize        = 1000
	defaultMaxChunkAttempts = 3
	maxErrorMessageLength   = 512
)

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithChunkSize bounds how many rows share one transaction.
func WithChunkSize(size int) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.chunkSize = size
		}
	}
}

// WithChunkDelay paces writes by sleeping between chunks.
func WithChunkDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.chunkDelay = d
		}
	}
}

// WithChunkRetry sets the attempt budget and base backoff for conflicting chunks.
func WithChunkRetry(maxAttempts int, baseDelay time.Duration) EngineOption {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxChunkAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			e.retryBaseDelay = baseDelay
		}
	}
}

// WithRetainDir keeps the source of failed jobs in dir so they can be retried.
// An empty dir deletes the source on failure too.
func WithRetainDir(dir string) EngineOption {
	return func(e *Engine) {
		e.retainDir = dir
	}
}

// WithMetrics records chunk and job metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "engine").Logger()
	}
}

// Engine turns one uploaded file into blacklist rows, chunk by chunk.
//
// Each chunk is written in its own transaction, so a failure part way leaves the
// earlier chunks committed. The job ledger is updated after every chunk.
type Engine struct {
	store            repository.Store
	sink             ProgressSink
	chunkSize        int
	chunkDelay       time.Duration
	maxChunkAttempts int
	retryBaseDelay   time.Duration
	retainDir        string
	metrics          *metrics.Metrics
	logger           zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine writing to store and reporting to sink.
func NewEngine(store repository.Store, sink ProgressSink, opts ...EngineOption) *Engine {
	if sink == nil {
		sink = MultiSink(nil)
	}
	e := &Engine{
		store:            store,
		sink:             sink,
		chunkSize:        defaultChunkSize,
		chunkDelay:       time.Second,
		maxChunkAttempts: defaultMaxChunkAttempts,
		retryBaseDelay:   2 * time.Second,
		logger:           zerolog.Nop(),
		now:              time.Now,
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run tracks one job while it moves through the engine.
type run struct {
	job      domain.IngestionJob
	started  time.Time
	baseline int64
	progress domain.JobProgress
	logger   zerolog.Logger
}

// Run processes task to a terminal job state.
//
// Errors raised after the failure was written to the ledger are marked permanent
// so the queue does not run the job again. Errors before the job was claimed are
// left retryable.
func (e *Engine) Run(ctx context.Context, task queue.Task) error {
	job, err := e.store.Jobs().GetByID(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	if err := e.store.Jobs().MarkProcessing(ctx, job.ID); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			return queue.Permanent(err)
		}
		return err
	}

	r := &run{
		job:     job,
		started: e.now(),
		logger:  e.logger.With().Str("job_id", job.ID.String()).Str("filename", job.Filename).Logger(),
	}
	r.progress.Status = domain.JobStatusProcessing
	r.logger.Info().Str("path", task.FilePath).Msg("ingestion started")

	if err := e.ingest(ctx, r, task.FilePath); err != nil {
		e.fail(ctx, r, task.FilePath, err)
		return queue.Permanent(err)
	}

	e.metrics.JobFinished(string(domain.JobStatusCompleted), e.now().Sub(r.started))
	e.removeSource(r, task.FilePath)
	r.logger.Info().
		Int("total", r.progress.TotalRecords).
		Int("unique", r.progress.UniqueDomains).
		Int("duplicates", r.progress.DuplicateDomains).
		Int("failed", r.progress.FailedRecords).
		Msg("ingestion completed")
	return nil
}

func (e *Engine) ingest(ctx context.Context, r *run, path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrSourceMissing, path)
		}
		return fmt.Errorf("%w: failed to open upload: %v", domain.ErrParse, err)
	}
	table, err := ReadTable(r.job.Filename, file)
	_ = file.Close()
	if err != nil {
		return err
	}

	records := make([]Record, 0, len(table.Rows))
	for _, row := range table.Rows {
		records = append(records, Normalize(table.Columns, row))
	}
	valid, quarantined := Partition(r.job.ID, records)

	r.logger.Debug().
		Int("header_line", table.HeaderLine).
		Bool("synthetic_header", table.Synthetic).
		Strs("columns", table.Columns).
		Int("valid", len(valid)).
		Int("quarantined", len(quarantined)).
		Msg("table parsed")

	r.baseline, err = e.store.Blacklist().Count(ctx)
	if err != nil {
		return err
	}

	r.progress.TotalRecords = len(records)
	r.progress.FailedRecords = len(quarantined)
	if len(quarantined) > 0 {
		if err := e.store.Quarantine().InsertBatch(ctx, quarantined); err != nil {
			return err
		}
		r.progress.ProcessedRecords = len(quarantined)
		e.metrics.Rows("quarantined", len(quarantined))
	}

	if len(valid) == 0 {
		return e.complete(ctx, r)
	}
	if err := e.publish(ctx, r); err != nil {
		return err
	}

	chunks := chunkRecords(valid, e.chunkSize)
	for idx, chunk := range chunks {
		inserted, err := e.writeChunk(ctx, r, chunk)
		if err != nil {
			return err
		}

		count, err := e.store.Blacklist().Count(ctx)
		if err != nil {
			return err
		}
		r.progress.ProcessedRecords += len(chunk)
		r.progress.DuplicateDomains += len(chunk) - inserted
		r.progress.UniqueDomains = int(max(count-r.baseline, 0))
		e.metrics.Rows("inserted", inserted)
		e.metrics.Rows("duplicate", len(chunk)-inserted)

		if idx == len(chunks)-1 {
			return e.complete(ctx, r)
		}
		if err := e.publish(ctx, r); err != nil {
			return err
		}
		if err := e.sleep(ctx, e.chunkDelay); err != nil {
			return err
		}
	}
	return nil
}

// writeChunk inserts one chunk in a transaction, retrying the whole chunk when it
// loses a write race. It returns the number of rows actually inserted.
func (e *Engine) writeChunk(ctx context.Context, r *run, chunk []Record) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxChunkAttempts; attempt++ {
		e.metrics.ChunkAttempt()
		began := e.now()

		inserted := 0
		err := e.store.WithTx(ctx, func(tx repository.Tx) error {
			n, err := insertChunk(ctx, tx, chunk)
			inserted = n
			return err
		})
		if err == nil {
			e.metrics.ChunkCommitted(e.now().Sub(began))
			return inserted, nil
		}
		if !errors.Is(err, domain.ErrWriteConflict) && !errors.Is(err, domain.ErrConstraint) {
			return 0, err
		}

		e.metrics.WriteConflict()
		lastErr = err
		if attempt == e.maxChunkAttempts {
			break
		}
		delay := e.retryBaseDelay * time.Duration(attempt)
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("chunk conflicted, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, e.maxChunkAttempts, lastErr)
}

func insertChunk(ctx context.Context, tx repository.Tx, chunk []Record) (int, error) {
	domains := make([]string, 0, len(chunk))
	for _, rec := range chunk {
		domains = append(domains, rec.Domain)
	}
	existing, err := tx.LockExisting(ctx, domains)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(chunk))
	fresh := make([]domain.BlacklistEntry, 0, len(chunk))
	for _, rec := range chunk {
		if _, ok := existing[rec.Domain]; ok {
			continue
		}
		if _, ok := seen[rec.Domain]; ok {
			continue
		}
		seen[rec.Domain] = struct{}{}
		fresh = append(fresh, rec.entry())
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	return tx.InsertEntries(ctx, fresh)
}

func (e *Engine) complete(ctx context.Context, r *run) error {
	r.progress.Status = domain.JobStatusCompleted
	r.progress.ProcessedRecords = r.progress.TotalRecords
	summary := completionSummary(r.progress)
	r.progress.ErrorMessage = &summary
	return e.publish(ctx, r)
}

// publish writes the counters to the ledger and emits the matching event.
func (e *Engine) publish(ctx context.Context, r *run) error {
	r.progress.ProcessingTime = e.now().Sub(r.started).Seconds()
	if err := e.store.Jobs().UpdateProgress(ctx, r.job.ID, r.progress); err != nil {
		return err
	}
	e.sink.Publish(ctx, progressEvent(r.job, r.progress))
	return nil
}

func (e *Engine) fail(ctx context.Context, r *run, path string, cause error) {
	elapsed := e.now().Sub(r.started)
	message := failureMessage(cause)
	r.logger.Error().Err(cause).Dur("elapsed", elapsed).Msg("ingestion failed")

	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := e.store.Jobs().MarkFailed(ctx, r.job.ID, message, elapsed.Seconds()); err != nil {
		r.logger.Error().Err(err).Msg("failed to record job failure")
	}

	r.progress.Status = domain.JobStatusFailed
	r.progress.ProcessingTime = elapsed.Seconds()
	r.progress.ErrorMessage = &message
	e.sink.Publish(ctx, progressEvent(r.job, r.progress))
	e.metrics.JobFinished(string(domain.JobStatusFailed), elapsed)

	e.retainSource(ctx, r, path)
}

// retainSource moves the source of a failed job aside so a retry can read it again.
func (e *Engine) retainSource(ctx context.Context, r *run, path string) {
	if e.retainDir == "" {
		e.removeSource(r, path)
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.MkdirAll(e.retainDir, 0o755); err != nil {
		r.logger.Error().Err(err).Msg("failed to create retain directory")
		return
	}

	target := filepath.Join(e.retainDir, r.job.ID.String()+strings.ToLower(filepath.Ext(r.job.Filename)))
	if path != target {
		if err := os.Rename(path, target); err != nil {
			r.logger.Error().Err(err).Str("target", target).Msg("failed to retain source")
			return
		}
	}
	if err := e.store.Jobs().SetFilePath(ctx, r.job.ID, target); err != nil {
		r.logger.Error().Err(err).Msg("failed to record retained source")
	}
}

func (e *Engine) removeSource(r *run, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn().Err(err).Str("path", path).Msg("failed to remove source")
	}
}

func chunkRecords(records []Record, size int) [][]Record {
	var chunks [][]Record
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

func completionSummary(p domain.JobProgress) string {
	summary := fmt.Sprintf(
		"Successfully processed %d records | %d duplicates skipped | %d new domains added",
		p.TotalRecords, p.DuplicateDomains, p.UniqueDomains,
	)
	if p.FailedRecords > 0 {
		summary += fmt.Sprintf(" | %d records quarantined", p.FailedRecords)
	}
	return summary
}

func failureMessage(err error) string {
	message := fmt.Sprintf("Error processing file: %s.", err.Error())
	switch {
	case errors.Is(err, domain.ErrRetriesExhausted), errors.Is(err, domain.ErrWriteConflict):
		message += " The blacklist was busy with concurrent writers. Please retry the job."
	case errors.Is(err, domain.ErrConstraint):
		message += " This might be due to duplicate domains in the file."
	case errors.Is(err, domain.ErrParse):
		message += " The file could not be read as a table. Please check the data format."
	case errors.Is(err, domain.ErrSourceMissing):
		message += " The uploaded file is no longer available."
	}
	return truncate(message, maxErrorMessageLength)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GiveUp is the queue's last-resort hook. It fails a job the engine never finished
// and keeps its source for a later retry.
func (e *Engine) GiveUp(ctx context.Context, task queue.Task, cause error) {
	logger := e.logger.With().Str("job_id", task.JobID.String()).Logger()
	job, err := e.store.Jobs().GetByID(ctx, task.JobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load job after queue gave up")
		return
	}
	// ErrInvalidState means another worker owns the job.
	if job.Status.Terminal() || errors.Is(cause, domain.ErrInvalidState) {
		return
	}

	if err := e.store.Jobs().MarkFailed(ctx, job.ID, failureMessage(cause), job.ProcessingTime); err != nil {
		logger.Error().Err(err).Msg("failed to record job failure")
		return
	}
	logger.Warn().Err(cause).Msg("queue gave up on job")
	e.metrics.JobFinished(string(domain.JobStatusFailed), 0)
	e.retainSource(ctx, &run{job: job, logger: logger}, task.FilePath)
}
