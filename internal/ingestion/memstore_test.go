package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/repository"

	"github.com/google/uuid"
)

// memStore is an in-memory repository.Store. Transactions run on a copy of the
// blacklist and quarantine that is swapped in only on commit.
type memStore struct {
	mu         sync.Mutex
	entries    map[string]domain.BlacklistEntry
	jobs       map[uuid.UUID]domain.IngestionJob
	quarantine map[uuid.UUID]map[int]domain.QuarantinedRecord

	// conflicts makes the next n transactions fail with a write conflict after fn ran.
	conflicts int
	txErr     error
	deleteErr error
	txCalls   int
	updates   []domain.JobProgress
}

func newMemStore() *memStore {
	return &memStore{
		entries:    map[string]domain.BlacklistEntry{},
		jobs:       map[uuid.UUID]domain.IngestionJob{},
		quarantine: map[uuid.UUID]map[int]domain.QuarantinedRecord{},
	}
}

func (s *memStore) Blacklist() repository.BlacklistRepository   { return memBlacklist{s} }
func (s *memStore) Jobs() repository.JobRepository              { return memJobs{s} }
func (s *memStore) Quarantine() repository.QuarantineRepository { return memQuarantine{s} }
func (s *memStore) Close() error                                { return nil }

func (s *memStore) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCalls++

	tx := &memTx{
		entries:    make(map[string]domain.BlacklistEntry, len(s.entries)),
		quarantine: make(map[uuid.UUID]map[int]domain.QuarantinedRecord, len(s.quarantine)),
		jobs:       s.jobs,
		deltas:     map[uuid.UUID]domain.CounterDelta{},
	}
	for k, v := range s.entries {
		tx.entries[k] = v
	}
	for jobID, rows := range s.quarantine {
		copied := make(map[int]domain.QuarantinedRecord, len(rows))
		for k, v := range rows {
			copied[k] = v
		}
		tx.quarantine[jobID] = copied
	}

	if err := fn(tx); err != nil {
		return err
	}
	if s.txErr != nil {
		return s.txErr
	}
	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("%w: deadlock detected", domain.ErrWriteConflict)
	}

	s.entries = tx.entries
	s.quarantine = tx.quarantine
	for jobID, delta := range tx.deltas {
		job := s.jobs[jobID]
		job.FailedRecords = max(job.FailedRecords-delta.Failed, 0)
		job.UniqueDomains += delta.Unique
		job.DuplicateDomains += delta.Duplicate
		s.jobs[jobID] = job
	}
	return nil
}

func (s *memStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memStore) entry(name string) (domain.BlacklistEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return e, ok
}

func (s *memStore) job(id uuid.UUID) domain.IngestionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *memStore) putJob(job domain.IngestionJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *memStore) seed(domains ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range domains {
		s.entries[d] = domain.NewBlacklistEntry(d, "", "", "", 0)
	}
}

type memTx struct {
	entries    map[string]domain.BlacklistEntry
	quarantine map[uuid.UUID]map[int]domain.QuarantinedRecord
	jobs       map[uuid.UUID]domain.IngestionJob
	deltas     map[uuid.UUID]domain.CounterDelta
}

func (t *memTx) LockExisting(_ context.Context, domains []string) (map[string]struct{}, error) {
	existing := map[string]struct{}{}
	for _, d := range domains {
		if _, ok := t.entries[domain.CanonicalDomain(d)]; ok {
			existing[domain.CanonicalDomain(d)] = struct{}{}
		}
	}
	return existing, nil
}

func (t *memTx) InsertEntries(_ context.Context, entries []domain.BlacklistEntry) (int, error) {
	inserted := 0
	for _, e := range entries {
		key := domain.CanonicalDomain(e.Domain)
		if _, ok := t.entries[key]; ok {
			continue
		}
		t.entries[key] = e
		inserted++
	}
	return inserted, nil
}

func (t *memTx) TakeQuarantined(_ context.Context, jobID uuid.UUID, rowNumber int) (domain.QuarantinedRecord, error) {
	rec, ok := t.quarantine[jobID][rowNumber]
	if !ok {
		return domain.QuarantinedRecord{}, fmt.Errorf("%w: failed record with row number %d", domain.ErrNotFound, rowNumber)
	}
	return rec, nil
}

func (t *memTx) DeleteQuarantined(_ context.Context, jobID uuid.UUID, rowNumber int) error {
	delete(t.quarantine[jobID], rowNumber)
	return nil
}

func (t *memTx) AdjustCounters(_ context.Context, jobID uuid.UUID, delta domain.CounterDelta) error {
	if _, ok := t.jobs[jobID]; !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	d := t.deltas[jobID]
	d.Failed += delta.Failed
	d.Unique += delta.Unique
	d.Duplicate += delta.Duplicate
	t.deltas[jobID] = d
	return nil
}

type memBlacklist struct{ s *memStore }

func (b memBlacklist) Count(context.Context) (int64, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return int64(len(b.s.entries)), nil
}

func (b memBlacklist) List(_ context.Context, limit, offset int) ([]domain.BlacklistEntry, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	keys := make([]string, 0, len(b.s.entries))
	for k := range b.s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []domain.BlacklistEntry
	for i := offset; i < len(keys) && len(out) < limit; i++ {
		out = append(out, b.s.entries[keys[i]])
	}
	return out, nil
}

type memJobs struct{ s *memStore }

func (j memJobs) Create(_ context.Context, job domain.IngestionJob) (domain.IngestionJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	j.s.jobs[job.ID] = job
	return job, nil
}

func (j memJobs) GetByID(_ context.Context, id uuid.UUID) (domain.IngestionJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok {
		return domain.IngestionJob{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return job, nil
}

func (j memJobs) List(_ context.Context, limit, offset int) ([]domain.IngestionJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	jobs := make([]domain.IngestionJob, 0, len(j.s.jobs))
	for _, job := range j.s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if offset >= len(jobs) {
		return []domain.IngestionJob{}, nil
	}
	return jobs[offset:min(offset+limit, len(jobs))], nil
}

func (j memJobs) MarkProcessing(_ context.Context, id uuid.UUID) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, id, job.Status)
	}
	job.Status = domain.JobStatusProcessing
	j.s.jobs[id] = job
	return nil
}

func (j memJobs) UpdateProgress(_ context.Context, id uuid.UUID, p domain.JobProgress) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job := j.s.jobs[id]
	job.Status = p.Status
	job.TotalRecords = p.TotalRecords
	job.ProcessedRecords = p.ProcessedRecords
	job.UniqueDomains = p.UniqueDomains
	job.DuplicateDomains = p.DuplicateDomains
	job.FailedRecords = p.FailedRecords
	job.ProcessingTime = p.ProcessingTime
	job.ErrorMessage = p.ErrorMessage
	j.s.jobs[id] = job
	j.s.updates = append(j.s.updates, p)
	return nil
}

func (j memJobs) MarkFailed(_ context.Context, id uuid.UUID, message string, processingTime float64) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job := j.s.jobs[id]
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = &message
	job.ProcessingTime = processingTime
	j.s.jobs[id] = job
	return nil
}

func (j memJobs) SetFilePath(_ context.Context, id uuid.UUID, path string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job := j.s.jobs[id]
	job.FilePath = path
	j.s.jobs[id] = job
	return nil
}

func (j memJobs) ResetForRetry(_ context.Context, id uuid.UUID, maxRetries int) (domain.IngestionJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[id]
	if !ok || job.Status != domain.JobStatusFailed || job.RetryCount >= maxRetries {
		return domain.IngestionJob{}, fmt.Errorf("%w: job %s is not eligible for retry", domain.ErrInvalidState, id)
	}
	now := time.Now()
	job.Status = domain.JobStatusPending
	job.TotalRecords, job.ProcessedRecords = 0, 0
	job.UniqueDomains, job.DuplicateDomains, job.FailedRecords = 0, 0, 0
	job.ProcessingTime = 0
	job.ErrorMessage = nil
	job.RetryCount++
	job.LastRetryAt = &now
	j.s.jobs[id] = job
	return job, nil
}

func (j memJobs) RecoverStale(_ context.Context, message string) (int64, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	var n int64
	for id, job := range j.s.jobs {
		if job.Status != domain.JobStatusProcessing {
			continue
		}
		job.Status = domain.JobStatusFailed
		msg := message
		job.ErrorMessage = &msg
		j.s.jobs[id] = job
		n++
	}
	return n, nil
}

type memQuarantine struct{ s *memStore }

func (q memQuarantine) InsertBatch(_ context.Context, records []domain.QuarantinedRecord) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for _, rec := range records {
		rows := q.s.quarantine[rec.JobID]
		if rows == nil {
			rows = map[int]domain.QuarantinedRecord{}
			q.s.quarantine[rec.JobID] = rows
		}
		if _, dup := rows[rec.RowNumber]; dup {
			return fmt.Errorf("%w: row %d", domain.ErrConstraint, rec.RowNumber)
		}
		rows[rec.RowNumber] = rec
	}
	return nil
}

func (q memQuarantine) ListByJob(_ context.Context, jobID uuid.UUID) ([]domain.QuarantinedRecord, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	out := []domain.QuarantinedRecord{}
	for _, rec := range q.s.quarantine[jobID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RowNumber < out[b].RowNumber })
	return out, nil
}

func (q memQuarantine) DeleteByJob(_ context.Context, jobID uuid.UUID) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if q.s.deleteErr != nil {
		return q.s.deleteErr
	}
	delete(q.s.quarantine, jobID)
	return nil
}
