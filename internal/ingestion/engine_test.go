package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (s *recordingSink) Publish(_ context.Context, event ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProgressEvent(nil), s.events...)
}

type engineFixture struct {
	store  *memStore
	sink   *recordingSink
	engine *Engine
	sleeps []time.Duration
	dir    string
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	f := &engineFixture{store: newMemStore(), sink: &recordingSink{}, dir: t.TempDir()}
	base := []EngineOption{
		WithChunkSize(2),
		WithChunkDelay(time.Second),
		WithChunkRetry(3, 100*time.Millisecond),
		WithRetainDir(filepath.Join(f.dir, "retained")),
	}
	f.engine = NewEngine(f.store, f.sink, append(base, opts...)...)
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

// submit writes content to disk and registers a pending job for it.
func (f *engineFixture) submit(t *testing.T, filename, content string) queue.Task {
	t.Helper()
	path := filepath.Join(f.dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	job := domain.NewIngestionJob(filename, path)
	f.store.putJob(job)
	return queue.Task{JobID: job.ID, FilePath: path, Filename: filename}
}

func TestEngineDuplicateAndEmptyDomainScenario(t *testing.T) {
	f := newEngineFixture(t)
	task := f.submit(t, "three.csv", "domain,name\na.com,first\na.com,second\n,third\n")

	require.NoError(t, f.engine.Run(context.Background(), task))

	job := f.store.job(task.JobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalRecords)
	assert.Equal(t, 3, job.ProcessedRecords)
	assert.Equal(t, 1, job.UniqueDomains)
	assert.Equal(t, 1, job.DuplicateDomains)
	assert.Equal(t, 1, job.FailedRecords)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "Successfully processed 3 records | 1 duplicates skipped | 1 new domains added | 1 records quarantined", *job.ErrorMessage)

	quarantined, err := f.store.Quarantine().ListByJob(context.Background(), task.JobID)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, 4, quarantined[0].RowNumber)
	assert.Equal(t, MessageDomainRequired, quarantined[0].ErrorMessage)
	assert.Equal(t, "third", quarantined[0].Name)
	assert.JSONEq(t, `{"domain":"","name":"third"}`, string(quarantined[0].OriginalData))

	entry, ok := f.store.entry("a.com")
	require.True(t, ok)
	assert.Equal(t, "first", entry.Name)
	assert.Equal(t, 0, entry.HitCount)
	assert.Equal(t, domain.DefaultCategory, entry.Category)
	assert.Equal(t, 1, f.store.entryCount())

	_, err = os.Stat(task.FilePath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "source should be removed after success")

	events := f.sink.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, task.JobID, last.JobID)
	assert.Equal(t, "three.csv", last.Filename)
}

func TestEngineRetriesConflictingChunk(t *testing.T) {
	f := newEngineFixture(t)
	f.store.conflicts = 2
	task := f.submit(t, "conflict.csv", "domain\na.com\nb.com\n")

	require.NoError(t, f.engine.Run(context.Background(), task))

	job := f.store.job(task.JobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.UniqueDomains)
	assert.Equal(t, 0, job.DuplicateDomains)
	assert.Equal(t, 2, job.ProcessedRecords)
	assert.Equal(t, 2, f.store.entryCount())
	assert.Equal(t, 3, f.store.txCalls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeps)
}

func TestEngineFailsAfterChunkRetriesExhausted(t *testing.T) {
	f := newEngineFixture(t)
	f.store.conflicts = 10
	task := f.submit(t, "busy.csv", "domain\na.com\n")

	err := f.engine.Run(context.Background(), task)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.ErrorIs(t, err, domain.ErrWriteConflict)

	job := f.store.job(task.JobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.True(t, strings.HasPrefix(*job.ErrorMessage, "Error processing file: "))
	assert.Contains(t, *job.ErrorMessage, "concurrent writers")
	assert.Equal(t, 0, f.store.entryCount())
	assert.Equal(t, 3, f.store.txCalls)

	retained := filepath.Join(f.dir, "retained", task.JobID.String()+".csv")
	assert.Equal(t, retained, job.FilePath)
	_, err = os.Stat(retained)
	assert.NoError(t, err)

	events := f.sink.all()
	assert.Equal(t, domain.JobStatusFailed, events[len(events)-1].Status)
}

func TestEngineKeepsCommittedChunksOnLaterFailure(t *testing.T) {
	f := newEngineFixture(t)
	task := f.submit(t, "partial.csv", "domain\na.com\nb.com\nc.com\n")

	calls := 0
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		f.store.mu.Lock()
		f.store.txErr = errors.New("connection reset by peer")
		f.store.mu.Unlock()
		return nil
	}

	err := f.engine.Run(context.Background(), task)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	job := f.store.job(task.JobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 2, f.store.entryCount())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, f.store.txCalls-1, "the failing chunk is not retried")
}

func TestEngineSkipsDomainsAlreadyStored(t *testing.T) {
	f := newEngineFixture(t)
	f.store.seed("a.com")
	task := f.submit(t, "mixed.csv", "domain\nA.com\nb.com\nc.com\nb.com\n")

	require.NoError(t, f.engine.Run(context.Background(), task))

	job := f.store.job(task.JobID)
	assert.Equal(t, 4, job.TotalRecords)
	assert.Equal(t, 2, job.UniqueDomains)
	assert.Equal(t, 2, job.DuplicateDomains)
	assert.Equal(t, job.TotalRecords, job.UniqueDomains+job.DuplicateDomains+job.FailedRecords)
	assert.Equal(t, 3, f.store.entryCount())
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps, "one pause between the two chunks")
}

func TestEngineReportsProgressPerChunk(t *testing.T) {
	f := newEngineFixture(t)
	task := f.submit(t, "five.csv", "domain\na.com\nb.com\nc.com\nd.com\ne.com\n")

	require.NoError(t, f.engine.Run(context.Background(), task))

	var processed []int
	for _, event := range f.sink.all() {
		processed = append(processed, event.ProcessedRecords)
	}
	assert.Equal(t, []int{0, 2, 4, 5}, processed)
	assert.Len(t, f.store.updates, 4)
}

func TestEngineCompletesFileWithOnlyInvalidRows(t *testing.T) {
	f := newEngineFixture(t)
	task := f.submit(t, "empty-domains.csv", "domain,name\n,a\n,b\n")

	require.NoError(t, f.engine.Run(context.Background(), task))

	job := f.store.job(task.JobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.FailedRecords)
	assert.Equal(t, 2, job.ProcessedRecords)
	assert.Equal(t, 0, f.store.txCalls)
}

func TestEngineFailsUnreadableFile(t *testing.T) {
	f := newEngineFixture(t, WithRetainDir(""))
	task := f.submit(t, "report.pdf", "%PDF-1.4")

	err := f.engine.Run(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrParse)

	job := f.store.job(task.JobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "check the data format")

	_, statErr := os.Stat(task.FilePath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "source is removed when nothing retains it")
}

func TestEngineRejectsJobNotPending(t *testing.T) {
	f := newEngineFixture(t)
	task := f.submit(t, "done.csv", "domain\na.com\n")
	job := f.store.job(task.JobID)
	job.Status = domain.JobStatusCompleted
	f.store.putJob(job)

	err := f.engine.Run(context.Background(), task)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 0, f.store.entryCount())
}

func TestEngineGiveUpFailsPendingJob(t *testing.T) {
	f := newEngineFixture(t)
	task := f.submit(t, "abandoned.csv", "domain\na.com\n")

	f.engine.GiveUp(context.Background(), task, queue.ErrAbandoned)

	job := f.store.job(task.JobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, queue.ErrAbandoned.Error())
	assert.Equal(t, filepath.Join(f.dir, "retained", task.JobID.String()+".csv"), job.FilePath)
}

func TestEngineGiveUpLeavesTerminalJobs(t *testing.T) {
	f := newEngineFixture(t)
	task := f.submit(t, "done.csv", "domain\na.com\n")
	job := f.store.job(task.JobID)
	job.Status = domain.JobStatusCompleted
	f.store.putJob(job)

	f.engine.GiveUp(context.Background(), task, errors.New("late failure"))

	assert.Equal(t, domain.JobStatusCompleted, f.store.job(task.JobID).Status)
}

func TestFailureMessageIsTruncated(t *testing.T) {
	long := strings.Repeat("é", 600)
	message := failureMessage(fmt.Errorf("%w: %s", domain.ErrParse, long))
	assert.LessOrEqual(t, len(message), maxErrorMessageLength)
	assert.True(t, strings.HasPrefix(message, "Error processing file: "))
}
