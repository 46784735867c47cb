package repository

import (
	"context"
	"errors"
	"math"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/rpattn/blacklist/internal/db"
	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
)

// openPostgresStore connects to the database named by BLACKLIST_TEST_DATABASE_HOST
// (plus optional _PORT, _USER, _PASSWORD, _NAME), migrates it and empties the tables.
func openPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	host := os.Getenv("BLACKLIST_TEST_DATABASE_HOST")
	if host == "" {
		t.Skip("BLACKLIST_TEST_DATABASE_HOST not set")
	}

	cfg := db.DefaultConfig()
	cfg.Host = host
	if port := os.Getenv("BLACKLIST_TEST_DATABASE_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			t.Fatalf("invalid BLACKLIST_TEST_DATABASE_PORT: %v", err)
		}
		cfg.Port = n
	}
	if user := os.Getenv("BLACKLIST_TEST_DATABASE_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("BLACKLIST_TEST_DATABASE_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("BLACKLIST_TEST_DATABASE_NAME"); name != "" {
		cfg.DBName = name
	}

	if err := db.RunMigrations(cfg); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	conn, err := db.NewConnection(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Pool.Exec(context.Background(), `TRUNCATE quarantined_records, ingestion_jobs, blacklist_entries`); err != nil {
		conn.Close()
		t.Fatalf("truncate: %v", err)
	}
	store := NewPostgresStore(conn)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertEntries(t *testing.T, store *PostgresStore, entries ...domain.BlacklistEntry) int {
	t.Helper()
	var inserted int
	err := store.WithTx(context.Background(), func(tx Tx) error {
		var err error
		inserted, err = tx.InsertEntries(context.Background(), entries)
		return err
	})
	if err != nil {
		t.Fatalf("insert entries: %v", err)
	}
	return inserted
}

func TestPostgresInsertEntriesSkipsExistingDomains(t *testing.T) {
	store := openPostgresStore(t)
	ctx := context.Background()

	if n := insertEntries(t, store,
		domain.NewBlacklistEntry("b.com", "B", "", "spam", 4),
		domain.NewBlacklistEntry("a.com", "", "", "", 0),
	); n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	err := store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.LockExisting(ctx, []string{"a.com", "c.com"})
		if err != nil {
			return err
		}
		if _, ok := existing["a.com"]; !ok || len(existing) != 1 {
			t.Fatalf("expected only a.com to exist, got %v", existing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lock existing: %v", err)
	}

	oversized := domain.BlacklistEntry{ID: uuid.New(), Domain: "c.com", Name: "null", Category: "other", HitCount: 3000000000}
	if n := insertEntries(t, store, domain.NewBlacklistEntry("A.com", "", "", "", 0), oversized); n != 1 {
		t.Fatalf("expected only c.com inserted, got %d", n)
	}

	count, err := store.Blacklist().Count(ctx)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", count, err)
	}
	entries, err := store.Blacklist().List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if entries[0].Domain != "a.com" || entries[1].Domain != "b.com" || entries[2].Domain != "c.com" {
		t.Fatalf("expected entries ordered by domain, got %+v", entries)
	}
	if entries[2].HitCount != domain.MaxHitCount {
		t.Fatalf("expected clamped hit count, got %d", entries[2].HitCount)
	}
}

func TestPostgresConcurrentChunksInsertDomainOnce(t *testing.T) {
	store := openPostgresStore(t)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 5; attempt++ {
				var inserted int
				err := store.WithTx(ctx, func(tx Tx) error {
					if _, err := tx.LockExisting(ctx, []string{"shared.com"}); err != nil {
						return err
					}
					var err error
					inserted, err = tx.InsertEntries(ctx, []domain.BlacklistEntry{domain.NewBlacklistEntry("shared.com", "", "", "", 0)})
					return err
				})
				if errors.Is(err, domain.ErrWriteConflict) {
					continue
				}
				if err != nil {
					t.Errorf("insert: %v", err)
				}
				mu.Lock()
				total += inserted
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Fatalf("expected exactly one insert across writers, got %d", total)
	}
}

func TestPostgresJobLedger(t *testing.T) {
	store := openPostgresStore(t)
	ctx := context.Background()
	jobs := store.Jobs()

	job, err := jobs.Create(ctx, domain.NewIngestionJob("list.csv", "/tmp/list.csv"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := jobs.MarkProcessing(ctx, job.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := jobs.MarkProcessing(ctx, job.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state on second claim, got %v", err)
	}

	if n, err := store.Jobs().RecoverStale(ctx, "interrupted"); err != nil || n != 1 {
		t.Fatalf("expected one stale job recovered, got %d (%v)", n, err)
	}
	got, err := jobs.GetByID(ctx, job.ID)
	if err != nil || got.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %+v (%v)", got, err)
	}

	reset, err := jobs.ResetForRetry(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != domain.JobStatusPending || reset.RetryCount != 1 || reset.ErrorMessage != nil || reset.LastRetryAt == nil {
		t.Fatalf("unexpected reset job: %+v", reset)
	}
	if _, err := jobs.ResetForRetry(ctx, job.ID, 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected pending job to be ineligible, got %v", err)
	}
	if err := jobs.MarkFailed(ctx, job.ID, "Error processing file: again.", 0.2); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := jobs.ResetForRetry(ctx, job.ID, 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected exhausted budget, got %v", err)
	}

	if _, err := jobs.GetByID(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresQuarantineReprocess(t *testing.T) {
	store := openPostgresStore(t)
	ctx := context.Background()

	job, err := store.Jobs().Create(ctx, domain.NewIngestionJob("list.csv", ""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Jobs().UpdateProgress(ctx, job.ID, domain.JobProgress{
		Status: domain.JobStatusCompleted, TotalRecords: 3, ProcessedRecords: 3, FailedRecords: 2,
	}); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if err := store.Quarantine().InsertBatch(ctx, []domain.QuarantinedRecord{
		{JobID: job.ID, RowNumber: 7, Name: "null", Category: "other", HitCount: 1 << 40, ErrorMessage: "Domain is required"},
		{JobID: job.ID, RowNumber: 3, Name: "null", Category: "other", ErrorMessage: "Domain is required"},
	}); err != nil {
		t.Fatalf("insert quarantine: %v", err)
	}
	dup := store.Quarantine().InsertBatch(ctx, []domain.QuarantinedRecord{{JobID: job.ID, RowNumber: 3, Name: "x", Category: "other"}})
	if !errors.Is(dup, domain.ErrConstraint) {
		t.Fatalf("expected constraint error for repeated row, got %v", dup)
	}

	records, err := store.Quarantine().ListByJob(ctx, job.ID)
	if err != nil || len(records) != 2 || records[0].RowNumber != 3 {
		t.Fatalf("expected rows ordered by number, got %+v (%v)", records, err)
	}
	if records[1].HitCount != math.MaxInt32 {
		t.Fatalf("expected oversized hit count to saturate, got %d", records[1].HitCount)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.TakeQuarantined(ctx, job.ID, 3); err != nil {
			return err
		}
		if _, err := tx.InsertEntries(ctx, []domain.BlacklistEntry{domain.NewBlacklistEntry("fixed.com", "", "", "", 0)}); err != nil {
			return err
		}
		if err := tx.DeleteQuarantined(ctx, job.ID, 3); err != nil {
			return err
		}
		return tx.AdjustCounters(ctx, job.ID, domain.CounterDelta{Failed: 5, Unique: 1})
	})
	if err != nil {
		t.Fatalf("reprocess tx: %v", err)
	}

	got, err := store.Jobs().GetByID(ctx, job.ID)
	if err != nil || got.FailedRecords != 0 || got.UniqueDomains != 1 {
		t.Fatalf("expected failed floored at zero and one unique, got %+v (%v)", got, err)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.TakeQuarantined(ctx, job.ID, 3)
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected taken row to be gone, got %v", err)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		return tx.AdjustCounters(ctx, uuid.New(), domain.CounterDelta{Failed: 1})
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown job, got %v", err)
	}

	if err := store.Quarantine().DeleteByJob(ctx, job.ID); err != nil {
		t.Fatalf("delete by job: %v", err)
	}
	if records, _ := store.Quarantine().ListByJob(ctx, job.ID); len(records) != 0 {
		t.Fatalf("expected quarantine cleared, got %d", len(records))
	}
}
