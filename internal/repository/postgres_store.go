package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/blacklist/internal/db"
	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PostgresStore is the Store backed by a pgx connection pool.
type PostgresStore struct {
	conn       *db.Connection
	blacklist  BlacklistRepository
	jobs       JobRepository
	quarantine QuarantineRepository
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wires the pgx repositories around conn.
func NewPostgresStore(conn *db.Connection) *PostgresStore {
	return &PostgresStore{
		conn:       conn,
		blacklist:  NewBlacklistRepository(conn.Pool),
		jobs:       NewJobRepository(conn.Pool),
		quarantine: NewQuarantineRepository(conn.Pool),
	}
}

func (s *PostgresStore) Blacklist() BlacklistRepository   { return s.blacklist }
func (s *PostgresStore) Jobs() JobRepository              { return s.jobs }
func (s *PostgresStore) Quarantine() QuarantineRepository { return s.quarantine }

func (s *PostgresStore) Close() error {
	s.conn.Close()
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if s.conn == nil || s.conn.Pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return classifyPgError(err)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockExisting(ctx context.Context, domains []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(domains) == 0 {
		return existing, nil
	}

	rows, err := t.tx.Query(
		ctx,
		`SELECT lower(domain)
		 FROM blacklist_entries
		 WHERE lower(domain) = ANY($1::text[])
		 ORDER BY lower(domain)
		 FOR UPDATE`,
		domains,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock existing domains: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan existing domain: %w", err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate existing domains: %w", err)
	}
	return existing, nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries []domain.BlacklistEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]string, len(entries))
	domains := make([]string, len(entries))
	names := make([]string, len(entries))
	reasons := make([]string, len(entries))
	categories := make([]string, len(entries))
	hits := make([]int32, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID.String()
		domains[i] = entry.Domain
		names[i] = entry.Name
		reasons[i] = entry.Reason
		categories[i] = entry.Category
		hits[i] = int32(max(0, min(entry.HitCount, domain.MaxHitCount)))
	}

	tag, err := t.tx.Exec(
		ctx,
		`INSERT INTO blacklist_entries (id, domain, name, reason, category, hit_count)
		 SELECT u.id::uuid, u.domain, u.name, u.reason, u.category, u.hit_count
		 FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::int4[])
		      AS u(id, domain, name, reason, category, hit_count)
		 ON CONFLICT DO NOTHING`,
		ids, domains, names, reasons, categories, hits,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert blacklist entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) TakeQuarantined(ctx context.Context, jobID uuid.UUID, rowNumber int) (domain.QuarantinedRecord, error) {
	row := t.tx.QueryRow(
		ctx,
		`SELECT `+quarantineColumns+`
		 FROM quarantined_records
		 WHERE job_id = $1 AND row_number = $2
		 FOR UPDATE`,
		jobID, rowNumber,
	)
	record, err := scanQuarantined(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QuarantinedRecord{}, fmt.Errorf("%w: failed record with row number %d", domain.ErrNotFound, rowNumber)
		}
		return domain.QuarantinedRecord{}, fmt.Errorf("failed to load quarantined record: %w", err)
	}
	return record, nil
}

func (t *pgTx) DeleteQuarantined(ctx context.Context, jobID uuid.UUID, rowNumber int) error {
	if _, err := t.tx.Exec(
		ctx,
		`DELETE FROM quarantined_records WHERE job_id = $1 AND row_number = $2`,
		jobID, rowNumber,
	); err != nil {
		return fmt.Errorf("failed to delete quarantined record: %w", err)
	}
	return nil
}

func (t *pgTx) AdjustCounters(ctx context.Context, jobID uuid.UUID, delta domain.CounterDelta) error {
	tag, err := t.tx.Exec(
		ctx,
		`UPDATE ingestion_jobs
		 SET failed_records = GREATEST(failed_records - $2, 0),
		     unique_domains = unique_domains + $3,
		     duplicate_domains = duplicate_domains + $4,
		     updated_at = now()
		 WHERE id = $1`,
		jobID, delta.Failed, delta.Unique, delta.Duplicate,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust job counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ingestion job %s", domain.ErrNotFound, jobID)
	}
	return nil
}
