package repository

import (
	"context"
	"fmt"
	"math"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const quarantineColumns = `id, job_id, row_number, domain, name, reason, category, hit_count,
	error_message, original_data, created_at`

type quarantineRepository struct {
	pool *pgxpool.Pool
}

// NewQuarantineRepository wires a repository backed by pgxpool.
func NewQuarantineRepository(pool *pgxpool.Pool) QuarantineRepository {
	return &quarantineRepository{pool: pool}
}

func (r *quarantineRepository) InsertBatch(ctx context.Context, records []domain.QuarantinedRecord) error {
	if r.pool == nil {
		return fmt.Errorf("quarantine repository not initialized")
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(records))
	for _, record := range records {
		id := record.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		original := []byte(record.OriginalData)
		if len(original) == 0 {
			original = []byte("{}")
		}
		rows = append(rows, []any{
			id,
			record.JobID,
			int32(record.RowNumber),
			record.Domain,
			record.Name,
			record.Reason,
			record.Category,
			int32(max(math.MinInt32, min(record.HitCount, math.MaxInt32))),
			record.ErrorMessage,
			string(original),
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"quarantined_records"},
		[]string{"id", "job_id", "row_number", "domain", "name", "reason", "category", "hit_count", "error_message", "original_data"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert quarantined records: %w", classifyPgError(err))
	}
	return nil
}

func (r *quarantineRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]domain.QuarantinedRecord, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("quarantine repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+quarantineColumns+`
		 FROM quarantined_records
		 WHERE job_id = $1
		 ORDER BY row_number`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined records: %w", err)
	}
	defer rows.Close()

	records := []domain.QuarantinedRecord{}
	for rows.Next() {
		record, scanErr := scanQuarantined(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan quarantined record: %w", scanErr)
		}
		records = append(records, record)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate quarantined records: %w", rowsErr)
	}
	return records, nil
}

func (r *quarantineRepository) DeleteByJob(ctx context.Context, jobID uuid.UUID) error {
	if r.pool == nil {
		return fmt.Errorf("quarantine repository not initialized")
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM quarantined_records WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to clear quarantined records: %w", err)
	}
	return nil
}

func scanQuarantined(row pgx.Row) (domain.QuarantinedRecord, error) {
	var (
		record    domain.QuarantinedRecord
		original  []byte
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.JobID,
		&record.RowNumber,
		&record.Domain,
		&record.Name,
		&record.Reason,
		&record.Category,
		&record.HitCount,
		&record.ErrorMessage,
		&original,
		&createdAt,
	); err != nil {
		return domain.QuarantinedRecord{}, err
	}
	record.OriginalData = original
	if createdAt.Valid {
		record.CreatedAt = createdAt.Time
	}
	return record, nil
}
