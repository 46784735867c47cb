package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type blacklistRepository struct {
	pool *pgxpool.Pool
}

// NewBlacklistRepository wires a repository backed by pgxpool.
func NewBlacklistRepository(pool *pgxpool.Pool) BlacklistRepository {
	return &blacklistRepository{pool: pool}
}

func (r *blacklistRepository) Count(ctx context.Context) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("blacklist repository not initialized")
	}
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM blacklist_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count blacklist entries: %w", err)
	}
	return count, nil
}

func (r *blacklistRepository) List(ctx context.Context, limit int, offset int) ([]domain.BlacklistEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("blacklist repository not initialized")
	}
	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, domain, name, reason, category, hit_count, created_at, updated_at
		 FROM blacklist_entries
		 ORDER BY lower(domain)
		 LIMIT $1 OFFSET $2`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.BlacklistEntry{}
	for rows.Next() {
		var (
			entry     domain.BlacklistEntry
			createdAt pgtype.Timestamptz
			updatedAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.Domain,
			&entry.Name,
			&entry.Reason,
			&entry.Category,
			&entry.HitCount,
			&createdAt,
			&updatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", scanErr)
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}
		if updatedAt.Valid {
			entry.UpdatedAt = updatedAt.Time
		}
		entries = append(entries, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate blacklist entries: %w", rowsErr)
	}

	return entries, nil
}
