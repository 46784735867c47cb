package repository

import (
	"errors"
	"fmt"

	"github.com/rpattn/blacklist/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// classifyPgError maps driver failures onto the domain error taxonomy.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeDeadlockDetected, codeSerializationFailure:
		return fmt.Errorf("%w: %w", domain.ErrWriteConflict, err)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %w", domain.ErrConstraint, err)
	default:
		return err
	}
}
