package domain

import "errors"

// Errors returned across the ingestion pipeline. Callers match them with errors.Is.
var (
	// ErrParse is returned when the uploaded stream cannot be read as a table.
	ErrParse = errors.New("blacklist: malformed input")

	// ErrValidation marks a row that cannot be stored. It is recovered by quarantine.
	ErrValidation = errors.New("blacklist: invalid record")

	// ErrWriteConflict is returned when a transaction lost a deadlock or serialization race.
	ErrWriteConflict = errors.New("blacklist: write conflict")

	// ErrConstraint is returned when a unique key was taken by a concurrent writer.
	ErrConstraint = errors.New("blacklist: constraint violation")

	// ErrNotFound is returned when a job or quarantined record does not exist.
	ErrNotFound = errors.New("blacklist: not found")

	// ErrInvalidState is returned when a job cannot make the requested transition.
	ErrInvalidState = errors.New("blacklist: invalid job state")

	// ErrRetriesExhausted is returned when a chunk kept conflicting past the attempt budget.
	ErrRetriesExhausted = errors.New("blacklist: chunk retries exhausted")

	// ErrSourceMissing is returned when the job's source file is gone.
	ErrSourceMissing = errors.New("blacklist: source file missing")
)
